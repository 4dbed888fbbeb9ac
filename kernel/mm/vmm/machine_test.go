package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/hal/multiboot"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/rt0"
	"testing"
)

const (
	testMemorySize = 16 * mm.Mb

	// The boot loader's P4, P3 and P2 tables live at the start of .bss.
	testBootTables = uintptr(0x110000)
)

// testBootInfo describes a kernel image loaded at 1M followed by the boot
// information blob.
func testBootInfo() *multiboot.Info {
	return &multiboot.Info{
		StartAddr: 0x118000,
		EndAddr:   0x118400,
		MemoryMap: []multiboot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
			{PhysAddress: 0x9fc00, Length: 0x60400, Type: multiboot.MemReserved},
			{PhysAddress: 0x100000, Length: uint64(testMemorySize) - 0x100000, Type: multiboot.MemAvailable},
		},
		ElfSections: []multiboot.ElfSection{
			{Name: ".text", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: 0x100000, Size: 0x8000},
			{Name: ".rodata", Flags: multiboot.ElfSectionAllocated, Address: 0x108000, Size: 0x4000},
			{Name: ".data", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: 0x10c000, Size: 0x4000},
			{Name: ".bss", Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, Address: 0x110000, Size: 0x8000},
			{Name: ".comment", Address: 0, Size: 0x40},
		},
	}
}

type testMachine struct {
	cpu   *cpu.CPU
	alloc *pmm.AreaFrameAllocator
	info  *multiboot.Info
}

func newTestMachine(t *testing.T) *testMachine {
	t.Helper()

	mem, err := cpu.NewPhysicalMemory(testMemorySize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })

	c := cpu.New(mem)
	rt0.Setup(c, testBootTables)

	info := testBootInfo()
	kernelStart, kernelEnd := info.KernelExtent()

	return &testMachine{
		cpu:   c,
		alloc: pmm.NewAreaFrameAllocator(kernelStart, kernelEnd, info.StartAddr, info.EndAddr, info),
		info:  info,
	}
}

// countingAllocator forwards to an inner allocator and fails once limit
// frames have been handed out.
type countingAllocator struct {
	inner  mm.FrameAllocator
	limit  int
	allocs int
	frees  []mm.Frame
}

var errTestAllocLimit = &kernel.Error{Module: "test", Message: "allocation limit reached"}

func (a *countingAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.allocs == a.limit {
		return mm.InvalidFrame, errTestAllocLimit
	}

	a.allocs++
	return a.inner.AllocFrame()
}

func (a *countingAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	a.frees = append(a.frees, frame)
	return a.inner.FreeFrame(frame)
}

func expectPanic(t *testing.T, expErr interface{}, fn func()) {
	t.Helper()

	defer func() {
		if err := recover(); err != expErr {
			t.Fatalf("expected panic with %v; got %v", expErr, err)
		}
	}()

	fn()
}
