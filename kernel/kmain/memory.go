package kmain

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/hal/multiboot"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/pmm"
	"gophermm/kernel/mm/vmm"
	"gophermm/kernel/sync"
)

const (
	// HeapStart is the virtual address of the kernel heap.
	HeapStart = uintptr(0x4000_0000)

	// HeapSize is the size of the kernel heap.
	HeapSize = uintptr(100 * mm.Kb)

	// stackRangePages is the offset of the last page of the stack range
	// from its first page; the range starts right above the heap.
	stackRangePages = 100
)

var (
	errMemoryInitialized = &kernel.Error{Module: "kmain", Message: "memory subsystem already initialized"}

	memoryInitGuard sync.OneShot

	// remapKernelFn is overridden by tests.
	remapKernelFn = vmm.RemapKernel
)

// MemoryController owns the kernel's page table and allocators once the
// kernel has been remapped.
type MemoryController struct {
	activeTable    *vmm.ActivePageTable
	frameAllocator *pmm.AreaFrameAllocator
	stackAllocator *vmm.StackAllocator
}

// AllocStack maps a new guarded stack with the given number of pages.
func (mc *MemoryController) AllocStack(sizeInPages uint64) (vmm.Stack, *kernel.Error) {
	return mc.stackAllocator.AllocStack(mc.activeTable, mc.frameAllocator, sizeInPages)
}

// ActiveTable returns the kernel page table.
func (mc *MemoryController) ActiveTable() *vmm.ActivePageTable {
	return mc.activeTable
}

// FrameAllocator returns the physical frame allocator.
func (mc *MemoryController) FrameAllocator() *pmm.AreaFrameAllocator {
	return mc.frameAllocator
}

// StackPages returns the number of pages left for stacks.
func (mc *MemoryController) StackPages() uint64 {
	return mc.stackAllocator.RemainingPages()
}

// InitMemory sets up the frame allocator from the boot information, remaps
// the kernel and maps the kernel heap. It panics if the boot information is
// incomplete, if memory runs out or if called more than once.
func InitMemory(c *cpu.CPU, info *multiboot.Info) *MemoryController {
	memoryInitGuard.Enter(errMemoryInitialized)

	if err := info.Validate(); err != nil {
		panic(err)
	}

	kernelStart, kernelEnd := info.KernelExtent()
	kfmt.Printf("[kmain] kernel start: 0x%x, kernel end: 0x%x\n", kernelStart, kernelEnd)
	kfmt.Printf("[kmain] multiboot start: 0x%x, multiboot end: 0x%x\n", info.StartAddr, info.EndAddr)

	frameAllocator := pmm.NewAreaFrameAllocator(kernelStart, kernelEnd, info.StartAddr, info.EndAddr, info)
	frameAllocator.PrintMemoryMap(info)

	activeTable, err := remapKernelFn(c, frameAllocator, info)
	if err != nil {
		panic(err)
	}

	heapStartPage := mm.PageFromAddress(HeapStart)
	heapEndPage := mm.PageFromAddress(HeapStart + HeapSize - 1)
	if err = activeTable.MapRange(heapStartPage, heapEndPage, vmm.FlagRW, frameAllocator); err != nil {
		panic(err)
	}
	kfmt.Printf("[kmain] heap mapped at [0x%x, 0x%x)\n", HeapStart, HeapStart+HeapSize)

	stackStart := heapEndPage + 1
	return &MemoryController{
		activeTable:    activeTable,
		frameAllocator: frameAllocator,
		stackAllocator: vmm.NewStackAllocator(stackStart, stackStart+stackRangePages),
	}
}
