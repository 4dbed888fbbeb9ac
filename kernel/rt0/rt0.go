// Package rt0 performs the work the boot loader stage does before handing
// control to the kernel: it builds a minimal page table hierarchy that
// identity maps low memory and points its last P4 entry back to itself.
package rt0

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

// Entry bits used by the boot tables.
const (
	pagePresent  = uint64(1 << 0)
	pageWritable = uint64(1 << 1)
	pageHuge     = uint64(1 << 7)

	hugePageSize = 2 * uintptr(mm.Mb)
	entrySize    = 8
	lastEntry    = mm.EntriesPerTable - 1
)

// TableFrames is the number of consecutive frames Setup needs for the P4,
// P3 and P2 tables.
const TableFrames = 3

var errTablesOutsideMemory = &kernel.Error{Module: "rt0", Message: "boot page tables do not fit in physical memory"}

// Setup writes the boot P4, P3 and P2 tables to the three frames starting
// at tablesAddr and loads the P4 into CR3. The P2 table identity maps
// physical memory (up to 1G) using 2M pages. P4[511] points to the P4
// itself.
func Setup(c *cpu.CPU, tablesAddr uintptr) {
	mem := c.Memory()
	if !mm.IsAligned(tablesAddr, mm.PageSize) || tablesAddr+TableFrames*mm.PageSize > uintptr(mem.Size()) {
		panic(errTablesOutsideMemory)
	}

	var (
		p4 = mm.FrameFromAddress(tablesAddr)
		p3 = p4 + 1
		p2 = p4 + 2
	)

	for _, frame := range []mm.Frame{p4, p3, p2} {
		mem.ZeroFrame(frame)
	}

	mem.Write64(p4.Address(), uint64(p3.Address())|pagePresent|pageWritable)
	mem.Write64(p4.Address()+lastEntry*entrySize, uint64(p4.Address())|pagePresent|pageWritable)
	mem.Write64(p3.Address(), uint64(p2.Address())|pagePresent|pageWritable)

	var mapped uintptr
	for index := uintptr(0); index < mm.EntriesPerTable && mapped < uintptr(mem.Size()); index++ {
		mem.Write64(p2.Address()+index*entrySize, uint64(mapped)|pagePresent|pageWritable|pageHuge)
		mapped += hugePageSize
	}

	c.SwitchPDT(p4.Address())
	kfmt.Printf("[rt0] boot tables at 0x%x, identity mapped 0x%x bytes\n", tablesAddr, mapped)
}
