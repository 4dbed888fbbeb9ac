// Package cpu models the parts of an amd64 processor that the memory
// subsystem talks to: the page-table base register (CR3), the MMU page
// walker, the TLB and the interrupt flag. Physical memory is a byte arena
// indexed by physical address.
package cpu

import (
	"gophermm/kernel/mm"
	"sync/atomic"
)

// TLBStats collects TLB counters.
type TLBStats struct {
	Hits, Misses, Flushes, EntryFlushes uint64
}

// tlbEntry caches the translation of one 4K virtual page.
type tlbEntry struct {
	frame    mm.Frame
	writable bool
}

// CPU is a single amd64 core bound to a physical memory arena.
type CPU struct {
	mem *PhysicalMemory

	cr3               uintptr
	interruptsEnabled bool

	tlb   map[mm.Page]tlbEntry
	stats TLBStats

	pdtOwned uint32
}

// New returns a CPU bound to mem. As after a boot loader hand-off the CPU
// starts with interrupts disabled.
func New(mem *PhysicalMemory) *CPU {
	return &CPU{
		mem: mem,
		tlb: make(map[mm.Page]tlbEntry),
	}
}

// Memory returns the physical memory attached to the CPU.
func (c *CPU) Memory() *PhysicalMemory {
	return c.mem
}

// ActivePDT returns the physical address of the currently active page table.
func (c *CPU) ActivePDT() uintptr {
	return c.cr3
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (c *CPU) SwitchPDT(pdtPhysAddr uintptr) {
	c.cr3 = pdtPhysAddr
	c.FlushTLB()
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func (c *CPU) FlushTLBEntry(virtAddr uintptr) {
	if !mm.IsCanonical(virtAddr) {
		return
	}

	delete(c.tlb, mm.PageFromAddress(virtAddr))
	c.stats.EntryFlushes++
}

// FlushTLB drops every cached translation.
func (c *CPU) FlushTLB() {
	clear(c.tlb)
	c.stats.Flushes++
}

// TLBStats returns a snapshot of the TLB counters.
func (c *CPU) TLBStats() TLBStats {
	return c.stats
}

// EnableInterrupts enables interrupt handling.
func (c *CPU) EnableInterrupts() {
	c.interruptsEnabled = true
}

// DisableInterrupts disables interrupt handling and reports whether they
// were enabled before the call.
func (c *CPU) DisableInterrupts() bool {
	prev := c.interruptsEnabled
	c.interruptsEnabled = false
	return prev
}

// RestoreInterrupts re-enables interrupts if enabled is true. It pairs with
// DisableInterrupts.
func (c *CPU) RestoreInterrupts(enabled bool) {
	c.interruptsEnabled = enabled
}

// InterruptsEnabled returns the state of the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	return c.interruptsEnabled
}

// ClaimActivePDT hands out ownership of the active page table. It returns
// true for the first caller only.
func (c *CPU) ClaimActivePDT() bool {
	return atomic.CompareAndSwapUint32(&c.pdtOwned, 0, 1)
}
