package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

var errFrameOutOfRange = &kernel.Error{Module: "vmm", Message: "frame address exceeds the physical address width"}

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// PageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type PageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte PageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (PageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Flags returns the flag bits of the entry.
func (pte PageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte PageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
// It panics if the frame address does not fit in the entry.
func (pte *PageTableEntry) SetFrame(frame mm.Frame) {
	if frame.Address()&^ptePhysPageMask != 0 {
		panic(errFrameOutOfRange)
	}

	*pte = (PageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// PointedFrame returns the frame the entry points to if the entry is present.
func (pte PageTableEntry) PointedFrame() (mm.Frame, bool) {
	if !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}

	return pte.Frame(), true
}

// IsUnused returns true if the entry is all zeroes.
func (pte PageTableEntry) IsUnused() bool {
	return pte == 0
}

// newEntry returns an entry pointing to frame with the given flags.
func newEntry(frame mm.Frame, flags PageTableEntryFlag) PageTableEntry {
	var pte PageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	return pte
}
