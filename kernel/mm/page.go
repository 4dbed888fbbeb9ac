package mm

import (
	"gophermm/kernel"
	"math"
)

var (
	// ErrNonCanonicalAddress is raised when a Page is built from an address
	// outside the sign-extended 48-bit range.
	ErrNonCanonicalAddress = &kernel.Error{Module: "mm", Message: "virtual address is not canonical"}
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address of the first byte in this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// P4Index returns the index of the top-level table entry that maps p.
func (p Page) P4Index() uint { return uint(p>>27) & 0x1ff }

// P3Index returns the index of the level 3 table entry that maps p.
func (p Page) P3Index() uint { return uint(p>>18) & 0x1ff }

// P2Index returns the index of the level 2 table entry that maps p.
func (p Page) P2Index() uint { return uint(p>>9) & 0x1ff }

// P1Index returns the index of the leaf table entry that maps p.
func (p Page) P1Index() uint { return uint(p) & 0x1ff }

// PageFromAddress returns the Page that contains the given virtual address.
// It panics with ErrNonCanonicalAddress if virtAddr is not canonical.
func PageFromAddress(virtAddr uintptr) Page {
	if !IsCanonical(virtAddr) {
		panic(ErrNonCanonicalAddress)
	}

	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// IsCanonical returns true if bits 48-63 of virtAddr are copies of bit 47.
func IsCanonical(virtAddr uintptr) bool {
	return virtAddr < canonicalLowEnd || virtAddr >= canonicalHighStart
}
