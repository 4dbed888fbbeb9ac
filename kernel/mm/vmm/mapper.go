package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
	errMisalignedHuge    = &kernel.Error{Module: "vmm", Message: "huge page frame is not aligned to its size"}
)

// Mapper edits the page table hierarchy currently reachable through the
// recursive P4 entry of the active table.
type Mapper struct {
	cpu *cpu.CPU
}

func (m *Mapper) p4() Table {
	return Table{cpu: m.cpu, addr: p4VirtualAddr, level: Level4}
}

// SelfReference returns the frame that the recursive P4 address resolves to.
// For a well-formed hierarchy this is the frame of the P4 table itself.
func (m *Mapper) SelfReference() (mm.Frame, *kernel.Error) {
	physAddr, err := m.cpu.Translate(p4VirtualAddr, false)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(physAddr), nil
}

// MapTo establishes a mapping between page and frame. Missing intermediate
// tables are allocated from alloc. FlagPresent is always added to flags.
// MapTo panics if page is already mapped or if one of the intermediate
// entries maps a huge page.
func (m *Mapper) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	p3, err := m.p4().NextTableCreate(page.P4Index(), alloc)
	if err != nil {
		return err
	}

	p2, err := p3.NextTableCreate(page.P3Index(), alloc)
	if err != nil {
		return err
	}

	p1, err := p2.NextTableCreate(page.P2Index(), alloc)
	if err != nil {
		return err
	}

	if !p1.Get(page.P1Index()).IsUnused() {
		panic(errPageAlreadyMapped)
	}

	p1.Set(page.P1Index(), newEntry(frame, flags|FlagPresent))
	m.cpu.FlushTLBEntry(page.Address())
	return nil
}

// Map maps page to a newly allocated frame.
func (m *Mapper) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return err
	}

	if err = m.MapTo(page, frame, flags, alloc); err != nil {
		if freeErr := alloc.FreeFrame(frame); freeErr != nil {
			kfmt.Printf("[vmm] unable to release frame 0x%x: %s\n", frame.Address(), freeErr.Message)
		}
		return err
	}

	return nil
}

// MapRange maps every page in the inclusive range [start, end] to a newly
// allocated frame.
func (m *Mapper) MapRange(start, end mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	for page := start; page <= end; page++ {
		if err := m.Map(page, flags, alloc); err != nil {
			return err
		}
	}

	return nil
}

// IdentityMap maps frame to the page with the same number.
func (m *Mapper) IdentityMap(frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	return m.MapTo(mm.PageFromAddress(frame.Address()), frame, flags, alloc)
}

// IdentityMapRange identity maps every frame in the inclusive range
// [start, end].
func (m *Mapper) IdentityMapRange(start, end mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	for frame := start; frame <= end; frame++ {
		if err := m.IdentityMap(frame, flags, alloc); err != nil {
			return err
		}
	}

	return nil
}

// Unmap removes the mapping for page and flushes its TLB entry. It returns
// the frame the page was mapped to; the frame is not released and the caller
// decides whether to hand it back to its allocator. Unmap panics if page is
// not mapped or is part of a huge page.
func (m *Mapper) Unmap(page mm.Page) mm.Frame {
	if _, err := m.TranslatePage(page); err != nil {
		panic(err)
	}

	p1, ok := m.p4().NextTable(page.P4Index())
	for _, index := range []uint{page.P3Index(), page.P2Index()} {
		if !ok {
			break
		}
		p1, ok = p1.NextTable(index)
	}

	// translation succeeded so a missing table means a huge page
	if !ok {
		panic(errNoHugePageSupport)
	}

	frame := p1.Get(page.P1Index()).Frame()
	p1.Set(page.P1Index(), 0)
	m.cpu.FlushTLBEntry(page.Address())
	return frame
}

// Translate returns the physical address that corresponds to virtAddr or
// ErrInvalidMapping if virtAddr is not mapped.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, err := m.TranslatePage(mm.PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	return frame.Address() + PageOffset(virtAddr), nil
}

// TranslatePage returns the frame that page is mapped to or
// ErrInvalidMapping if page is not mapped. Pages inside 1G and 2M huge pages
// resolve to the matching 4K frame of the huge page. A huge page frame that
// is not aligned to its size causes a panic.
func (m *Mapper) TranslatePage(page mm.Page) (mm.Frame, *kernel.Error) {
	p3, ok := m.p4().NextTable(page.P4Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	if pte := p3.Get(page.P3Index()); pte.HasFlags(FlagPresent | FlagHugePage) {
		return hugePageFrame(pte.Frame(), mm.EntriesPerTable*mm.EntriesPerTable, uintptr(page.P2Index())*mm.EntriesPerTable+uintptr(page.P1Index())), nil
	}

	p2, ok := p3.NextTable(page.P3Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	if pte := p2.Get(page.P2Index()); pte.HasFlags(FlagPresent | FlagHugePage) {
		return hugePageFrame(pte.Frame(), mm.EntriesPerTable, uintptr(page.P1Index())), nil
	}

	p1, ok := p2.NextTable(page.P2Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	frame, ok := p1.Get(page.P1Index()).PointedFrame()
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	return frame, nil
}

// hugePageFrame returns the frame at offset frames into the huge page that
// starts at start and spans frames frames.
func hugePageFrame(start mm.Frame, frames, offset uintptr) mm.Frame {
	if uintptr(start)%frames != 0 {
		panic(errMisalignedHuge)
	}

	return start + mm.Frame(offset)
}

// PageOffset returns the offset within a page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
