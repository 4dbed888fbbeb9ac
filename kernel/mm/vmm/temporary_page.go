package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

// tinyAllocatorFrames is the number of frames needed to build the P3, P2 and
// P1 tables for a single page.
const tinyAllocatorFrames = 3

var (
	errTemporaryPageInUse = &kernel.Error{Module: "vmm", Message: "temporary page is already mapped"}
	errTinyAllocatorEmpty = &kernel.Error{Module: "vmm", Message: "tiny allocator has no frames left"}
	errTinyAllocatorFull  = &kernel.Error{Module: "vmm", Message: "tiny allocator can hold only 3 frames"}
)

// tinyAllocator holds the frames needed to map the temporary page so that
// mapping it never depends on the general purpose frame allocator.
type tinyAllocator struct {
	frames [tinyAllocatorFrames]mm.Frame
}

func newTinyAllocator(alloc mm.FrameAllocator) (*tinyAllocator, *kernel.Error) {
	var (
		tiny tinyAllocator
		err  *kernel.Error
	)

	for i := range tiny.frames {
		if tiny.frames[i], err = alloc.AllocFrame(); err != nil {
			return nil, err
		}
	}

	return &tiny, nil
}

// AllocFrame hands out one of the held frames.
func (ta *tinyAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for i, frame := range ta.frames {
		if frame.Valid() {
			ta.frames[i] = mm.InvalidFrame
			return frame, nil
		}
	}

	return mm.InvalidFrame, errTinyAllocatorEmpty
}

// FreeFrame takes a frame back. It panics if all slots are occupied.
func (ta *tinyAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	for i := range ta.frames {
		if !ta.frames[i].Valid() {
			ta.frames[i] = frame
			return nil
		}
	}

	panic(errTinyAllocatorFull)
}

// TemporaryPage is a reserved virtual page used to access arbitrary physical
// frames, most notably page tables that are not reachable through the
// recursive mapping.
type TemporaryPage struct {
	page      mm.Page
	allocator *tinyAllocator
}

// NewTemporaryPage reserves page for temporary mappings and pulls the frames
// needed to map it from alloc.
func NewTemporaryPage(page mm.Page, alloc mm.FrameAllocator) (*TemporaryPage, *kernel.Error) {
	tiny, err := newTinyAllocator(alloc)
	if err != nil {
		return nil, err
	}

	return &TemporaryPage{page: page, allocator: tiny}, nil
}

// Page returns the reserved page.
func (tp *TemporaryPage) Page() mm.Page {
	return tp.page
}

// Map maps the temporary page to frame in the active table and returns its
// virtual address. It panics if the temporary page is already mapped.
func (tp *TemporaryPage) Map(frame mm.Frame, active *ActivePageTable) (uintptr, *kernel.Error) {
	if _, err := active.TranslatePage(tp.page); err == nil {
		panic(errTemporaryPageInUse)
	}

	if err := active.MapTo(tp.page, frame, FlagRW, tp.allocator); err != nil {
		return 0, err
	}

	return tp.page.Address(), nil
}

// MapTable maps the temporary page to frame and returns a view of the frame
// as a page table. The view is a Level1 table so it cannot be used to
// descend into other tables.
func (tp *TemporaryPage) MapTable(frame mm.Frame, active *ActivePageTable) (Table, *kernel.Error) {
	addr, err := tp.Map(frame, active)
	if err != nil {
		return Table{}, err
	}

	return Table{cpu: active.cpu, addr: addr, level: Level1}, nil
}

// Unmap removes the temporary mapping from the active table.
func (tp *TemporaryPage) Unmap(active *ActivePageTable) {
	active.Unmap(tp.page)
}
