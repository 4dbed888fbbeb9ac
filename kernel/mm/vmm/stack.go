package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

var (
	// ErrStackRangeExhausted is returned by AllocStack when the remaining
	// page range cannot hold the requested stack and its guard page.
	ErrStackRangeExhausted = &kernel.Error{Module: "stack_alloc", Message: "not enough pages left in the stack range"}

	errInvalidStackSize = &kernel.Error{Module: "stack_alloc", Message: "stack size must be at least one page"}
	errInvalidStack     = &kernel.Error{Module: "stack_alloc", Message: "stack top must be above its bottom"}
)

// Stack is a mapped virtual memory range [Bottom, Top). The page below
// Bottom is left unmapped.
type Stack struct {
	top, bottom uintptr
}

func newStack(top, bottom uintptr) Stack {
	if top <= bottom {
		panic(errInvalidStack)
	}

	return Stack{top: top, bottom: bottom}
}

// Top returns the address right above the stack; stacks grow downwards from
// here.
func (s Stack) Top() uintptr { return s.top }

// Bottom returns the lowest address of the stack.
func (s Stack) Bottom() uintptr { return s.bottom }

// StackAllocator carves guarded stacks out of a range of virtual pages.
type StackAllocator struct {
	// [next, end] is the part of the range that has not been handed out;
	// it is empty when next > end.
	next, end mm.Page
}

// NewStackAllocator returns an allocator for the inclusive page range
// [start, end].
func NewStackAllocator(start, end mm.Page) *StackAllocator {
	return &StackAllocator{next: start, end: end}
}

// RemainingPages returns the number of pages that have not been handed out.
func (s *StackAllocator) RemainingPages() uint64 {
	if s.next > s.end {
		return 0
	}

	return uint64(s.end-s.next) + 1
}

// AllocStack reserves a guard page followed by sizeInPages pages which are
// mapped writable to frames from alloc. If mapping fails the pages mapped so
// far are unmapped, their frames are returned to alloc and the range is left
// untouched.
func (s *StackAllocator) AllocStack(active *ActivePageTable, alloc mm.FrameAllocator, sizeInPages uint64) (Stack, *kernel.Error) {
	if sizeInPages == 0 {
		return Stack{}, errInvalidStackSize
	}

	// one extra page for the guard
	if sizeInPages >= s.RemainingPages() {
		return Stack{}, ErrStackRangeExhausted
	}

	var (
		guardPage  = s.next
		stackStart = guardPage + 1
		stackEnd   = stackStart + mm.Page(sizeInPages-1)
	)

	for page := stackStart; page <= stackEnd; page++ {
		if err := active.Map(page, FlagRW, alloc); err != nil {
			for mapped := stackStart; mapped < page; mapped++ {
				if freeErr := alloc.FreeFrame(active.Unmap(mapped)); freeErr != nil {
					kfmt.Printf("[stack_alloc] unable to release frame for page 0x%x: %s\n", mapped.Address(), freeErr.Message)
				}
			}
			return Stack{}, err
		}
	}

	s.next = stackEnd + 1
	return newStack(stackEnd.Address()+mm.PageSize, stackStart.Address()), nil
}
