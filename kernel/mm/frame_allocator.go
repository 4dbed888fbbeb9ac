package mm

import "gophermm/kernel"

var (
	// ErrFreeNotSupported is returned by allocators that cannot take frames
	// back.
	ErrFreeNotSupported = &kernel.Error{Module: "mm", Message: "allocator does not support freeing frames"}
)

// FrameAllocator is implemented by physical frame allocators. A Frame is a
// capability: whoever holds it may install it in a page table or hand it
// back through FreeFrame.
type FrameAllocator interface {
	// AllocFrame reserves a free frame. It returns InvalidFrame and an
	// error once no more frames are available.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame obtained through AllocFrame.
	FreeFrame(Frame) *kernel.Error
}

// FrameAllocatorFn adapts a plain allocation function to the FrameAllocator
// interface. Frames handed to FreeFrame are rejected.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// AllocFrame invokes fn.
func (fn FrameAllocatorFn) AllocFrame() (Frame, *kernel.Error) {
	return fn()
}

// FreeFrame always returns ErrFreeNotSupported.
func (fn FrameAllocatorFn) FreeFrame(_ Frame) *kernel.Error {
	return ErrFreeNotSupported
}
