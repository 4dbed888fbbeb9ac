package heap

import (
	"gophermm/kernel"
	"gophermm/kernel/sync"
)

var (
	errHeapInitialized    = &kernel.Error{Module: "heap", Message: "kernel heap already initialized"}
	errHeapNotInitialized = &kernel.Error{Module: "heap", Message: "kernel heap used before initialization"}

	// kernelHeap is the allocator used by Alloc and Free.
	kernelHeap LockedHeap
	initGuard  sync.OneShot
)

// LockedHeap serializes access to a Heap with a spinlock. Allocating while
// the lock is held by the same task (e.g. from a handler that interrupted
// an allocation) deadlocks.
type LockedHeap struct {
	lock sync.Spinlock
	heap *Heap
}

// NewLocked returns a LockedHeap managing [bottom, bottom+size).
func NewLocked(mem Memory, bottom, size uintptr) *LockedHeap {
	return &LockedHeap{heap: New(mem, bottom, size)}
}

// Alloc allocates a block for layout.
func (l *LockedHeap) Alloc(layout Layout) (uintptr, *kernel.Error) {
	l.lock.Acquire()
	defer l.lock.Release()

	if l.heap == nil {
		return 0, errHeapNotInitialized
	}

	return l.heap.AllocateFirstFit(layout)
}

// Dealloc releases a block obtained from Alloc.
func (l *LockedHeap) Dealloc(ptr uintptr, layout Layout) {
	l.lock.Acquire()
	defer l.lock.Release()

	if l.heap == nil {
		panic(errHeapNotInitialized)
	}

	l.heap.Deallocate(ptr, layout)
}

// Extend grows the underlying heap.
func (l *LockedHeap) Extend(by uintptr) *kernel.Error {
	l.lock.Acquire()
	defer l.lock.Release()

	if l.heap == nil {
		return errHeapNotInitialized
	}

	return l.heap.Extend(by)
}

// Stats returns the heap size and the number of free bytes.
func (l *LockedHeap) Stats() (size, free uintptr) {
	l.lock.Acquire()
	defer l.lock.Release()

	if l.heap == nil {
		return 0, 0
	}

	return l.heap.Size(), l.heap.FreeBytes()
}

// Init sets up the kernel heap over [bottom, bottom+size). It panics if
// called more than once.
func Init(mem Memory, bottom, size uintptr) {
	initGuard.Enter(errHeapInitialized)

	kernelHeap.lock.Acquire()
	kernelHeap.heap = New(mem, bottom, size)
	kernelHeap.lock.Release()
}

// Global returns the kernel heap.
func Global() *LockedHeap {
	return &kernelHeap
}

// Alloc allocates size bytes aligned to align from the kernel heap.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.Alloc(Layout{Size: size, Align: align})
}

// Free releases a block obtained from Alloc. size and align must match the
// allocation.
func Free(ptr, size, align uintptr) {
	kernelHeap.Dealloc(ptr, Layout{Size: size, Align: align})
}

