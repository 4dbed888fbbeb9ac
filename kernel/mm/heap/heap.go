// Package heap implements the kernel's dynamic memory allocator: a first-fit
// allocator that keeps its free list inside the managed memory region.
package heap

import (
	"gophermm/kernel"
	"gophermm/kernel/mm"
)

const (
	// holeHeaderSize is the size of the {size, next} header written at the
	// start of every hole. No block can be smaller than a header as it
	// needs to hold one once freed.
	holeHeaderSize = 2 * 8

	// MinBlockSize is the smallest block handed out by the allocator.
	MinBlockSize = holeHeaderSize

	// holeAlign is the alignment of every hole and block size.
	holeAlign = 8

	nextFieldOffset = 8

	// maxBlockSize is the largest size that can be rounded up to holeAlign
	// without wrapping around.
	maxBlockSize = ^uintptr(0) &^ (holeAlign - 1)
)

var (
	// ErrOutOfMemory is returned when no hole can satisfy an allocation.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "no hole large enough for the allocation"}

	errDoubleFree       = &kernel.Error{Module: "heap", Message: "invalid deallocation (probably a double free)"}
	errFreeOutOfRange   = &kernel.Error{Module: "heap", Message: "deallocated block lies outside the heap"}
	errInvalidAlignment = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}
	errInvalidRegion    = &kernel.Error{Module: "heap", Message: "heap region must be non-null, 8-byte aligned and hold at least one block"}
	errInvalidExtension = &kernel.Error{Module: "heap", Message: "heap extension must be a multiple of 8 and hold at least one block"}
)

// Memory is the address space the heap lives in. Hole headers are read and
// written through it.
type Memory interface {
	Read64(addr uintptr) uint64
	Write64(addr uintptr, v uint64)
}

// Layout describes an allocation request.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// normalize rounds the size up to a block the free list can track again once
// the allocation is released. It returns false if the size cannot be
// rounded without overflowing.
func (l Layout) normalize() (Layout, bool) {
	if l.Align == 0 {
		l.Align = 1
	}

	if l.Align&(l.Align-1) != 0 {
		panic(errInvalidAlignment)
	}

	if l.Size > maxBlockSize {
		return l, false
	}

	if l.Size < MinBlockSize {
		l.Size = MinBlockSize
	}

	l.Size = mm.AlignUp(l.Size, holeAlign)
	return l, true
}

// Hole describes a free block.
type Hole struct {
	Addr uintptr
	Size uintptr
}

// Heap is a first-fit allocator over [Bottom, Top). Free blocks form a
// singly linked list sorted by address whose nodes are stored in the free
// blocks themselves. Heap is not safe for concurrent use; see LockedHeap.
type Heap struct {
	mem    Memory
	bottom uintptr
	size   uintptr

	// head is the address of the first hole or 0 if the heap is full. It
	// plays the role of the list's dummy head node; a prev address of 0
	// refers to it.
	head uintptr
}

// New returns a heap managing [bottom, bottom+size) which must be mapped
// and unused. The whole region starts out as a single hole.
func New(mem Memory, bottom, size uintptr) *Heap {
	if bottom == 0 || !mm.IsAligned(bottom, holeAlign) || size < MinBlockSize {
		panic(errInvalidRegion)
	}

	h := &Heap{mem: mem, bottom: bottom, size: mm.AlignDown(size, holeAlign)}
	h.writeHole(bottom, h.size, 0)
	h.head = bottom
	return h
}

// Bottom returns the first address of the heap.
func (h *Heap) Bottom() uintptr { return h.bottom }

// Size returns the size of the heap in bytes.
func (h *Heap) Size() uintptr { return h.size }

// Top returns the address right after the heap.
func (h *Heap) Top() uintptr { return h.bottom + h.size }

// AllocateFirstFit returns the address of a block satisfying layout carved
// out of the first hole that can hold it. It returns ErrOutOfMemory if no
// such hole exists.
func (h *Heap) AllocateFirstFit(layout Layout) (uintptr, *kernel.Error) {
	layout, ok := layout.normalize()
	if !ok {
		return 0, ErrOutOfMemory
	}

	for prev, addr := uintptr(0), h.head; addr != 0; prev, addr = addr, h.next(addr) {
		block, front, back, ok := splitHole(addr, h.holeSize(addr), layout)
		if !ok {
			continue
		}

		h.setNext(prev, h.next(addr))

		if front.Size != 0 {
			h.insert(front.Addr, front.Size)
		}

		if back.Size != 0 {
			h.insert(back.Addr, back.Size)
		}

		return block, nil
	}

	return 0, ErrOutOfMemory
}

// Deallocate releases a block returned by AllocateFirstFit. The layout must
// match the one used for the allocation. Freeing memory that overlaps a
// hole panics.
func (h *Heap) Deallocate(ptr uintptr, layout Layout) {
	layout, ok := layout.normalize()
	if !ok || ptr < h.bottom || ptr > h.Top() || h.Top()-ptr < layout.Size {
		panic(errFreeOutOfRange)
	}

	h.insert(ptr, layout.Size)
}

// Extend grows the heap by the given number of bytes. The memory right
// above Top must already be mapped.
func (h *Heap) Extend(by uintptr) *kernel.Error {
	if by < MinBlockSize || !mm.IsAligned(by, holeAlign) || by > ^uintptr(0)-h.Top() {
		return errInvalidExtension
	}

	top := h.Top()
	h.size += by
	h.insert(top, by)
	return nil
}

// FreeBytes returns the total size of all holes.
func (h *Heap) FreeBytes() uintptr {
	var free uintptr
	for addr := h.head; addr != 0; addr = h.next(addr) {
		free += h.holeSize(addr)
	}

	return free
}

// Holes returns the free list in address order.
func (h *Heap) Holes() []Hole {
	var holes []Hole
	for addr := h.head; addr != 0; addr = h.next(addr) {
		holes = append(holes, Hole{Addr: addr, Size: h.holeSize(addr)})
	}

	return holes
}

// splitHole checks whether the hole at addr can hold a block for layout. It
// returns the block address and the holes left in front of and behind the
// block. Both leftovers must be large enough to hold a hole header; if the
// front one is not the block moves up, if the back one is not the hole is
// unusable.
func splitHole(addr, size uintptr, layout Layout) (uintptr, Hole, Hole, bool) {
	var (
		front, back Hole
		block       = addr
		end         = addr + size
	)

	if !mm.IsAligned(addr, layout.Align) {
		// the padded block address would wrap around
		if addr > ^uintptr(0)-MinBlockSize-(layout.Align-1) {
			return 0, Hole{}, Hole{}, false
		}

		block = mm.AlignUp(addr+MinBlockSize, layout.Align)
		front = Hole{Addr: addr, Size: block - addr}
	}

	if block > end || end-block < layout.Size {
		return 0, Hole{}, Hole{}, false
	}

	if rest := end - block - layout.Size; rest > 0 {
		if rest < MinBlockSize {
			return 0, Hole{}, Hole{}, false
		}
		back = Hole{Addr: block + layout.Size, Size: rest}
	}

	return block, front, back, true
}

// insert adds [addr, addr+size) to the free list, merging it with the
// holes right before and after it.
func (h *Heap) insert(addr, size uintptr) {
	for prev := uintptr(0); ; {
		if prev != 0 && prev+h.holeSize(prev) > addr {
			panic(errDoubleFree)
		}

		next := h.next(prev)
		if next != 0 && next <= addr {
			prev = next
			continue
		}

		if next != 0 && addr+size > next {
			panic(errDoubleFree)
		}

		mergePrev := prev != 0 && prev+h.holeSize(prev) == addr
		mergeNext := next != 0 && addr+size == next

		switch {
		case mergePrev && mergeNext:
			h.writeHole(prev, h.holeSize(prev)+size+h.holeSize(next), h.next(next))
		case mergePrev:
			h.writeHole(prev, h.holeSize(prev)+size, next)
		case mergeNext:
			h.writeHole(addr, size+h.holeSize(next), h.next(next))
			h.setNext(prev, addr)
		default:
			h.writeHole(addr, size, next)
			h.setNext(prev, addr)
		}

		return
	}
}

func (h *Heap) holeSize(addr uintptr) uintptr {
	return uintptr(h.mem.Read64(addr))
}

func (h *Heap) next(prev uintptr) uintptr {
	if prev == 0 {
		return h.head
	}

	return uintptr(h.mem.Read64(prev + nextFieldOffset))
}

func (h *Heap) setNext(prev, next uintptr) {
	if prev == 0 {
		h.head = next
		return
	}

	h.mem.Write64(prev+nextFieldOffset, uint64(next))
}

func (h *Heap) writeHole(addr, size, next uintptr) {
	h.mem.Write64(addr, uint64(size))
	h.mem.Write64(addr+nextFieldOffset, uint64(next))
}
