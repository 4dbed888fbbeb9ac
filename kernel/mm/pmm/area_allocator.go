// Package pmm implements the physical memory manager.
package pmm

import (
	"gophermm/kernel"
	"gophermm/kernel/hal/multiboot"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"

	"github.com/google/btree"
)

// reclaimedTreeDegree is the branching factor of the reclaimed frame set.
const reclaimedTreeDegree = 8

var (
	// ErrOutOfMemory is returned by AllocFrame once every available frame
	// has been handed out.
	ErrOutOfMemory = &kernel.Error{Module: "area_frame_alloc", Message: "out of memory"}

	errFrameNotAllocated = &kernel.Error{Module: "area_frame_alloc", Message: "frame was not allocated by this allocator"}
	errDoubleFree        = &kernel.Error{Module: "area_frame_alloc", Message: "frame has already been freed"}
)

// frameRange is an inclusive range of frames. A range whose end precedes its
// start is empty.
type frameRange struct {
	start, end mm.Frame
}

func (r frameRange) contains(frame mm.Frame) bool {
	return frame >= r.start && frame <= r.end
}

func (r frameRange) len() uint64 {
	if r.end < r.start {
		return 0
	}

	return uint64(r.end-r.start) + 1
}

// coveringRange returns the frames that overlap the physical range
// [startAddr, endAddr).
func coveringRange(startAddr, endAddr uintptr) frameRange {
	if endAddr <= startAddr {
		return frameRange{start: 1, end: 0}
	}

	return frameRange{
		start: mm.FrameFromAddress(startAddr),
		end:   mm.FrameFromAddress(mm.AlignUp(endAddr, mm.PageSize)) - 1,
	}
}

// frameLess orders the reclaimed frame set.
func frameLess(a, b mm.Frame) bool { return a < b }

// AreaFrameAllocator hands out the frames of the available memory regions
// reported by the boot loader in ascending order, skipping the frames
// occupied by the kernel image and the boot information blob.
//
// Frames returned through FreeFrame are kept in an ordered set and handed out
// again, lowest first, before the allocator's cursor advances.
type AreaFrameAllocator struct {
	// areas holds the available regions in ascending order; areaIndex
	// points to the area that contains nextFree.
	areas     []frameRange
	areaIndex int
	nextFree  mm.Frame

	kernelStartAddr, kernelEndAddr     uintptr
	bootInfoStartAddr, bootInfoEndAddr uintptr
	kernelFrames, bootInfoFrames       frameRange

	reclaimed *btree.BTreeG[mm.Frame]

	// allocCount tracks the number of frames currently handed out.
	allocCount uint64
}

// NewAreaFrameAllocator returns an allocator for the available regions in
// info's memory map. The physical ranges [kernelStart, kernelEnd) and
// [bootInfoStart, bootInfoEnd) are never handed out.
func NewAreaFrameAllocator(kernelStart, kernelEnd, bootInfoStart, bootInfoEnd uintptr, info *multiboot.Info) *AreaFrameAllocator {
	alloc := &AreaFrameAllocator{
		kernelStartAddr:   kernelStart,
		kernelEndAddr:     kernelEnd,
		bootInfoStartAddr: bootInfoStart,
		bootInfoEndAddr:   bootInfoEnd,
		kernelFrames:      coveringRange(kernelStart, kernelEnd),
		bootInfoFrames:    coveringRange(bootInfoStart, bootInfoEnd),
		reclaimed:         btree.NewG(reclaimedTreeDegree, frameLess),
	}

	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		// Ignore reserved regions and regions smaller than a single page
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		area := frameRange{
			start: mm.FrameFromAddress(mm.AlignUp(uintptr(region.PhysAddress), mm.PageSize)),
			end:   mm.FrameFromAddress(uintptr(region.PhysAddress+region.Length)) - 1,
		}
		if area.end >= area.start {
			alloc.areas = append(alloc.areas, area)
		}
		return true
	})

	if len(alloc.areas) != 0 {
		alloc.nextFree = alloc.areas[0].start
	}

	return alloc
}

// AllocFrame reserves the lowest reclaimed frame if there is one, or else the
// next frame under the allocator's cursor. It returns ErrOutOfMemory once all
// areas are exhausted.
func (alloc *AreaFrameAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if frame, ok := alloc.reclaimed.DeleteMin(); ok {
		alloc.allocCount++
		return frame, nil
	}

	for alloc.areaIndex < len(alloc.areas) {
		area := alloc.areas[alloc.areaIndex]
		frame := alloc.nextFree

		switch {
		case frame < area.start:
			alloc.nextFree = area.start
		case frame > area.end:
			alloc.areaIndex++
		case alloc.kernelFrames.contains(frame):
			alloc.nextFree = alloc.kernelFrames.end + 1
		case alloc.bootInfoFrames.contains(frame):
			alloc.nextFree = alloc.bootInfoFrames.end + 1
		default:
			alloc.nextFree++
			alloc.allocCount++
			return frame, nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame returns a frame previously obtained through AllocFrame to the
// allocator.
func (alloc *AreaFrameAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if !alloc.handedOut(frame) {
		return errFrameNotAllocated
	}

	if _, found := alloc.reclaimed.ReplaceOrInsert(frame); found {
		return errDoubleFree
	}

	alloc.allocCount--
	return nil
}

// handedOut returns true if frame lies behind the allocator's cursor inside
// an available area and outside the excluded ranges.
func (alloc *AreaFrameAllocator) handedOut(frame mm.Frame) bool {
	if frame >= alloc.nextFree || alloc.kernelFrames.contains(frame) || alloc.bootInfoFrames.contains(frame) {
		return false
	}

	for _, area := range alloc.areas {
		if area.contains(frame) {
			return true
		}
	}

	return false
}

// AllocatedFrames returns the number of frames currently handed out.
func (alloc *AreaFrameAllocator) AllocatedFrames() uint64 {
	return alloc.allocCount
}

// ReclaimedFrames returns the number of freed frames waiting to be reused.
func (alloc *AreaFrameAllocator) ReclaimedFrames() int {
	return alloc.reclaimed.Len()
}

// PrintMemoryMap prints out the system's memory map together with the
// kernel and boot information extents.
func (alloc *AreaFrameAllocator) PrintMemoryMap(info *multiboot.Info) {
	kfmt.Printf("[area_frame_alloc] system memory map:\n")
	var totalFree mm.Size
	info.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[area_frame_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[area_frame_alloc] kernel loaded at 0x%x - 0x%x, reserved frames: %d\n",
		alloc.kernelStartAddr, alloc.kernelEndAddr, alloc.kernelFrames.len(),
	)
	kfmt.Printf("[area_frame_alloc] boot info at 0x%x - 0x%x, reserved frames: %d\n",
		alloc.bootInfoStartAddr, alloc.bootInfoEndAddr, alloc.bootInfoFrames.len(),
	)
}
