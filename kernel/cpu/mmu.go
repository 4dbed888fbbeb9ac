package cpu

import (
	"fmt"
	"gophermm/kernel"
	"gophermm/kernel/mm"

	"github.com/cespare/xxhash/v2"
)

// Page table entry bits interpreted by the page walker.
const (
	ptePresent  = uint64(1 << 0)
	pteWritable = uint64(1 << 1)
	pteHugePage = uint64(1 << 7)
	ptePhysMask = uint64(0x000ffffffffff000)
	pageLevels  = 4
	indexBits   = 9
	indexMask   = uintptr(1<<indexBits - 1)
	entrySize   = 8
)

var (
	errNotPresent   = &kernel.Error{Module: "mmu", Message: "page not present"}
	errWriteDenied  = &kernel.Error{Module: "mmu", Message: "write to read-only page"}
	errNonCanonical = &kernel.Error{Module: "mmu", Message: "non-canonical address"}
	errBadHugePage  = &kernel.Error{Module: "mmu", Message: "huge page bit set in level 4 entry"}
)

// PageFault describes a failed translation. Accesses through Read64, Write64,
// Memset and Checksum panic with a *PageFault.
type PageFault struct {
	Address uintptr
	Write   bool
	Err     *kernel.Error
}

// Error implements the error interface.
func (f *PageFault) Error() string {
	access := "read"
	if f.Write {
		access = "write"
	}

	return fmt.Sprintf("page fault: %s at 0x%x: %s", access, f.Address, f.Err.Message)
}

// Translate returns the physical address virtAddr maps to under the active
// page table. Successful translations are cached in the TLB and served from
// there until flushed.
func (c *CPU) Translate(virtAddr uintptr, write bool) (uintptr, *kernel.Error) {
	if !mm.IsCanonical(virtAddr) {
		return 0, errNonCanonical
	}

	page := mm.PageFromAddress(virtAddr)
	offset := virtAddr & (mm.PageSize - 1)

	if entry, ok := c.tlb[page]; ok && (!write || entry.writable) {
		c.stats.Hits++
		return entry.frame.Address() | offset, nil
	}

	c.stats.Misses++
	entry, err := c.walk(virtAddr, write)
	if err != nil {
		return 0, err
	}

	c.tlb[page] = entry
	return entry.frame.Address() | offset, nil
}

// walk performs a four level page walk starting at CR3. Writes require the
// writable bit at every level.
func (c *CPU) walk(virtAddr uintptr, write bool) (tlbEntry, *kernel.Error) {
	var (
		tableAddr = c.cr3 &^ (mm.PageSize - 1)
		writable  = true
	)

	for level := pageLevels; level > 0; level-- {
		shift := mm.PageShift + uintptr(level-1)*indexBits
		index := (virtAddr >> shift) & indexMask
		pte := c.mem.Read64(tableAddr + index*entrySize)

		if pte&ptePresent == 0 {
			return tlbEntry{}, errNotPresent
		}

		writable = writable && pte&pteWritable != 0
		if write && !writable {
			return tlbEntry{}, errWriteDenied
		}

		entryAddr := uintptr(pte & ptePhysMask)
		switch {
		case level == 1:
			return tlbEntry{frame: mm.FrameFromAddress(entryAddr), writable: writable}, nil
		case pte&pteHugePage != 0 && level == pageLevels:
			return tlbEntry{}, errBadHugePage
		case pte&pteHugePage != 0:
			// 2M (level 2) or 1G (level 3) leaf
			hugeMask := uintptr(1)<<shift - 1
			physAddr := (entryAddr &^ hugeMask) | (virtAddr & hugeMask)
			return tlbEntry{frame: mm.FrameFromAddress(physAddr), writable: writable}, nil
		}

		tableAddr = entryAddr
	}

	return tlbEntry{}, errNotPresent
}

func (c *CPU) mustTranslate(virtAddr uintptr, write bool) uintptr {
	physAddr, err := c.Translate(virtAddr, write)
	if err != nil {
		panic(&PageFault{Address: virtAddr, Write: write, Err: err})
	}

	return physAddr
}

// Read64 loads the 64-bit word at virtAddr.
func (c *CPU) Read64(virtAddr uintptr) uint64 {
	return c.mem.Read64(c.mustTranslate(virtAddr, false))
}

// Write64 stores v at virtAddr.
func (c *CPU) Write64(virtAddr uintptr, v uint64) {
	c.mem.Write64(c.mustTranslate(virtAddr, true), v)
}

// Memset sets size bytes starting at virtAddr to value.
func (c *CPU) Memset(virtAddr uintptr, value byte, size mm.Size) {
	c.visitPages(virtAddr, uintptr(size), true, func(b []byte) {
		for i := range b {
			b[i] = value
		}
	})
}

// Checksum returns the xxhash digest of size bytes of virtual memory starting
// at virtAddr.
func (c *CPU) Checksum(virtAddr uintptr, size mm.Size) uint64 {
	digest := xxhash.New()
	c.visitPages(virtAddr, uintptr(size), false, func(b []byte) {
		digest.Write(b)
	})

	return digest.Sum64()
}

// visitPages translates [virtAddr, virtAddr+size) one page at a time and
// invokes fn with the physical bytes backing each piece.
func (c *CPU) visitPages(virtAddr, size uintptr, write bool, fn func([]byte)) {
	for size > 0 {
		chunk := mm.PageSize - virtAddr&(mm.PageSize-1)
		if chunk > size {
			chunk = size
		}

		fn(c.mem.Bytes(c.mustTranslate(virtAddr, write), chunk))
		virtAddr += chunk
		size -= chunk
	}
}
