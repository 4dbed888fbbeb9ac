// Package multiboot holds the boot information handed over by the boot
// loader: the physical memory map, the ELF sections of the loaded kernel
// image and the physical extent of the boot information blob itself. The
// values are already parsed; this package only exposes them through
// visitors.
package multiboot

import (
	"gophermm/kernel"
	"sort"
)

var (
	// ErrMissingMemoryMap is returned by Validate when the boot loader did
	// not provide a memory map.
	ErrMissingMemoryMap = &kernel.Error{Module: "multiboot", Message: "memory map tag required"}

	// ErrMissingElfSections is returned by Validate when the boot loader
	// did not provide the kernel's ELF sections.
	ErrMissingElfSections = &kernel.Error{Module: "multiboot", Message: "elf-sections tag required"}

	errInvalidInfoExtent = &kernel.Error{Module: "multiboot", Message: "boot info end address precedes its start address"}
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSection describes one section of the loaded kernel image.
type ElfSection struct {
	Name    string
	Flags   ElfSectionFlag
	Address uintptr
	Size    uint64
}

// ElfSectionVisitor defines a visitor function that gets invoked by
// VisitElfSections for each ELF section that belongs to the loaded kernel
// image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// Info is the boot information passed to the kernel.
type Info struct {
	// StartAddr and EndAddr delimit the physical range [StartAddr, EndAddr)
	// occupied by the boot information blob.
	StartAddr, EndAddr uintptr

	MemoryMap   []MemoryMapEntry
	ElfSections []ElfSection
}

// Validate checks that the fields the memory subsystem depends on are
// present.
func (i *Info) Validate() *kernel.Error {
	switch {
	case len(i.MemoryMap) == 0:
		return ErrMissingMemoryMap
	case len(i.ElfSections) == 0:
		return ErrMissingElfSections
	case i.EndAddr < i.StartAddr:
		return errInvalidInfoExtent
	}

	return nil
}

// VisitMemRegions invokes visitor for each memory region in ascending
// address order.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	regions := make([]MemoryMapEntry, len(i.MemoryMap))
	copy(regions, i.MemoryMap)
	sort.Slice(regions, func(a, b int) bool { return regions[a].PhysAddress < regions[b].PhysAddress })

	for index := range regions {
		entry := &regions[index]

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}
	}
}

// VisitElfSections invokes visitor for each non-empty ELF section that
// belongs to the loaded kernel image.
func (i *Info) VisitElfSections(visitor ElfSectionVisitor) {
	for _, section := range i.ElfSections {
		if section.Size == 0 {
			continue
		}

		visitor(section.Name, section.Flags, section.Address, section.Size)
	}
}

// KernelExtent returns the physical range [start, end) spanned by the
// allocated sections of the kernel image. It returns (0, 0) if the image has
// no allocated sections.
func (i *Info) KernelExtent() (start, end uintptr) {
	first := true
	i.VisitElfSections(func(_ string, flags ElfSectionFlag, address uintptr, size uint64) {
		if flags&ElfSectionAllocated == 0 {
			return
		}

		secEnd := address + uintptr(size)
		if first || address < start {
			start = address
		}
		if first || secEnd > end {
			end = secEnd
		}
		first = false
	})

	return start, end
}
