package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/hal/multiboot"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
)

const (
	// tempPage is the page reserved for temporary mappings while the
	// kernel page table is being built.
	tempPage = mm.Page(0xcafebabe)

	// vgaTextBufferAddr is the physical address of the legacy VGA text
	// buffer which stays identity mapped.
	vgaTextBufferAddr = uintptr(0xb8000)
)

var errUnalignedSection = &kernel.Error{Module: "vmm", Message: "kernel ELF sections need to be page aligned"}

// RemapKernel builds a new page table that identity maps the kernel's ELF
// sections with the permissions they ask for, the VGA text buffer and the
// boot information blob. It then switches to the new table and unmaps the
// page that held the boot loader's P4 table so that it serves as a guard page
// below the kernel stack.
func RemapKernel(c *cpu.CPU, alloc mm.FrameAllocator, info *multiboot.Info) (*ActivePageTable, *kernel.Error) {
	tp, err := NewTemporaryPage(tempPage, alloc)
	if err != nil {
		return nil, err
	}

	active := NewActivePageTable(c)

	frame, err := alloc.AllocFrame()
	if err != nil {
		return nil, err
	}

	newTable, err := NewInactivePageTable(frame, active, tp)
	if err != nil {
		return nil, err
	}

	var mapErr *kernel.Error
	err = active.With(&newTable, tp, func(mapper *Mapper) {
		info.VisitElfSections(func(name string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
			if mapErr != nil || secFlags&multiboot.ElfSectionAllocated == 0 {
				return
			}

			if PageOffset(secAddress) != 0 {
				panic(errUnalignedSection)
			}

			kfmt.Printf("[vmm] mapping section %s at addr: 0x%x, size: 0x%x\n", name, secAddress, secSize)

			startFrame := mm.FrameFromAddress(secAddress)
			endFrame := mm.FrameFromAddress(secAddress + uintptr(secSize) - 1)
			mapErr = mapper.IdentityMapRange(startFrame, endFrame, sectionFlags(secFlags), alloc)
		})

		if mapErr == nil {
			mapErr = mapper.IdentityMap(mm.FrameFromAddress(vgaTextBufferAddr), FlagRW, alloc)
		}

		if mapErr == nil && info.EndAddr > info.StartAddr {
			mapErr = mapper.IdentityMapRange(
				mm.FrameFromAddress(info.StartAddr),
				mm.FrameFromAddress(info.EndAddr-1),
				FlagPresent, alloc,
			)
		}
	})

	switch {
	case err != nil:
		return nil, err
	case mapErr != nil:
		return nil, mapErr
	}

	oldTable := active.Switch(newTable)
	kfmt.Printf("[vmm] switched to the new page table\n")

	// turn the old p4 page into a guard page
	guardPage := mm.PageFromAddress(oldTable.p4Frame.Address())
	active.Unmap(guardPage)
	kfmt.Printf("[vmm] guard page at 0x%x\n", guardPage.Address())

	return active, nil
}

// sectionFlags returns the page table flags for an ELF section. Sections are
// non-executable unless marked otherwise.
func sectionFlags(secFlags multiboot.ElfSectionFlag) PageTableEntryFlag {
	var flags PageTableEntryFlag

	if secFlags&multiboot.ElfSectionAllocated != 0 {
		flags |= FlagPresent
	}

	if secFlags&multiboot.ElfSectionWritable != 0 {
		flags |= FlagRW
	}

	if secFlags&multiboot.ElfSectionExecutable == 0 {
		flags |= FlagNoExecute
	}

	return flags
}
