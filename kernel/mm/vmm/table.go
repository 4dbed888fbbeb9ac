package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
)

var (
	errNoNextLevel       = &kernel.Error{Module: "vmm", Message: "leaf tables have no next level"}
	errEntryOutOfRange   = &kernel.Error{Module: "vmm", Message: "page table index out of range"}
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Level identifies the position of a table in the paging hierarchy.
type Level uint8

// The paging levels of the amd64 architecture.
const (
	Level1 Level = iota + 1
	Level2
	Level3
	Level4
)

// String implements fmt.Stringer for Level.
func (l Level) String() string {
	switch l {
	case Level1, Level2, Level3, Level4:
		return string([]byte{'P', byte('0' + l)})
	default:
		return "P?"
	}
}

// Table is a view of a page table reached through its virtual address. Every
// access goes through the CPU's MMU, so the address may be a recursive
// mapping address or a temporary mapping.
type Table struct {
	cpu   *cpu.CPU
	addr  uintptr
	level Level
}

// Level returns the level of the table.
func (t Table) Level() Level { return t.level }

// Address returns the virtual address the table is accessed through.
func (t Table) Address() uintptr { return t.addr }

func (t Table) entryAddr(index uint) uintptr {
	if index >= mm.EntriesPerTable {
		panic(errEntryOutOfRange)
	}

	return t.addr + uintptr(index)<<entryShift
}

// Get returns the entry at index.
func (t Table) Get(index uint) PageTableEntry {
	return PageTableEntry(t.cpu.Read64(t.entryAddr(index)))
}

// Set overwrites the entry at index.
func (t Table) Set(index uint, pte PageTableEntry) {
	t.cpu.Write64(t.entryAddr(index), uint64(pte))
}

// Zero clears all entries.
func (t Table) Zero() {
	t.cpu.Memset(t.addr, 0, mm.Size(mm.PageSize))
}

// NextTable returns the table the entry at index points to. It returns false
// if the entry is not present or maps a huge page. Calling NextTable on a
// Level1 table panics.
//
// Thanks to the recursive P4 entry the next table is reachable by shifting
// the table's own address by one level and adding the index.
func (t Table) NextTable(index uint) (Table, bool) {
	if t.level == Level1 {
		panic(errNoNextLevel)
	}

	pte := t.Get(index)
	if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
		return Table{}, false
	}

	return Table{
		cpu:   t.cpu,
		addr:  (t.addr << pageLevelBits) | uintptr(index)<<mm.PageShift,
		level: t.level - 1,
	}, true
}

// NextTableCreate behaves like NextTable but allocates, links and clears a
// new table if the entry is not present. It panics if the entry maps a huge
// page.
func (t Table) NextTableCreate(index uint, alloc mm.FrameAllocator) (Table, *kernel.Error) {
	if next, ok := t.NextTable(index); ok {
		return next, nil
	}

	if t.Get(index).HasFlags(FlagHugePage) {
		panic(errNoHugePageSupport)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		return Table{}, err
	}

	t.Set(index, newEntry(frame, FlagPresent|FlagRW))

	next, _ := t.NextTable(index)
	next.Zero()
	return next, nil
}
