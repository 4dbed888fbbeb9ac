package vmm

import (
	"gophermm/kernel"
	"gophermm/kernel/cpu"
	"gophermm/kernel/mm"
)

var (
	errActivePageTableExists = &kernel.Error{Module: "vmm", Message: "the active page table has already been claimed"}
	errMissingSelfReference  = &kernel.Error{Module: "vmm", Message: "page table is missing its recursive self-reference"}
)

// ActivePageTable is the page table currently loaded into the CPU. There is
// exactly one per CPU.
type ActivePageTable struct {
	Mapper
}

// NewActivePageTable returns the active page table of c. It panics if called
// more than once for the same CPU or if the loaded table does not map itself
// through its last entry.
func NewActivePageTable(c *cpu.CPU) *ActivePageTable {
	if !c.ClaimActivePDT() {
		panic(errActivePageTableExists)
	}

	active := &ActivePageTable{Mapper: Mapper{cpu: c}}
	if frame, err := active.SelfReference(); err != nil || frame != mm.FrameFromAddress(c.ActivePDT()) {
		panic(errMissingSelfReference)
	}

	return active
}

// With runs fn against the inactive table while the CPU keeps translating
// through the active one. The active P4's recursive entry is pointed at the
// inactive P4 for the duration of fn and restored afterwards through the
// temporary page. Interrupts are disabled for the whole sequence.
func (a *ActivePageTable) With(table *InactivePageTable, tp *TemporaryPage, fn func(*Mapper)) *kernel.Error {
	wasEnabled := a.cpu.DisableInterrupts()
	defer a.cpu.RestoreInterrupts(wasEnabled)

	backup := mm.FrameFromAddress(a.cpu.ActivePDT())
	p4Table, err := tp.MapTable(backup, a)
	if err != nil {
		return err
	}

	// overwrite recursive mapping; it is restored even if fn panics
	a.p4().Set(recursiveSlot, newEntry(table.p4Frame, FlagPresent|FlagRW))
	a.cpu.FlushTLB()
	defer a.restoreSelfReference(p4Table, backup, tp)

	if frame, err := a.SelfReference(); err != nil || frame != table.p4Frame {
		panic(errMissingSelfReference)
	}

	fn(&a.Mapper)
	return nil
}

// restoreSelfReference points the recursive entry of the P4 mapped at
// p4Table back to backup and releases the temporary page.
func (a *ActivePageTable) restoreSelfReference(p4Table Table, backup mm.Frame, tp *TemporaryPage) {
	p4Table.Set(recursiveSlot, newEntry(backup, FlagPresent|FlagRW))
	a.cpu.FlushTLB()
	tp.Unmap(a)
}

// Switch loads newTable into the CPU and returns the previously active table.
func (a *ActivePageTable) Switch(newTable InactivePageTable) InactivePageTable {
	wasEnabled := a.cpu.DisableInterrupts()
	defer a.cpu.RestoreInterrupts(wasEnabled)

	oldTable := InactivePageTable{p4Frame: mm.FrameFromAddress(a.cpu.ActivePDT())}
	a.cpu.SwitchPDT(newTable.p4Frame.Address())
	return oldTable
}

// InactivePageTable is a P4 table that is not loaded into the CPU.
type InactivePageTable struct {
	p4Frame mm.Frame
}

// NewInactivePageTable turns frame into an empty P4 table whose last entry
// points to itself. The frame is accessed through the temporary page.
func NewInactivePageTable(frame mm.Frame, active *ActivePageTable, tp *TemporaryPage) (InactivePageTable, *kernel.Error) {
	table, err := tp.MapTable(frame, active)
	if err != nil {
		return InactivePageTable{}, err
	}

	table.Zero()
	table.Set(recursiveSlot, newEntry(frame, FlagPresent|FlagRW))
	tp.Unmap(active)

	return InactivePageTable{p4Frame: frame}, nil
}

// Frame returns the frame holding the table's P4.
func (t InactivePageTable) Frame() mm.Frame {
	return t.p4Frame
}
