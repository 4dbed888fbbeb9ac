package vmm

import (
	"gophermm/kernel/mm"
	"testing"
)

func TestNewActivePageTable(t *testing.T) {
	t.Run("claimed once", func(t *testing.T) {
		m := newTestMachine(t)
		active := NewActivePageTable(m.cpu)

		if frame, err := active.SelfReference(); err != nil || frame != mm.FrameFromAddress(testBootTables) {
			t.Fatalf("expected self reference to resolve to frame 0x%x; got 0x%x, %v", mm.FrameFromAddress(testBootTables), frame, err)
		}

		expectPanic(t, errActivePageTableExists, func() { NewActivePageTable(m.cpu) })
	})

	t.Run("missing self reference", func(t *testing.T) {
		m := newTestMachine(t)
		m.cpu.Memory().Write64(testBootTables+recursiveSlot<<entryShift, 0)

		expectPanic(t, errMissingSelfReference, func() { NewActivePageTable(m.cpu) })
	})
}

func TestNewInactivePageTable(t *testing.T) {
	m := newTestMachine(t)
	active := NewActivePageTable(m.cpu)
	tp, _ := NewTemporaryPage(tempPage, m.alloc)

	frame, _ := m.alloc.AllocFrame()
	m.cpu.Memory().Write64(frame.Address()+0x10, 0xbad)

	inactive, err := NewInactivePageTable(frame, active, tp)
	if err != nil {
		t.Fatal(err)
	}

	if inactive.Frame() != frame {
		t.Fatalf("expected inactive table frame 0x%x; got 0x%x", frame, inactive.Frame())
	}

	mem := m.cpu.Memory()
	for i := uintptr(0); i < recursiveSlot; i++ {
		if got := mem.Read64(frame.Address() + i<<entryShift); got != 0 {
			t.Fatalf("expected entry %d to be cleared; got 0x%x", i, got)
		}
	}

	if exp, got := uint64(newEntry(frame, FlagPresent|FlagRW)), mem.Read64(frame.Address()+recursiveSlot<<entryShift); got != exp {
		t.Fatalf("expected recursive entry 0x%x; got 0x%x", exp, got)
	}

	if _, err := active.TranslatePage(tempPage); err != ErrInvalidMapping {
		t.Fatalf("expected temporary page to be released; got %v", err)
	}
}

func TestWithAndSwitch(t *testing.T) {
	m := newTestMachine(t)
	active := NewActivePageTable(m.cpu)
	tp, _ := NewTemporaryPage(tempPage, m.alloc)

	frame, _ := m.alloc.AllocFrame()
	inactive, err := NewInactivePageTable(frame, active, tp)
	if err != nil {
		t.Fatal(err)
	}

	m.cpu.EnableInterrupts()
	selfRef := active.p4().Get(recursiveSlot)

	var (
		page        = mm.PageFromAddress(0x4000_0000)
		mappedFrame mm.Frame
		called      bool
	)

	err = active.With(&inactive, tp, func(mapper *Mapper) {
		called = true

		if m.cpu.InterruptsEnabled() {
			t.Error("expected interrupts to be disabled inside With")
		}

		if ref, err := mapper.SelfReference(); err != nil || ref != inactive.Frame() {
			t.Errorf("expected recursive mapping to resolve to the inactive table; got 0x%x, %v", ref, err)
		}

		if err := mapper.IdentityMap(mm.FrameFromAddress(vgaTextBufferAddr), FlagRW, m.alloc); err != nil {
			t.Fatal(err)
		}

		if got, err := mapper.Translate(vgaTextBufferAddr + 0x10); err != nil || got != vgaTextBufferAddr+0x10 {
			t.Errorf("expected VGA buffer to be identity mapped; got 0x%x, %v", got, err)
		}

		mappedFrame, _ = m.alloc.AllocFrame()
		if err := mapper.MapTo(page, mappedFrame, FlagRW, m.alloc); err != nil {
			t.Fatal(err)
		}
	})

	if err != nil || !called {
		t.Fatalf("expected With to run the callback; called: %t, err: %v", called, err)
	}

	if got := active.p4().Get(recursiveSlot); got != selfRef {
		t.Fatalf("expected recursive entry 0x%x to be restored; got 0x%x", selfRef, got)
	}

	if !m.cpu.InterruptsEnabled() {
		t.Fatal("expected interrupt state to be restored")
	}

	if m.cpu.ActivePDT() != testBootTables {
		t.Fatalf("expected With to leave the active table loaded; got 0x%x", m.cpu.ActivePDT())
	}

	for _, checkPage := range []mm.Page{page, tempPage} {
		if _, err := active.TranslatePage(checkPage); err != ErrInvalidMapping {
			t.Fatalf("expected page 0x%x to be unmapped in the active table; got %v", checkPage.Address(), err)
		}
	}

	oldTable := active.Switch(inactive)
	if oldTable.Frame() != mm.FrameFromAddress(testBootTables) {
		t.Fatalf("expected Switch to return the boot table; got frame 0x%x", oldTable.Frame())
	}

	if !m.cpu.InterruptsEnabled() {
		t.Fatal("expected Switch to restore the interrupt state")
	}

	if got, err := active.TranslatePage(page); err != nil || got != mappedFrame {
		t.Fatalf("expected page to be mapped to 0x%x after the switch; got 0x%x, %v", mappedFrame, got, err)
	}

	m.cpu.Write64(page.Address(), 0xdead)
	if got := m.cpu.Memory().Read64(mappedFrame.Address()); got != 0xdead {
		t.Fatalf("expected write to reach frame 0x%x; got 0x%x", mappedFrame, got)
	}

	if back := active.Switch(oldTable); back.Frame() != inactive.Frame() || m.cpu.ActivePDT() != testBootTables {
		t.Fatalf("expected switching back to restore the boot table; got CR3 0x%x", m.cpu.ActivePDT())
	}
}

func TestWithMissingSelfReference(t *testing.T) {
	m := newTestMachine(t)
	active := NewActivePageTable(m.cpu)
	tp, _ := NewTemporaryPage(tempPage, m.alloc)

	frame, _ := m.alloc.AllocFrame()
	m.cpu.Memory().ZeroFrame(frame)
	bogus := InactivePageTable{p4Frame: frame}

	expectPanic(t, errMissingSelfReference, func() {
		active.With(&bogus, tp, func(*Mapper) {
			t.Fatal("callback should not run")
		})
	})

	if ref, err := active.SelfReference(); err != nil || ref != mm.FrameFromAddress(testBootTables) {
		t.Fatalf("expected recursive entry to be restored; got 0x%x, %v", ref, err)
	}

	if _, err := active.TranslatePage(tempPage); err != ErrInvalidMapping {
		t.Fatalf("expected temporary page to be released; got %v", err)
	}
}

func TestWithPanickingCallback(t *testing.T) {
	m := newTestMachine(t)
	active := NewActivePageTable(m.cpu)
	tp, _ := NewTemporaryPage(tempPage, m.alloc)

	frame, _ := m.alloc.AllocFrame()
	inactive, err := NewInactivePageTable(frame, active, tp)
	if err != nil {
		t.Fatal(err)
	}

	m.cpu.EnableInterrupts()
	selfRef := active.p4().Get(recursiveSlot)

	expectPanic(t, "callback failed", func() {
		active.With(&inactive, tp, func(*Mapper) {
			panic("callback failed")
		})
	})

	if got := active.p4().Get(recursiveSlot); got != selfRef {
		t.Fatalf("expected recursive entry 0x%x to be restored; got 0x%x", selfRef, got)
	}

	if ref, err := active.SelfReference(); err != nil || ref != mm.FrameFromAddress(m.cpu.ActivePDT()) {
		t.Fatalf("expected recursive mapping to resolve to the active table; got 0x%x, %v", ref, err)
	}

	if !m.cpu.InterruptsEnabled() {
		t.Fatal("expected interrupt state to be restored")
	}

	if _, err := active.TranslatePage(tempPage); err != ErrInvalidMapping {
		t.Fatalf("expected temporary page to be released; got %v", err)
	}

	// the table is still usable afterwards
	if err = active.With(&inactive, tp, func(*Mapper) {}); err != nil {
		t.Fatal(err)
	}
}
