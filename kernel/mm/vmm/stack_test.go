package vmm

import (
	"bytes"
	"fmt"
	"gophermm/kernel"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/mm"
	"strings"
	"testing"
)

func TestStackAllocator(t *testing.T) {
	m := newTestMachine(t)
	active := NewActivePageTable(m.cpu)

	start := mm.PageFromAddress(0x4000_0000)
	stackAlloc := NewStackAllocator(start, start+9)

	if got := stackAlloc.RemainingPages(); got != 10 {
		t.Fatalf("expected 10 free pages; got %d", got)
	}

	stack, err := stackAlloc.AllocStack(active, m.alloc, 3)
	if err != nil {
		t.Fatal(err)
	}

	if exp := (start + 1).Address(); stack.Bottom() != exp {
		t.Fatalf("expected stack bottom at 0x%x; got 0x%x", exp, stack.Bottom())
	}

	if exp := 3 * mm.PageSize; stack.Top()-stack.Bottom() != exp {
		t.Fatalf("expected stack size 0x%x; got 0x%x", exp, stack.Top()-stack.Bottom())
	}

	// the whole stack is writable
	for addr := stack.Bottom(); addr < stack.Top(); addr += mm.PageSize {
		m.cpu.Write64(addr, uint64(addr))
	}
	m.cpu.Write64(stack.Top()-8, 1)

	if _, err := active.TranslatePage(start); err != ErrInvalidMapping {
		t.Fatalf("expected guard page to be unmapped; got %v", err)
	}
	expectPageFault(t, func() { m.cpu.Write64(stack.Bottom()-8, 1) })

	if got := stackAlloc.RemainingPages(); got != 6 {
		t.Fatalf("expected 6 free pages; got %d", got)
	}

	// a request that exactly fills the range succeeds
	second, err := stackAlloc.AllocStack(active, m.alloc, 5)
	if err != nil {
		t.Fatal(err)
	}

	if exp := (start + 5).Address(); second.Bottom() != exp || second.Top() != (start+10).Address() {
		t.Fatalf("expected second stack at [0x%x, 0x%x); got [0x%x, 0x%x)", exp, (start + 10).Address(), second.Bottom(), second.Top())
	}

	if _, err = stackAlloc.AllocStack(active, m.alloc, 1); err != ErrStackRangeExhausted {
		t.Fatalf("expected ErrStackRangeExhausted; got %v", err)
	}

	if _, err = stackAlloc.AllocStack(active, m.alloc, 0); err != errInvalidStackSize {
		t.Fatalf("expected errInvalidStackSize; got %v", err)
	}
}

func TestStackAllocatorTooLarge(t *testing.T) {
	m := newTestMachine(t)
	active := NewActivePageTable(m.cpu)

	start := mm.PageFromAddress(0x4000_0000)
	stackAlloc := NewStackAllocator(start, start+2)

	// 3 stack pages need a fourth page for the guard
	if _, err := stackAlloc.AllocStack(active, m.alloc, 3); err != ErrStackRangeExhausted {
		t.Fatalf("expected ErrStackRangeExhausted; got %v", err)
	}

	if got := stackAlloc.RemainingPages(); got != 3 {
		t.Fatalf("expected range to be left untouched; got %d free pages", got)
	}
}

func TestStackAllocatorHugeRequest(t *testing.T) {
	m := newTestMachine(t)
	active := NewActivePageTable(m.cpu)

	start := mm.PageFromAddress(0x4000_0000)
	stackAlloc := NewStackAllocator(start, start+9)
	before := m.alloc.AllocatedFrames()

	specs := []uint64{^uint64(0), ^uint64(0) - 1, 10}
	for specIndex, size := range specs {
		if _, err := stackAlloc.AllocStack(active, m.alloc, size); err != ErrStackRangeExhausted {
			t.Errorf("[spec %d] expected ErrStackRangeExhausted for %d pages; got %v", specIndex, size, err)
		}
	}

	if got := stackAlloc.RemainingPages(); got != 10 {
		t.Fatalf("expected range to be left untouched; got %d free pages", got)
	}

	if got := m.alloc.AllocatedFrames(); got != before {
		t.Fatalf("expected no frames to be allocated; got %d", got-before)
	}
}

func TestStackAllocatorRollback(t *testing.T) {
	m := newTestMachine(t)
	active := NewActivePageTable(m.cpu)

	start := mm.PageFromAddress(0x4000_0000)
	stackAlloc := NewStackAllocator(start, start+9)

	// the first page needs a frame plus a P2 and a P1 table, the second
	// page a single frame; the third one fails
	alloc := &countingAllocator{inner: m.alloc, limit: 4}
	if _, err := stackAlloc.AllocStack(active, alloc, 3); err != errTestAllocLimit {
		t.Fatalf("expected errTestAllocLimit; got %v", err)
	}

	if got := len(alloc.frees); got != 2 {
		t.Fatalf("expected the 2 mapped frames to be released; got %d", got)
	}

	if got := m.alloc.ReclaimedFrames(); got != 2 {
		t.Fatalf("expected 2 reclaimed frames; got %d", got)
	}

	for page := start + 1; page <= start+2; page++ {
		if _, err := active.TranslatePage(page); err != ErrInvalidMapping {
			t.Fatalf("expected page 0x%x to be unmapped; got %v", page.Address(), err)
		}
	}

	if got := stackAlloc.RemainingPages(); got != 10 {
		t.Fatalf("expected range to be left untouched; got %d free pages", got)
	}

	stack, err := stackAlloc.AllocStack(active, m.alloc, 3)
	if err != nil {
		t.Fatal(err)
	}

	if exp := (start + 1).Address(); stack.Bottom() != exp {
		t.Fatalf("expected stack bottom at 0x%x; got 0x%x", exp, stack.Bottom())
	}

	frame, _ := active.TranslatePage(start + 1)
	if frame != alloc.frees[0] && frame != alloc.frees[1] {
		t.Fatalf("expected a released frame to be reused; got 0x%x", frame)
	}

	if got := m.alloc.ReclaimedFrames(); got != 0 {
		t.Fatalf("expected reclaimed frames to be consumed; got %d", got)
	}
}

func TestStackAllocatorRollbackReleasesLeafFrame(t *testing.T) {
	m := newTestMachine(t)
	active := NewActivePageTable(m.cpu)

	start := mm.PageFromAddress(0x4000_0000)
	stackAlloc := NewStackAllocator(start, start+9)
	before := m.alloc.AllocatedFrames()

	// the leaf frame and the P2 table succeed; the P1 table fails
	alloc := &countingAllocator{inner: m.alloc, limit: 2}
	if _, err := stackAlloc.AllocStack(active, alloc, 3); err != errTestAllocLimit {
		t.Fatalf("expected errTestAllocLimit; got %v", err)
	}

	if got := len(alloc.frees); got != 1 {
		t.Fatalf("expected the leaf frame to be released; got %d frees", got)
	}

	// only the P2 table stays allocated
	if got := m.alloc.AllocatedFrames() - before; got != 1 {
		t.Fatalf("expected 1 retained table frame; got %d", got)
	}

	if _, err := active.TranslatePage(start + 1); err != ErrInvalidMapping {
		t.Fatalf("expected page to be unmapped; got %v", err)
	}

	if got := stackAlloc.RemainingPages(); got != 10 {
		t.Fatalf("expected range to be left untouched; got %d free pages", got)
	}
}

var errTestFreeRefused = &kernel.Error{Module: "test", Message: "free refused"}

// refusingAllocator hands out frames but never takes them back.
type refusingAllocator struct {
	countingAllocator
}

func (a *refusingAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	a.frees = append(a.frees, frame)
	return errTestFreeRefused
}

func TestStackAllocatorRollbackFreeError(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	m := newTestMachine(t)
	active := NewActivePageTable(m.cpu)

	start := mm.PageFromAddress(0x4000_0000)
	stackAlloc := NewStackAllocator(start, start+9)

	alloc := &refusingAllocator{countingAllocator{inner: m.alloc, limit: 4}}
	if _, err := stackAlloc.AllocStack(active, alloc, 3); err != errTestAllocLimit {
		t.Fatalf("expected errTestAllocLimit; got %v", err)
	}

	if got := len(alloc.frees); got != 2 {
		t.Fatalf("expected 2 release attempts; got %d", got)
	}

	for _, page := range []mm.Page{start + 1, start + 2} {
		exp := fmt.Sprintf("[stack_alloc] unable to release frame for page 0x%x: free refused", page.Address())
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
		}

		if _, err := active.TranslatePage(page); err != ErrInvalidMapping {
			t.Errorf("expected page 0x%x to be unmapped; got %v", page.Address(), err)
		}
	}

	if got := stackAlloc.RemainingPages(); got != 10 {
		t.Fatalf("expected range to be left untouched; got %d free pages", got)
	}
}

func TestNewStack(t *testing.T) {
	expectPanic(t, errInvalidStack, func() { newStack(0x1000, 0x1000) })

	stack := newStack(0x3000, 0x1000)
	if stack.Top() != 0x3000 || stack.Bottom() != 0x1000 {
		t.Fatalf("unexpected stack bounds [0x%x, 0x%x)", stack.Bottom(), stack.Top())
	}
}
