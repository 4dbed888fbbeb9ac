package main

import (
	"context"
	"flag"
	"fmt"
	"gophermm/kernel/kmain"
	"gophermm/kernel/mm"
	"gophermm/kernel/mm/heap"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct{}

// Name implements subcommands.Command.
func (*bootCmd) Name() string { return "boot" }

// Synopsis implements subcommands.Command.
func (*bootCmd) Synopsis() string { return "boots the machine and reports the memory subsystem state" }

// Usage implements subcommands.Command.
func (*bootCmd) Usage() string { return "boot\n" }

// SetFlags implements subcommands.Command.
func (*bootCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.
func (*bootCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	e := args[0].(*env)
	defer haltOnPanic()

	m, err := e.boot()
	if err != nil {
		e.logger.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer m.Close()

	heapSize, heapFree := heap.Global().Stats()
	tlb := m.cpu.TLBStats()
	e.logger.WithFields(logrus.Fields{
		"cr3":              fmt.Sprintf("0x%x", m.cpu.ActivePDT()),
		"allocated_frames": m.mc.FrameAllocator().AllocatedFrames(),
		"stack_pages":      m.mc.StackPages(),
		"heap_size":        heapSize,
		"heap_free":        heapFree,
		"tlb_hits":         tlb.Hits,
		"tlb_misses":       tlb.Misses,
	}).Info("machine booted")

	return subcommands.ExitSuccess
}

// translateCmd implements subcommands.Command for the "translate" command.
type translateCmd struct{}

// Name implements subcommands.Command.
func (*translateCmd) Name() string { return "translate" }

// Synopsis implements subcommands.Command.
func (*translateCmd) Synopsis() string {
	return "translates virtual addresses using the kernel page table"
}

// Usage implements subcommands.Command.
func (*translateCmd) Usage() string { return "translate <addr> [<addr>...]\n" }

// SetFlags implements subcommands.Command.
func (*translateCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.
func (*translateCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	e := args[0].(*env)
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	addrs, err := parseAddresses(f.Args())
	if err != nil {
		e.logger.WithError(err).Error("translate failed")
		return subcommands.ExitUsageError
	}

	defer haltOnPanic()

	m, err := e.boot()
	if err != nil {
		e.logger.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer m.Close()

	printTranslations(os.Stdout, m, addrs)
	return subcommands.ExitSuccess
}

func parseAddresses(args []string) ([]uintptr, error) {
	addrs := make([]uintptr, 0, len(args))
	for _, arg := range args {
		addr, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid address %q", arg)
		}
		addrs = append(addrs, uintptr(addr))
	}

	return addrs, nil
}

func printTranslations(w io.Writer, m *machine, addrs []uintptr) {
	for _, addr := range addrs {
		if !mm.IsCanonical(addr) {
			fmt.Fprintf(w, "0x%016x -> non-canonical\n", addr)
			continue
		}

		physAddr, err := m.mc.ActiveTable().Translate(addr)
		if err != nil {
			fmt.Fprintf(w, "0x%016x -> %s\n", addr, err.Message)
			continue
		}
		fmt.Fprintf(w, "0x%016x -> 0x%x\n", addr, physAddr)
	}
}

// stackCmd implements subcommands.Command for the "stack" command.
type stackCmd struct {
	pages uint64
	count int
}

// Name implements subcommands.Command.
func (*stackCmd) Name() string { return "stack" }

// Synopsis implements subcommands.Command.
func (*stackCmd) Synopsis() string { return "allocates guarded kernel stacks" }

// Usage implements subcommands.Command.
func (*stackCmd) Usage() string { return "stack [-pages N] [-count N]\n" }

// SetFlags implements subcommands.Command.
func (s *stackCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&s.pages, "pages", 1, "size of each stack in pages.")
	f.IntVar(&s.count, "count", 1, "number of stacks to allocate.")
}

// Execute implements subcommands.Command.
func (s *stackCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	e := args[0].(*env)
	defer haltOnPanic()

	m, err := e.boot()
	if err != nil {
		e.logger.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer m.Close()

	for i := 0; i < s.count; i++ {
		stack, kerr := m.mc.AllocStack(s.pages)
		if kerr != nil {
			e.logger.WithError(kerr).WithField("stack", i).Error("stack allocation failed")
			return subcommands.ExitFailure
		}

		// touch both ends so that a bad mapping faults here
		m.cpu.Write64(stack.Bottom(), 0)
		m.cpu.Write64(stack.Top()-8, 0)

		fmt.Printf("stack %d: [0x%x, 0x%x)\n", i, stack.Bottom(), stack.Top())
	}

	e.logger.WithField("remaining_pages", m.mc.StackPages()).Info("stacks allocated")
	return subcommands.ExitSuccess
}

// heapCmd implements subcommands.Command for the "heap" command.
type heapCmd struct {
	sizes string
	align uint64
}

// Name implements subcommands.Command.
func (*heapCmd) Name() string { return "heap" }

// Synopsis implements subcommands.Command.
func (*heapCmd) Synopsis() string { return "exercises the kernel heap" }

// Usage implements subcommands.Command.
func (*heapCmd) Usage() string { return "heap [-sizes 16,100,4096] [-align 8]\n" }

// SetFlags implements subcommands.Command.
func (h *heapCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&h.sizes, "sizes", "16,100,4096", "comma-separated allocation sizes in bytes.")
	f.Uint64Var(&h.align, "align", 8, "alignment of each allocation.")
}

// Execute implements subcommands.Command.
func (h *heapCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	e := args[0].(*env)

	sizes, err := parseSizes(h.sizes)
	if err != nil {
		e.logger.WithError(err).Error("heap failed")
		return subcommands.ExitUsageError
	}

	defer haltOnPanic()

	m, err := e.boot()
	if err != nil {
		e.logger.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer m.Close()

	_, freeBefore := heap.Global().Stats()

	var ptrs []uintptr
	for _, size := range sizes {
		ptr, kerr := heap.Alloc(size, uintptr(h.align))
		if kerr != nil {
			e.logger.WithError(kerr).WithField("size", size).Error("allocation failed")
			break
		}

		m.cpu.Memset(ptr, 0xaa, mm.Size(size))
		ptrs = append(ptrs, ptr)
		fmt.Printf("alloc %d bytes: 0x%x\n", size, ptr)
	}

	_, freeAllocated := heap.Global().Stats()
	checksum := m.cpu.Checksum(kmain.HeapStart, mm.Size(kmain.HeapSize))

	for i, ptr := range ptrs {
		heap.Free(ptr, sizes[i], uintptr(h.align))
	}

	_, freeAfter := heap.Global().Stats()
	e.logger.WithFields(logrus.Fields{
		"free_before":    freeBefore,
		"free_allocated": freeAllocated,
		"free_after":     freeAfter,
		"checksum":       fmt.Sprintf("%016x", checksum),
	}).Info("heap exercised")

	if freeAfter != freeBefore {
		e.logger.Error("heap did not return to its initial state")
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

func parseSizes(list string) ([]uintptr, error) {
	var sizes []uintptr
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		size, err := strconv.ParseUint(field, 0, 64)
		if err != nil || size == 0 {
			return nil, errors.Errorf("invalid allocation size %q", field)
		}
		sizes = append(sizes, uintptr(size))
	}

	if len(sizes) == 0 {
		return nil, errors.New("no allocation sizes")
	}

	return sizes, nil
}

// screenCmd implements subcommands.Command for the "screen" command.
type screenCmd struct{}

// Name implements subcommands.Command.
func (*screenCmd) Name() string { return "screen" }

// Synopsis implements subcommands.Command.
func (*screenCmd) Synopsis() string { return "boots the machine and dumps the VGA text buffer" }

// Usage implements subcommands.Command.
func (*screenCmd) Usage() string { return "screen\n" }

// SetFlags implements subcommands.Command.
func (*screenCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.
func (*screenCmd) Execute(_ context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	e := args[0].(*env)
	defer haltOnPanic()

	m, err := e.boot()
	if err != nil {
		e.logger.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer m.Close()

	if err := printScreen(os.Stdout, m); err != nil {
		e.logger.WithError(err).Error("screen failed")
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

// printScreen writes the text buffer contents up to the last non-blank row.
func printScreen(w io.Writer, m *machine) error {
	if m.vt == nil {
		return errors.New("machine has no memory behind the VGA text buffer")
	}

	lines := m.vt.Lines()
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return errors.Wrap(err, "unable to write screen contents")
		}
	}

	return nil
}
