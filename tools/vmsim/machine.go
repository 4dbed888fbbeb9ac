package main

import (
	"bytes"
	"gophermm/kernel/cpu"
	"gophermm/kernel/driver/tty"
	"gophermm/kernel/driver/video/console"
	"gophermm/kernel/kfmt"
	"gophermm/kernel/kmain"
	"gophermm/kernel/mm"
	"gophermm/kernel/rt0"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// vgaBufferSize is the size of the 80x25 text buffer in bytes.
const vgaBufferSize = 80 * 25 * 2

// env is passed to every command.
type env struct {
	cfg    *Config
	logger *logrus.Logger
	raw    bool
}

type machine struct {
	cpu *cpu.CPU
	mc  *kmain.MemoryController
	mem *cpu.PhysicalMemory

	// vt renders kernel output into the VGA text buffer. It is nil when
	// the machine has no memory behind the buffer.
	vt *tty.Vt
}

// boot creates the machine described by the config, runs the boot loader
// stage and hands control to the kernel. Kernel output is routed to the
// logger unless raw output was requested.
func (e *env) boot() (*machine, error) {
	info, err := e.cfg.bootInfo()
	if err != nil {
		return nil, errors.Wrap(err, "unable to build boot information")
	}

	mem, err := cpu.NewPhysicalMemory(mm.Size(e.cfg.MemorySize))
	if err != nil {
		return nil, errors.Wrap(err, "unable to reserve physical memory")
	}

	c := cpu.New(mem)
	rt0.Setup(c, uintptr(e.cfg.BootTables))

	// The boot tables identity map the text buffer, so the screen can
	// be attached before the kernel runs. Output printed so far is
	// replayed from the early buffer.
	m := &machine{cpu: c, mem: mem}
	sink := e.outputSink()
	if vgaEnd := console.FramebufferAddr + vgaBufferSize; uint64(vgaEnd) <= e.cfg.MemorySize {
		var cons console.Vga
		cons.Init(c, console.FramebufferAddr)
		m.vt = &tty.Vt{}
		m.vt.AttachTo(&cons)
		sink = io.MultiWriter(sink, m.vt)
	}
	kfmt.SetOutputSink(sink)

	m.mc = kmain.Kmain(c, info)
	return m, nil
}

func (e *env) outputSink() io.Writer {
	if e.raw {
		return &kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("kernel: ")}
	}

	return &logWriter{entry: e.logger.WithField("src", "kernel")}
}

// Close releases the machine's physical memory.
func (m *machine) Close() error {
	kfmt.SetOutputSink(nil)
	return m.mem.Close()
}

// haltOnPanic turns a kernel panic into the kernel's halt banner.
func haltOnPanic() {
	if r := recover(); r != nil {
		kfmt.Panic(r)
	}
}

// logWriter emits one log entry per line of kernel output. Lines are
// delivered synchronously so that nothing is lost when the process exits
// right after the kernel's last print.
type logWriter struct {
	entry   *logrus.Entry
	pending []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)

	for {
		idx := bytes.IndexByte(w.pending, '\n')
		if idx == -1 {
			return len(p), nil
		}

		if line := strings.TrimSpace(string(w.pending[:idx])); line != "" {
			w.entry.Info(line)
		}
		w.pending = w.pending[idx+1:]
	}
}
