package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestLogWriter(t *testing.T) {
	logger, hook := test.NewNullLogger()
	w := &logWriter{entry: logger.WithField("src", "kernel")}

	for _, chunk := range []string{"[vmm] mapping ", "section .text\n\n  [rt0] done\n", "partial"} {
		if n, err := w.Write([]byte(chunk)); err != nil || n != len(chunk) {
			t.Fatalf("expected write of %d bytes; got %d, %v", len(chunk), n, err)
		}
	}

	var got []string
	for _, entry := range hook.AllEntries() {
		if entry.Level != logrus.InfoLevel || entry.Data["src"] != "kernel" {
			t.Errorf("unexpected entry %v", entry)
		}
		got = append(got, entry.Message)
	}

	if diff := cmp.Diff([]string{"[vmm] mapping section .text", "[rt0] done"}, got); diff != "" {
		t.Fatalf("unexpected log lines (-want +got):\n%s", diff)
	}

	if string(w.pending) != "partial" {
		t.Fatalf("expected incomplete line to be kept; got %q", w.pending)
	}
}

func TestParseArguments(t *testing.T) {
	addrs, err := parseAddresses([]string{"0xb8000", "4096", "0o10"})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uintptr{0xb8000, 4096, 8}, addrs); diff != "" {
		t.Fatalf("unexpected addresses (-want +got):\n%s", diff)
	}

	if _, err = parseAddresses([]string{"0xzz"}); err == nil || !strings.Contains(err.Error(), `invalid address "0xzz"`) {
		t.Fatalf("expected invalid address error; got %v", err)
	}

	sizes, err := parseSizes(" 16, 0x100,,4096 ")
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uintptr{16, 256, 4096}, sizes); diff != "" {
		t.Fatalf("unexpected sizes (-want +got):\n%s", diff)
	}

	for _, list := range []string{"", ",", "16,0", "16,abc"} {
		if _, err := parseSizes(list); err == nil {
			t.Errorf("expected error for size list %q", list)
		}
	}
}

// The kernel can only be booted once per process so this is the only test
// that does it.
func TestBootAndTranslate(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := &env{cfg: defaultConfig(), logger: logger}

	m, err := e.boot()
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	var buf bytes.Buffer
	printTranslations(&buf, m, []uintptr{0xb8000, 0x100123, 0x110000, 0xdead_0000_0000_0000})

	exp := strings.Join([]string{
		"0x00000000000b8000 -> 0xb8000",
		"0x0000000000100123 -> 0x100123",
		"0x0000000000110000 -> virtual address does not point to a mapped physical page",
		"0xdead000000000000 -> non-canonical",
		"",
	}, "\n")
	if diff := cmp.Diff(exp, buf.String()); diff != "" {
		t.Fatalf("unexpected translations (-want +got):\n%s", diff)
	}

	var sawBanner bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "It did not crash!" {
			sawBanner = true
		}
	}

	if !sawBanner {
		t.Fatal("expected kernel output to be routed to the logger")
	}

	buf.Reset()
	if err = printScreen(&buf, m); err != nil {
		t.Fatal(err)
	}

	screen := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if got := screen[len(screen)-1]; got != "It did not crash!" {
		t.Fatalf("expected the banner on the last screen row; got %q", got)
	}

	if len(screen) > 25 {
		t.Fatalf("expected at most 25 screen rows; got %d", len(screen))
	}
}

func TestPrintScreenWithoutVga(t *testing.T) {
	var buf bytes.Buffer
	if err := printScreen(&buf, &machine{}); err == nil {
		t.Fatal("expected an error for a machine without a text buffer")
	}
}
