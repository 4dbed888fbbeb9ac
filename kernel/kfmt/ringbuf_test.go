package kfmt

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	expStr := "the big brown fox jumped over the lazy dog"

	t.Run("read/write", func(t *testing.T) {
		var rb ringBuffer
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := readByteByByte(&rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow keeps most recent bytes", func(t *testing.T) {
		var rb ringBuffer
		rb.Write([]byte(strings.Repeat("x", ringBufferSize-3)))
		rb.Write([]byte("abcdef"))

		if exp, got := ringBufferSize, rb.Len(); got != exp {
			t.Fatalf("expected buffer length to be capped at %d; got %d", exp, got)
		}

		var buf bytes.Buffer
		io.Copy(&buf, &rb)
		got := buf.String()
		if !strings.HasSuffix(got, "abcdef") || strings.Count(got, "x") != ringBufferSize-6 {
			t.Fatalf("unexpected buffer contents after overflow (len %d)", len(got))
		}
	})

	t.Run("read on empty buffer", func(t *testing.T) {
		var rb ringBuffer
		if _, err := rb.Read(make([]byte, 4)); err != io.EOF {
			t.Fatalf("expected io.EOF; got %v", err)
		}
	})
}

func readByteByByte(rb *ringBuffer) string {
	var (
		buf bytes.Buffer
		b   = make([]byte, 1)
	)
	for {
		_, err := rb.Read(b)
		if err == io.EOF {
			break
		}
		buf.Write(b)
	}

	return buf.String()
}
