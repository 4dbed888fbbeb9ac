package kfmt

import "io"

// ringBufferSize defines the number of bytes retained by the early print
// buffer. It is large enough to hold the trace of a full boot sequence.
const ringBufferSize = 4096

// ringBuffer retains the most recent ringBufferSize bytes written to it.
// Older bytes are silently overwritten.
type ringBuffer struct {
	buffer      [ringBufferSize]byte
	start, size int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.size)%ringBufferSize] = b
		if rb.size < ringBufferSize {
			rb.size++
			continue
		}
		rb.start = (rb.start + 1) % ringBufferSize
	}

	return len(p), nil
}

// Read reads up to len(p) of the buffered bytes into p, oldest first. It
// returns io.EOF once the buffer is drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.size == 0 {
		return 0, io.EOF
	}

	n := 0
	for ; n < len(p) && rb.size > 0; n++ {
		p[n] = rb.buffer[rb.start]
		rb.start = (rb.start + 1) % ringBufferSize
		rb.size--
	}

	return n, nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return rb.size
}
