package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. The ring buffer size must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer models a ring buffer of size ringBufferSize. This buffer is used
// for capturing the output of Printf before an output sink is attached. When
// the buffer fills up, the oldest bytes are overwritten.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Len returns the number of unread bytes in the buffer.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer is drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	// Read up to the write index or the end of the backing array,
	// whichever comes first; the next call picks up the wrapped part.
	end := rb.wIndex
	if rb.rIndex > rb.wIndex {
		end = len(rb.buffer)
	}

	n := copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
