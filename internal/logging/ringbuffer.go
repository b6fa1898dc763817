package logging

import (
	"os"
	"sync"
)

// ringDefaultSize holds roughly the last few minutes of debug-level signal
// traffic on a busy deck of panes.
const ringDefaultSize = 1 << 20

// RingBuffer keeps the most recent log bytes in memory so a SIGUSR1 dump
// can show what led up to a problem without running debug logging to disk
// all the time. io.Writer; old bytes are overwritten silently.
type RingBuffer struct {
	mu      sync.Mutex
	data    []byte
	w       int // next write offset
	wrapped bool
}

// NewRingBuffer creates a ring of the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = ringDefaultSize
	}
	return &RingBuffer{data: make([]byte, size)}
}

// Write implements io.Writer and never fails. A write larger than the ring
// keeps only its tail.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	if n >= len(rb.data) {
		copy(rb.data, p[n-len(rb.data):])
		rb.w = 0
		rb.wrapped = true
		return n, nil
	}

	if rb.w+n >= len(rb.data) {
		rb.wrapped = true
	}
	head := copy(rb.data[rb.w:], p)
	copy(rb.data, p[head:])
	rb.w = (rb.w + n) % len(rb.data)
	return n, nil
}

// Bytes returns the retained log bytes in write order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.wrapped {
		return append([]byte(nil), rb.data[:rb.w]...)
	}
	out := make([]byte, len(rb.data))
	m := copy(out, rb.data[rb.w:])
	copy(out[m:], rb.data[:rb.w])
	return out
}

// DumpToFile writes the retained bytes to path. Dumps can contain command
// lines and pane titles, so the file is owner-only.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
