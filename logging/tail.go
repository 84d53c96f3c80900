package logging

import (
	"sync"
)

// DefaultTailBytes is the amount of output kept in memory per capture.
const DefaultTailBytes = 64 * 1024

// TailBuffer keeps only the last N bytes written to it so a representative
// snippet of a process's output can be reported without retaining all of it.
type TailBuffer struct {
	maxBytes int

	mu       sync.Mutex
	total    int64
	contents []byte
}

func NewTailBuffer(maxBytes int) *TailBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}
	return &TailBuffer{maxBytes: maxBytes}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	b.contents = append(b.contents, p...)
	if len(b.contents) > b.maxBytes {
		// Keep the most recent bytes
		b.contents = append(b.contents[:0], b.contents[len(b.contents)-b.maxBytes:]...)
	}
	return len(p), nil
}

func (b *TailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(b.contents))
	copy(cp, b.contents)
	return cp
}

// String returns the retained output, prefixed with a marker when earlier
// output was dropped.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if int64(len(b.contents)) < b.total {
		return "...[truncated]...\n" + string(b.contents)
	}
	return string(b.contents)
}

func (b *TailBuffer) TotalBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *TailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.contents)) < b.total
}
