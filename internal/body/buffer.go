package body

import "sync"

// Buffer is an io.Writer that keeps at most max bytes and counts everything
// written to it. Write never fails, so it is safe to tee a live stream into.
type Buffer struct {
	mu    sync.Mutex
	max   int64
	buf   []byte
	total int64
	done  bool
}

func NewBuffer(max int64) *Buffer {
	if max < 0 {
		max = 0
	}
	return &Buffer{max: max}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(p))
	if room := b.max - int64(len(b.buf)); room > 0 {
		n := int64(len(p))
		if n > room {
			n = room
		}
		b.buf = append(b.buf, p[:n]...)
	}
	return len(p), nil
}

// Bytes returns a copy of the retained prefix.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}

func (b *Buffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// MarkDone records that the source stream reached EOF, so Total is final.
func (b *Buffer) MarkDone() {
	b.mu.Lock()
	b.done = true
	b.mu.Unlock()
}

func (b *Buffer) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}
