// Package scrollback holds the decoded text of a session for observers to
// render and replay.
package scrollback

import (
	"sync"
	"unicode/utf8"
)

// DefaultSize is the default maximum buffer size (1 MB).
const DefaultSize = 1024 * 1024

// Buffer is a thread-safe text buffer. When it grows past maxLen, older text
// is trimmed from the front on a rune boundary. Every change closes the
// channel returned by Changed, so any number of observers can wait on it.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	maxLen  int
	start   int64 // absolute offset of data[0]
	changed chan struct{}
}

// New creates a buffer holding at most maxLen bytes. If maxLen <= 0,
// DefaultSize is used.
func New(maxLen int) *Buffer {
	if maxLen <= 0 {
		maxLen = DefaultSize
	}
	return &Buffer{
		maxLen:  maxLen,
		changed: make(chan struct{}),
	}
}

// Append adds text and signals observers. Empty text is ignored.
func (b *Buffer) Append(text string) {
	if text == "" {
		return
	}
	b.mu.Lock()
	b.data = append(b.data, text...)
	if over := len(b.data) - b.maxLen; over > 0 {
		for over < len(b.data) && !utf8.RuneStart(b.data[over]) {
			over++
		}
		b.data = b.data[over:]
		b.start += int64(over)
	}
	b.signalLocked()
	b.mu.Unlock()
}

// Reset drops all text. Offsets keep increasing so readers holding an old
// offset resume at the new start.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.start += int64(len(b.data))
	b.data = nil
	b.signalLocked()
	b.mu.Unlock()
}

func (b *Buffer) signalLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Snapshot returns the current contents.
func (b *Buffer) Snapshot() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Offset returns the absolute offset just past the last byte written.
func (b *Buffer) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start + int64(len(b.data))
}

// ReadFrom returns the text written since offset and the offset to pass
// next time. Text trimmed away before it was read is skipped.
func (b *Buffer) ReadFrom(offset int64) (string, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := b.start + int64(len(b.data))
	if offset < b.start {
		offset = b.start
	}
	if offset >= end {
		return "", end
	}
	return string(b.data[offset-b.start:]), end
}

// Changed returns a channel that is closed on the next Append or Reset.
func (b *Buffer) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}
