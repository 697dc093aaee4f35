// Package logbuf implements the append-only, per-operation log used to stream
// wipe output to polling clients.
//
// Every appended line receives the next index. Readers pass the index they
// want to resume from and get back every retained entry at or after it, in
// order, together with the cursor for their next poll. The index is the only
// cursor contract: a client that repeats a poll gets the same entries again,
// and a client that advances its cursor never sees an entry twice.
package logbuf

import (
	"sync"
	"time"
)

// Entry is a single captured log line. Entries are immutable once appended.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Page is the result of a ReadFrom call.
type Page struct {
	Entries []Entry `json:"logs"`

	// NextIndex is the cursor to pass on the next poll.
	NextIndex int `json:"next_index"`

	// FirstIndex is the oldest index still retained.
	FirstIndex int `json:"first_index"`

	// Truncated is set when the requested index was already evicted.
	// Entries then start at FirstIndex rather than at the requested index.
	Truncated bool `json:"truncated"`
}

// Options bounds the retained history. The zero value keeps everything.
type Options struct {
	// MaxEntries caps the number of retained entries; 0 = unbounded.
	MaxEntries int

	// MinRetention is the minimum age an entry must reach before it may be
	// evicted, even when the buffer is over MaxEntries.
	MinRetention time.Duration
}

// Buffer is an append-only log with a monotonically increasing index.
// A Buffer is safe for one writer and any number of concurrent readers.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	first   int // index of entries[0]
	opts    Options
	now     func() time.Time
}

// New returns an empty Buffer.
func New(opts Options) *Buffer {
	return &Buffer{opts: opts, now: time.Now}
}

// Append adds message as the next entry and returns it.
func (b *Buffer) Append(message string) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := Entry{
		Index:     b.first + len(b.entries),
		Timestamp: b.now().UTC(),
		Message:   message,
	}
	b.entries = append(b.entries, e)
	b.evictLocked()
	return e
}

// evictLocked drops the oldest entries while over capacity, stopping at the
// first entry younger than MinRetention.
func (b *Buffer) evictLocked() {
	if b.opts.MaxEntries <= 0 || len(b.entries) <= b.opts.MaxEntries {
		return
	}
	cutoff := b.now().Add(-b.opts.MinRetention)
	drop := 0
	for len(b.entries)-drop > b.opts.MaxEntries {
		if b.entries[drop].Timestamp.After(cutoff) {
			break
		}
		drop++
	}
	if drop == 0 {
		return
	}
	kept := make([]Entry, len(b.entries)-drop)
	copy(kept, b.entries[drop:])
	b.entries = kept
	b.first += drop
}

// ReadFrom returns every retained entry with Index >= index.
// A negative index is treated as 0. ReadFrom never blocks on the writer
// beyond the copy of the requested range.
func (b *Buffer) ReadFrom(index int) Page {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if index < 0 {
		index = 0
	}
	next := b.first + len(b.entries)
	page := Page{NextIndex: next, FirstIndex: b.first}

	if index < b.first {
		page.Truncated = true
		index = b.first
	}
	if index >= next {
		page.Entries = []Entry{}
		return page
	}

	src := b.entries[index-b.first:]
	page.Entries = make([]Entry, len(src))
	copy(page.Entries, src)
	return page
}

// Len returns the total number of entries ever appended, evicted included.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.first + len(b.entries)
}

// Tail returns up to n of the most recent entries, oldest first.
func (b *Buffer) Tail(n int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]Entry, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

// All returns a copy of every retained entry.
func (b *Buffer) All() []Entry {
	return b.ReadFrom(0).Entries
}
