// Package genbuf implements the streaming generation buffer: an
// append-only byte buffer fed by one producer (the LLM Client's
// background worker) and drained by any number of concurrent readers
// through blocking, positional reads.
package genbuf

import (
	"context"
	"sync"
	"time"
)

// pollInterval bounds how long a blocked Read waits before
// re-checking buffer state. It keeps a reader responsive to producer
// progress without a missed wakeup ever causing an indefinite stall.
const pollInterval = 100 * time.Millisecond

// Buffer is the streaming generation buffer described by the data
// model: bytes plus the two terminal flags complete and errored.
// Once either flag is set no more bytes are appended.
//
// Buffer is safe for concurrent use: many readers, one writer.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	complete bool
	errored  bool
	errMsg   string

	// changed is closed and replaced on every mutation, giving readers
	// a channel to select on instead of a sync.Cond (which has no
	// timed wait). This is the rotating-closed-channel broadcast
	// idiom: closing the current channel wakes every waiter without
	// losing a wakeup, and installing a fresh channel lets the next
	// wait start clean.
	changed chan struct{}
}

// New returns an empty, open Buffer.
func New() *Buffer {
	return &Buffer{changed: make(chan struct{})}
}

// Append extends the buffer. It is a no-op once the buffer is
// terminal (complete or errored): the producer discipline is to stop
// calling Append after marking a terminal state, but a defensive
// no-op here means a producer bug can never corrupt a buffer a reader
// has already started trusting as final.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	if b.complete || b.errored {
		b.mu.Unlock()
		return
	}
	b.data = append(b.data, p...)
	b.broadcast()
	b.mu.Unlock()
}

// MarkComplete transitions the buffer to the complete terminal state.
// Calling it more than once, or after MarkError, has no effect.
func (b *Buffer) MarkComplete() {
	b.mu.Lock()
	if !b.complete && !b.errored {
		b.complete = true
		b.broadcast()
	}
	b.mu.Unlock()
}

// MarkError transitions the buffer to the errored terminal state.
// An errored buffer is also complete: no more bytes will ever arrive.
func (b *Buffer) MarkError(msg string) {
	b.mu.Lock()
	if !b.errored {
		b.errored = true
		b.complete = true
		b.errMsg = msg
		b.broadcast()
	}
	b.mu.Unlock()
}

// broadcast wakes every Read currently blocked in this Buffer. Must
// be called with mu held.
func (b *Buffer) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Read returns up to max bytes starting at offset. It blocks while
// offset is at or past the current length and the buffer is not yet
// complete, waking within one pollInterval of any producer
// progress. It returns a nil slice once offset has reached the end
// of a complete buffer (EOF). An errored buffer counts as complete: a
// reader at its end gets EOF rather than an error, while bytes
// appended before the error are still returned to reads below the end.
//
// Read returns ctx.Err() if ctx is cancelled while waiting.
func (b *Buffer) Read(ctx context.Context, offset int64, max int) ([]byte, error) {
	for {
		b.mu.Lock()
		n := int64(len(b.data))
		if offset < n || b.complete {
			if offset >= n {
				b.mu.Unlock()
				return nil, nil
			}
			end := offset + int64(max)
			if end > n {
				end = n
			}
			out := make([]byte, end-offset)
			copy(out, b.data[offset:end])
			b.mu.Unlock()
			return out, nil
		}
		wait := b.changed
		b.mu.Unlock()

		select {
		case <-wait:
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// IsComplete reports whether the buffer has reached a terminal state.
func (b *Buffer) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

// HasError reports whether the buffer ended in the errored state.
func (b *Buffer) HasError() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errored
}

// ErrorMessage returns the message passed to MarkError, or "" if the
// buffer never errored.
func (b *Buffer) ErrorMessage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errMsg
}

// TotalSize returns the number of bytes currently in the buffer. It
// only reaches its final value once IsComplete is true.
func (b *Buffer) TotalSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

// Bytes returns a copy of every byte currently in the buffer. Callers
// that want the full, final content should check IsComplete first.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
