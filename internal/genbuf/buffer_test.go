package genbuf

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAppendThenReadReturnsBytes(t *testing.T) {
	b := New()
	b.Append([]byte("hello"))
	b.MarkComplete()

	ctx := context.Background()
	got, err := b.Read(ctx, 0, 1024)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Read = %q, want %q", got, "hello")
	}
}

func TestReadBlocksUntilAppend(t *testing.T) {
	b := New()

	done := make(chan []byte, 1)
	go func() {
		got, err := b.Read(context.Background(), 0, 1024)
		if err != nil {
			t.Errorf("Read: %v", err)
		}
		done <- got
	}()

	select {
	case <-done:
		t.Fatalf("Read returned before any data was appended")
	case <-time.After(50 * time.Millisecond):
	}

	b.Append([]byte("world"))
	b.MarkComplete()

	select {
	case got := <-done:
		if string(got) != "world" {
			t.Errorf("Read = %q, want %q", got, "world")
		}
	case <-time.After(time.Second):
		t.Fatalf("Read did not wake up after Append")
	}
}

func TestReadAtOffsetReturnsTailBytes(t *testing.T) {
	b := New()
	b.Append([]byte("hello world"))
	b.MarkComplete()

	got, err := b.Read(context.Background(), 6, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "world" {
		t.Errorf("Read = %q, want %q", got, "world")
	}
}

func TestReadAtEOFReturnsNil(t *testing.T) {
	b := New()
	b.Append([]byte("hi"))
	b.MarkComplete()

	got, err := b.Read(context.Background(), 2, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Errorf("Read at EOF = %q, want nil", got)
	}

	// Reading past the end behaves the same way.
	got, err = b.Read(context.Background(), 100, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Errorf("Read past EOF = %q, want nil", got)
	}
}

func TestErroredBufferReadAtEndIsEOF(t *testing.T) {
	b := New()
	b.Append([]byte("partial"))
	b.MarkError("connection reset")

	if !b.HasError() {
		t.Fatalf("HasError = false after MarkError")
	}
	if !b.IsComplete() {
		t.Fatalf("IsComplete = false after MarkError")
	}
	if b.ErrorMessage() != "connection reset" {
		t.Errorf("ErrorMessage = %q, want %q", b.ErrorMessage(), "connection reset")
	}

	// Per the design, an errored stream persists nothing and a reader
	// at the end of the errored buffer observes plain EOF, not an
	// error return.
	got, err := b.Read(context.Background(), int64(len(b.Bytes())), 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != nil {
		t.Errorf("Read on errored buffer = %q, want nil", got)
	}
}

func TestAppendAfterTerminalIsNoOp(t *testing.T) {
	b := New()
	b.Append([]byte("hello"))
	b.MarkComplete()
	b.Append([]byte(" extra"))

	if b.TotalSize() != 5 {
		t.Errorf("TotalSize = %d, want 5 (append after MarkComplete must be ignored)", b.TotalSize())
	}
}

func TestConcurrentReadersSeeSamePrefix(t *testing.T) {
	b := New()

	const readers = 8
	var wg sync.WaitGroup
	results := make([][]byte, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := b.Read(context.Background(), 0, 1024)
			if err != nil {
				t.Errorf("Read: %v", err)
				return
			}
			results[i] = got
		}(i)
	}

	b.Append([]byte("shared"))
	b.MarkComplete()
	wg.Wait()

	for i, got := range results {
		if string(got) != "shared" {
			t.Errorf("reader %d got %q, want %q", i, got, "shared")
		}
	}
}

func TestReadRespectsContextCancellation(t *testing.T) {
	b := New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Read(ctx, 0, 1024)
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Errorf("Read returned nil error after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatalf("Read did not observe context cancellation")
	}
}
