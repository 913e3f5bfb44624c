// Package diag tracks in-flight filesystem operations so that a slow
// or stuck call — most often a read that is waiting on a generation
// buffer — can be diagnosed from the process logs instead of being a
// silent hang.
package diag

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Op represents a single in-flight filesystem operation.
type Op struct {
	ID      uint64
	Node    string // node type, e.g. "fileNode"
	Method  string // operation, e.g. "Read"
	Detail  string // free-form detail, typically the path
	Phase   string // current sub-step, e.g. "awaiting generation"
	Started time.Time
}

// OpHandle is a handle to an in-flight operation. Callers annotate
// sub-steps via SetPhase and signal completion via Done, typically
// with defer immediately after Track.
type OpHandle struct {
	tracker *Tracker
	id      uint64
}

// SetPhase updates the phase annotation for this in-flight operation.
func (h *OpHandle) SetPhase(phase string) {
	if h.tracker == nil {
		return
	}
	h.tracker.mu.Lock()
	if op, ok := h.tracker.ops[h.id]; ok {
		op.Phase = phase
		h.tracker.ops[h.id] = op
	}
	h.tracker.mu.Unlock()
}

// Done marks the operation complete and removes it from the tracker.
func (h *OpHandle) Done() {
	if h.tracker == nil {
		return
	}
	h.tracker.mu.Lock()
	delete(h.tracker.ops, h.id)
	h.tracker.mu.Unlock()
}

// Tracker records in-flight filesystem operations. Safe for
// concurrent use.
type Tracker struct {
	nextID atomic.Uint64
	mu     sync.Mutex
	ops    map[uint64]Op
}

// NewTracker creates a new operation tracker.
func NewTracker() *Tracker {
	return &Tracker{ops: make(map[uint64]Op)}
}

// Track records the start of an operation and returns a handle whose
// Done method must be called when the operation completes.
func (t *Tracker) Track(node, method, detail string) *OpHandle {
	id := t.nextID.Add(1)
	t.mu.Lock()
	t.ops[id] = Op{ID: id, Node: node, Method: method, Detail: detail, Started: time.Now()}
	t.mu.Unlock()
	return &OpHandle{tracker: t, id: id}
}

// InFlight returns a snapshot of all in-flight operations, sorted by
// start time.
func (t *Tracker) InFlight() []Op {
	t.mu.Lock()
	ops := make([]Op, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.mu.Unlock()
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Started.Equal(ops[j].Started) {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].Started.Before(ops[j].Started)
	})
	return ops
}

// Dump returns a human-readable multi-line summary of in-flight
// operations, suitable for a slog attribute or a SIGQUIT-triggered
// diagnostic log line.
func (t *Tracker) Dump() string {
	ops := t.InFlight()
	if len(ops) == 0 {
		return "no in-flight operations\n"
	}
	now := time.Now()
	var b strings.Builder
	fmt.Fprintf(&b, "%d in-flight operation(s):\n", len(ops))
	for _, op := range ops {
		elapsed := now.Sub(op.Started).Truncate(time.Millisecond)
		fmt.Fprintf(&b, "  [%d] %s.%s", op.ID, op.Node, op.Method)
		if op.Detail != "" {
			fmt.Fprintf(&b, " %s", op.Detail)
		}
		if op.Phase != "" {
			fmt.Fprintf(&b, " [%s]", op.Phase)
		}
		fmt.Fprintf(&b, " (%s)\n", elapsed)
	}
	return b.String()
}

// Track is a nil-safe package-level helper: if t is nil it returns a
// no-op handle, so callers never need a nil check before deferring
// Done.
func Track(t *Tracker, node, method, detail string) *OpHandle {
	if t == nil {
		return &OpHandle{}
	}
	return t.Track(node, method, detail)
}
