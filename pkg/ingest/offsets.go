package ingest

import (
	"sync"
)

// OffsetTracker turns out-of-order completions into a commit position. The
// position is the lowest offset not yet done, so committing it never skips
// a message that is still in flight.
type OffsetTracker struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]struct{}
	commit  func(next uint64) error
	onError func(error)
}

// NewOffsetTracker starts at start. commit is called, outside the lock, each
// time the position advances.
func NewOffsetTracker(start uint64, commit func(uint64) error, onError func(error)) *OffsetTracker {
	return &OffsetTracker{next: start, pending: make(map[uint64]struct{}), commit: commit, onError: onError}
}

// Done marks offset handled (delivered, dropped or undecodable).
func (t *OffsetTracker) Done(offset uint64) {
	t.mu.Lock()
	if offset < t.next {
		t.mu.Unlock()
		return
	}
	t.pending[offset] = struct{}{}
	advanced := false
	for {
		if _, ok := t.pending[t.next]; !ok {
			break
		}
		delete(t.pending, t.next)
		t.next++
		advanced = true
	}
	next := t.next
	t.mu.Unlock()

	if advanced && t.commit != nil {
		if err := t.commit(next); err != nil && t.onError != nil {
			t.onError(err)
		}
	}
}

// Skip moves the position forward to at least start, forgetting anything
// below it. The journal reader calls it when retention removed entries.
func (t *OffsetTracker) Skip(start uint64) {
	t.mu.Lock()
	if start <= t.next {
		t.mu.Unlock()
		return
	}
	for off := range t.pending {
		if off < start {
			delete(t.pending, off)
		}
	}
	t.next = start
	for {
		if _, ok := t.pending[t.next]; !ok {
			break
		}
		delete(t.pending, t.next)
		t.next++
	}
	next := t.next
	t.mu.Unlock()
	if t.commit != nil {
		if err := t.commit(next); err != nil && t.onError != nil {
			t.onError(err)
		}
	}
}

// Position is the current commit position.
func (t *OffsetTracker) Position() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// Pending counts completions waiting on a gap.
func (t *OffsetTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
