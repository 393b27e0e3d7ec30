// Package chunk reassembles GELF chunked datagrams.
package chunk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"logpipe/pkg/errs"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
)

const (
	DefaultMaxChunks     = 128
	DefaultTimeout       = 5 * time.Second
	DefaultCheckInterval = time.Second
)

// Options configure a Reassembler. Zero values take the defaults.
type Options struct {
	MaxChunks     int
	Timeout       time.Duration
	CheckInterval time.Duration
	// Now is the clock; tests override it.
	Now func() time.Time
}

type group struct {
	count     int
	filled    int
	slots     [][]byte
	firstSeen time.Time
}

// Stats is a point-in-time copy of the reassembler counters.
type Stats struct {
	TotalChunks      uint64
	CompleteMessages uint64
	ExpiredMessages  uint64
	ExpiredChunks    uint64
	DuplicateChunks  uint64
	InvalidChunks    uint64
	WaitingMessages  int
}

// Reassembler groups chunks by message id until every sequence slot is
// present. It is safe for concurrent use by several UDP readers.
type Reassembler struct {
	opts Options

	mu     sync.Mutex
	groups map[string]*group

	totalChunks      atomic.Uint64
	completeMessages atomic.Uint64
	expiredMessages  atomic.Uint64
	expiredChunks    atomic.Uint64
	duplicateChunks  atomic.Uint64
	invalidChunks    atomic.Uint64
}

// New creates a Reassembler and registers its counters on reg (nil is allowed).
func New(opts Options, reg *metric.Registry) *Reassembler {
	if opts.MaxChunks <= 0 {
		opts.MaxChunks = DefaultMaxChunks
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Reassembler{opts: opts, groups: make(map[string]*group)}
	if reg != nil {
		load := func(v *atomic.Uint64) func() float64 {
			return func() float64 { return float64(v.Load()) }
		}
		reg.CounterFunc("chunk", "total_chunks", "Chunks received.", load(&r.totalChunks))
		reg.CounterFunc("chunk", "complete_messages", "Chunked messages reassembled.", load(&r.completeMessages))
		reg.CounterFunc("chunk", "expired_messages", "Incomplete chunked messages evicted.", load(&r.expiredMessages))
		reg.CounterFunc("chunk", "expired_chunks", "Chunks dropped with evicted messages.", load(&r.expiredChunks))
		reg.CounterFunc("chunk", "duplicate_chunks", "Chunks that overwrote an existing slot.", load(&r.duplicateChunks))
		reg.CounterFunc("chunk", "invalid_chunks", "Chunks rejected for a malformed header.", load(&r.invalidChunks))
		reg.GaugeFunc("chunk", "waiting_messages", "Chunk groups waiting for more chunks.", func() float64 {
			return float64(r.GroupCount())
		})
	}
	return r
}

// OnChunk adds one chunk. When it completes its group the reassembled
// payload is returned with complete=true. Malformed chunks return a protocol
// error and create no group. The fragment is copied, so callers may reuse b.
func (r *Reassembler) OnChunk(b []byte) ([]byte, bool, error) {
	h, err := ParseHeader(b, r.opts.MaxChunks)
	if err != nil {
		r.invalidChunks.Add(1)
		return nil, false, err
	}
	r.totalChunks.Add(1)

	frag := make([]byte, len(b)-HeaderSize)
	copy(frag, b[HeaderSize:])

	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[h.ID]
	if !ok {
		g = &group{count: h.Count, slots: make([][]byte, h.Count), firstSeen: r.opts.Now()}
		r.groups[h.ID] = g
	} else if g.count != h.Count {
		r.invalidChunks.Add(1)
		return nil, false, errs.Protocol("chunk", "insert", ErrCountMismatch)
	}

	if g.slots[h.Seq] != nil {
		// last write wins
		r.duplicateChunks.Add(1)
	} else {
		g.filled++
	}
	g.slots[h.Seq] = frag

	if g.filled < g.count {
		return nil, false, nil
	}

	delete(r.groups, h.ID)
	size := 0
	for _, s := range g.slots {
		size += len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range g.slots {
		out = append(out, s...)
	}
	r.completeMessages.Add(1)
	return out, true, nil
}

// Sweep evicts groups older than the timeout and returns how many it dropped.
func (r *Reassembler) Sweep() int {
	cutoff := r.opts.Now().Add(-r.opts.Timeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, g := range r.groups {
		if g.firstSeen.After(cutoff) {
			continue
		}
		delete(r.groups, id)
		evicted++
		r.expiredMessages.Add(1)
		r.expiredChunks.Add(uint64(g.filled))
		logger.Debug("chunk_group_expired", "id", id, "have", g.filled, "want", g.count)
	}
	return evicted
}

// Run sweeps every CheckInterval until ctx is done.
func (r *Reassembler) Run(ctx context.Context) {
	t := time.NewTicker(r.opts.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(); n > 0 {
				logger.Info("chunk_groups_evicted", "count", n)
			}
		}
	}
}

// GroupCount returns the number of incomplete groups held.
func (r *Reassembler) GroupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

func (r *Reassembler) Stats() Stats {
	return Stats{
		TotalChunks:      r.totalChunks.Load(),
		CompleteMessages: r.completeMessages.Load(),
		ExpiredMessages:  r.expiredMessages.Load(),
		ExpiredChunks:    r.expiredChunks.Load(),
		DuplicateChunks:  r.duplicateChunks.Load(),
		InvalidChunks:    r.invalidChunks.Load(),
		WaitingMessages:  r.GroupCount(),
	}
}
