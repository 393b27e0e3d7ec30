// Package buffer provides the bounded staging buffers that connect pipeline
// stages. Inserts never block; consumers idle through a WaitStrategy.
package buffer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/errs"
	"logpipe/pkg/metric"
)

var (
	ErrOutOfCapacity = errors.New("buffer out of capacity")
	ErrPaused        = errors.New("buffer paused")
	ErrClosed        = errors.New("buffer closed")
	ErrTimeout       = errors.New("timed out waiting for buffer to empty")
)

const fallbackCapacity = 1024

// Options configure a Buffer.
type Options struct {
	Name     string
	Capacity int
	Wait     WaitStrategy
}

// Buffer is a bounded multi-producer multi-consumer buffer.
//
// The watermark counts items that were inserted and not yet acknowledged, so
// an item handed to a consumer still occupies capacity until Ack. Capacity is
// reserved on the watermark before the item enters the channel, which keeps
// 0 <= Len() <= Cap() at all times.
type Buffer[T any] struct {
	name     string
	ch       chan T
	capacity int64
	wait     WaitStrategy

	watermark atomic.Int64
	paused    atomic.Bool
	closed    atomic.Bool

	insWg     sync.WaitGroup
	closeOnce sync.Once

	errFull   error
	errPaused error

	inserted       prometheus.Counter
	rejectedFull   prometheus.Counter
	rejectedPaused prometheus.Counter
	level          prometheus.Gauge

	consumers sync.WaitGroup
}

// New creates a buffer. A nil Wait selects the blocking strategy.
func New[T any](opts Options, reg *metric.Registry) *Buffer[T] {
	if opts.Capacity <= 0 {
		opts.Capacity = fallbackCapacity
	}
	if opts.Wait == nil {
		opts.Wait = NewBlocking(0)
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	b := &Buffer[T]{
		name:      opts.Name,
		ch:        make(chan T, opts.Capacity),
		capacity:  int64(opts.Capacity),
		wait:      opts.Wait,
		errFull:   errs.Wrap(errs.ClassCapacity, "buffer."+opts.Name, "insert", ErrOutOfCapacity),
		errPaused: errs.Wrap(errs.ClassCapacity, "buffer."+opts.Name, "insert", ErrPaused),
	}
	b.inserted = reg.CounterVec("buffer", "inserted_total", "Items accepted.", "buffer").WithLabelValues(opts.Name)
	rejected := reg.CounterVec("buffer", "rejected_total", "Inserts refused.", "buffer", "reason")
	b.rejectedFull = rejected.WithLabelValues(opts.Name, "full")
	b.rejectedPaused = rejected.WithLabelValues(opts.Name, "paused")
	b.level = reg.GaugeVec("buffer", "watermark", "Items inserted and not yet acknowledged.", "buffer").WithLabelValues(opts.Name)
	reg.GaugeVec("buffer", "capacity", "Configured capacity.", "buffer").WithLabelValues(opts.Name).Set(float64(opts.Capacity))
	return b
}

// Insert adds v without blocking. It returns an error wrapping
// ErrOutOfCapacity when full, ErrPaused while paused and ErrClosed after
// Close.
func (b *Buffer[T]) Insert(v T) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.insWg.Add(1)
	defer b.insWg.Done()
	if b.closed.Load() {
		return ErrClosed
	}
	if b.paused.Load() {
		b.rejectedPaused.Inc()
		return b.errPaused
	}
	for {
		cur := b.watermark.Load()
		if cur >= b.capacity {
			b.rejectedFull.Inc()
			return b.errFull
		}
		if b.watermark.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	// a reserved slot guarantees channel room
	b.ch <- v
	b.inserted.Inc()
	b.level.Inc()
	b.wait.Signal()
	return nil
}

// DrainBatch takes up to max queued items without blocking. The caller must
// Ack the returned count once they are handled.
func (b *Buffer[T]) DrainBatch(max int) []T {
	if max <= 0 {
		max = 1
	}
	var out []T
	for len(out) < max {
		select {
		case v := <-b.ch:
			out = append(out, v)
		default:
			return out
		}
	}
	return out
}

// Ack releases n slots taken by DrainBatch.
func (b *Buffer[T]) Ack(n int) {
	if n <= 0 {
		return
	}
	b.watermark.Add(int64(-n))
	b.level.Sub(float64(n))
}

// Len is the watermark.
func (b *Buffer[T]) Len() int { return int(b.watermark.Load()) }

// Queued is the number of items waiting to be drained.
func (b *Buffer[T]) Queued() int { return len(b.ch) }

func (b *Buffer[T]) Cap() int { return int(b.capacity) }

func (b *Buffer[T]) Name() string { return b.name }

// Pause refuses new inserts. Draining continues.
func (b *Buffer[T]) Pause() { b.paused.Store(true) }

func (b *Buffer[T]) Unpause() { b.paused.Store(false) }

func (b *Buffer[T]) Paused() bool { return b.paused.Load() }

// WaitUntilEmpty blocks until the watermark is zero, ctx is done or timeout
// elapses (timeout <= 0 waits on ctx only).
func (b *Buffer[T]) WaitUntilEmpty(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for b.watermark.Load() > 0 {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close refuses further inserts and wakes idle consumers. Items still queued
// remain drainable.
func (b *Buffer[T]) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.insWg.Wait()
		b.wait.Signal()
	})
}

func (b *Buffer[T]) Closed() bool { return b.closed.Load() }

// Status is a snapshot for the management API.
type Status struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Watermark int    `json:"watermark"`
	Queued    int    `json:"queued"`
	Paused    bool   `json:"paused"`
}

func (b *Buffer[T]) Status() Status {
	return Status{Name: b.name, Capacity: b.Cap(), Watermark: b.Len(), Queued: b.Queued(), Paused: b.Paused()}
}
