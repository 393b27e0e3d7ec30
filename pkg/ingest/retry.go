package ingest

import (
	"context"
	"time"
)

// Backoff is an exponential delay bounded by Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// retry calls fn until it returns nil, a non-retryable error, or ctx ends.
// It returns the last error, or ctx.Err() on cancellation.
func retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func() error) error {
	b = b.withDefaults()
	delay := b.Initial
	for {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > b.Max {
			delay = b.Max
		}
	}
}
