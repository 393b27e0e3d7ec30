package buffer

import (
	"context"
	"fmt"
	"runtime/debug"

	"logpipe/pkg/logger"
)

const defaultBatchSize = 256

// Handler processes one drained batch. The batch is acknowledged when the
// handler returns, panics included.
type Handler[T any] func(ctx context.Context, batch []T)

// RunConsumers starts workers goroutines that drain batches of up to
// batchSize items until ctx is cancelled. Use Wait to join them.
func (b *Buffer[T]) RunConsumers(ctx context.Context, workers, batchSize int, handler Handler[T]) {
	if workers <= 0 {
		workers = 1
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	for i := 0; i < workers; i++ {
		b.consumers.Add(1)
		go b.consume(ctx, i, batchSize, handler)
	}
	logger.Info("buffer_consumers_started", "buffer", b.name, "workers", workers, "batch_size", batchSize)
}

// Wait blocks until every consumer started by RunConsumers has returned.
func (b *Buffer[T]) Wait() { b.consumers.Wait() }

func (b *Buffer[T]) consume(ctx context.Context, worker, batchSize int, handler Handler[T]) {
	defer b.consumers.Done()
	var streak uint64
	for {
		if ctx.Err() != nil {
			return
		}
		batch := b.DrainBatch(batchSize)
		if len(batch) == 0 {
			streak++
			b.wait.Idle(streak)
			continue
		}
		streak = 0
		b.handle(ctx, worker, batch, handler)
	}
}

func (b *Buffer[T]) handle(ctx context.Context, worker int, batch []T, handler Handler[T]) {
	defer b.Ack(len(batch))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("buffer_consumer_panic",
				"buffer", b.name,
				"worker", worker,
				"batch", len(batch),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	handler(ctx, batch)
}
