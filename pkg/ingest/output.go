package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/buffer"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
	"logpipe/pkg/store"
)

// OutputConfig sizes the output worker pool.
type OutputConfig struct {
	Workers   int
	BatchSize int
	Retry     Backoff
}

// Output writes batches from the output buffer to the indexer and marks
// their journal offsets done once the write succeeded.
type Output struct {
	cfg     OutputConfig
	buf     *buffer.Buffer[*models.Message]
	indexer store.Indexer
	offsets *OffsetTracker

	written     prometheus.Counter
	writeErrors prometheus.Counter
	latency     prometheus.Histogram
}

func NewOutput(cfg OutputConfig, buf *buffer.Buffer[*models.Message], indexer store.Indexer,
	offsets *OffsetTracker, reg *metric.Registry) *Output {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = 30 * time.Second
	}
	if cfg.Retry.Initial <= 0 {
		cfg.Retry.Initial = 100 * time.Millisecond
	}
	return &Output{
		cfg:         cfg,
		buf:         buf,
		indexer:     indexer,
		offsets:     offsets,
		written:     reg.Counter("output", "written_total", "Messages written to the indexer."),
		writeErrors: reg.Counter("output", "write_errors_total", "Failed indexer writes, retried."),
		latency:     reg.Histogram("output", "write_seconds", "Indexer batch write latency."),
	}
}

func (o *Output) Run(ctx context.Context) {
	o.buf.RunConsumers(ctx, o.cfg.Workers, o.cfg.BatchSize, o.handle)
	logger.Info("output_started", "workers", o.cfg.Workers)
}

func (o *Output) Wait() { o.buf.Wait() }

func (o *Output) handle(ctx context.Context, batch []*models.Message) {
	attempt := 0
	err := retry(ctx, o.cfg.Retry, func(err error) bool { return !errors.Is(err, context.Canceled) }, func() error {
		attempt++
		start := time.Now()
		err := o.indexer.Write(ctx, batch)
		o.latency.Observe(time.Since(start).Seconds())
		if err != nil {
			o.writeErrors.Inc()
			logger.Warn("output_write_failed", "batch", len(batch), "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		// offsets stay uncommitted; the batch is replayed from the journal
		logger.Warn("output_batch_abandoned", "batch", len(batch), "error", err)
		return
	}
	o.written.Add(float64(len(batch)))
	if o.offsets == nil {
		return
	}
	for _, m := range batch {
		o.offsets.Done(m.JournalOffset)
	}
}
