package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/buffer"
	"logpipe/pkg/errs"
	"logpipe/pkg/journal"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
)

// DefaultReaderName is the journal cursor used by the processing pipeline.
const DefaultReaderName = "processing"

// ReaderConfig tunes how the journal is polled.
type ReaderConfig struct {
	Name         string
	BatchEntries int
	BatchBytes   int64
	PollInterval time.Duration
	Retry        Backoff
}

// JournalReader feeds the input buffer from the journal. It owns the
// OffsetTracker that the later stages complete offsets on.
type JournalReader struct {
	cfg     ReaderConfig
	j       *journal.Journal
	buf     *buffer.Buffer[*models.RawMessage]
	offsets *OffsetTracker

	read         prometheus.Counter
	decodeFailed prometheus.Counter
	skipped      prometheus.Counter

	mu   sync.Mutex
	next uint64
	wg   sync.WaitGroup
}

// NewJournalReader registers cfg.Name with the journal and resumes from its
// committed offset.
func NewJournalReader(cfg ReaderConfig, j *journal.Journal, buf *buffer.Buffer[*models.RawMessage], reg *metric.Registry) *JournalReader {
	if cfg.Name == "" {
		cfg.Name = DefaultReaderName
	}
	if cfg.BatchEntries <= 0 {
		cfg.BatchEntries = 512
	}
	if cfg.BatchBytes <= 0 {
		cfg.BatchBytes = 4 << 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = 250 * time.Millisecond
	}
	start := j.RegisterReader(cfg.Name)
	r := &JournalReader{
		cfg:          cfg,
		j:            j,
		buf:          buf,
		next:         start,
		read:         reg.Counter("journal_reader", "read_total", "Entries read from the journal."),
		decodeFailed: reg.Counter("journal_reader", "envelope_errors_total", "Entries with an unreadable envelope; committed and skipped."),
		skipped:      reg.Counter("journal_reader", "skipped_offsets_total", "Offsets skipped because they were missing from the journal."),
	}
	r.offsets = NewOffsetTracker(start, func(next uint64) error {
		return j.Commit(cfg.Name, next)
	}, func(err error) {
		logger.Error("journal_commit_failed", "reader", cfg.Name, "error", err)
	})
	logger.Info("journal_reader_registered", "reader", cfg.Name, "start_offset", start)
	return r
}

// Offsets is the tracker the process and output stages mark offsets on.
func (r *JournalReader) Offsets() *OffsetTracker { return r.offsets }

// Position is the next offset the reader will fetch.
func (r *JournalReader) Position() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Run polls the journal until ctx is cancelled.
func (r *JournalReader) Run(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Wait joins the goroutine started by Run.
func (r *JournalReader) Wait() { r.wg.Wait() }

func (r *JournalReader) loop(ctx context.Context) {
	defer r.wg.Done()
	defer logger.Info("journal_reader_stopped", "reader", r.cfg.Name, "position", r.Position())
	for ctx.Err() == nil {
		n, err := r.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("journal_reader_poll_failed", "reader", r.cfg.Name, "error", err)
		}
		if n > 0 {
			continue
		}
		t := time.NewTimer(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// poll reads one batch and inserts it into the input buffer. It returns the
// number of entries handled.
func (r *JournalReader) poll(ctx context.Context) (int, error) {
	from := r.Position()
	if start := r.j.LogStartOffset(); start > from {
		lost := start - from
		r.skipped.Add(float64(lost))
		logger.Warn("journal_reader_behind_log_start", "reader", r.cfg.Name, "position", from, "log_start", start, "lost", lost)
		r.offsets.Skip(start)
		from = start
		r.setNext(from)
	}

	entries, err := r.j.Read(from, r.cfg.BatchEntries, r.cfg.BatchBytes)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if e.Offset != from {
			// never commit past entries that were not delivered
			return i, errs.Corruption("journal_reader", "poll", fmt.Errorf("expected offset %d, journal returned %d", from, e.Offset))
		}
		from = e.Offset + 1

		raw, err := decodeEntry(e)
		if err != nil {
			r.decodeFailed.Inc()
			logger.Warn("journal_entry_undecodable", "offset", e.Offset, "error", err)
			r.offsets.Done(e.Offset)
			r.setNext(from)
			continue
		}
		if err := retry(ctx, r.cfg.Retry, isBufferRetryable, func() error { return r.buf.Insert(raw) }); err != nil {
			// not inserted; resume at this entry next time
			r.setNext(e.Offset)
			return 0, err
		}
		r.read.Inc()
		r.setNext(from)
	}
	return len(entries), nil
}

func (r *JournalReader) setNext(n uint64) {
	r.mu.Lock()
	r.next = n
	r.mu.Unlock()
}

func decodeEntry(e journal.Entry) (*models.RawMessage, error) {
	raw, err := models.DecodeRaw(e.ID, e.Payload, e.Offset)
	if err != nil {
		return nil, err
	}
	if raw.ID == uuid.Nil {
		raw.ID = uuid.New()
	}
	return raw, nil
}
