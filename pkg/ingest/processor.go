// Package ingest runs the processing stages between the journal and the
// indexer: the journal reader, the filter chain workers and the output
// workers, plus the offset tracking that commits journal progress.
package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/buffer"
	"logpipe/pkg/codec"
	"logpipe/pkg/errs"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
)

// ProcessorConfig sizes the filter chain worker pool.
type ProcessorConfig struct {
	Workers   int
	BatchSize int
	Node      string
	Retry     Backoff
}

// Processor decodes raw messages from the input buffer, runs the filter
// chain and hands survivors to the output buffer.
type Processor struct {
	cfg     ProcessorConfig
	in      *buffer.Buffer[*models.RawMessage]
	out     *buffer.Buffer[*models.Message]
	codecs  *codec.Registry
	chain   *Chain
	offsets *OffsetTracker

	decoded      prometheus.Counter
	decodeFailed prometheus.Counter
	processed    prometheus.Counter
	dropped      prometheus.Counter

	mu      sync.Mutex
	running bool
}

func NewProcessor(cfg ProcessorConfig, in *buffer.Buffer[*models.RawMessage], out *buffer.Buffer[*models.Message],
	codecs *codec.Registry, chain *Chain, offsets *OffsetTracker, reg *metric.Registry) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if chain == nil {
		chain = NewChain(reg)
	}
	return &Processor{
		cfg:          cfg,
		in:           in,
		out:          out,
		codecs:       codecs,
		chain:        chain,
		offsets:      offsets,
		decoded:      reg.Counter("processor", "decoded_total", "Raw messages decoded."),
		decodeFailed: reg.Counter("processor", "decode_failures_total", "Raw messages that could not be decoded; their offsets are committed."),
		processed:    reg.Counter("processor", "processed_total", "Messages handed to the output buffer."),
		dropped:      reg.Counter("processor", "filtered_total", "Messages dropped by the filter chain."),
	}
}

// Run starts the worker pool. It returns immediately; Wait joins the pool
// after ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.in.RunConsumers(ctx, p.cfg.Workers, p.cfg.BatchSize, p.handle)
	logger.Info("processor_started", "workers", p.cfg.Workers, "filters", p.chain.Names())
}

func (p *Processor) Wait() { p.in.Wait() }

func (p *Processor) handle(ctx context.Context, batch []*models.RawMessage) {
	for _, raw := range batch {
		p.process(ctx, raw)
	}
}

func (p *Processor) process(ctx context.Context, raw *models.RawMessage) {
	msg, err := p.codecs.Decode(raw)
	if err != nil {
		p.decodeFailed.Inc()
		logger.Warn("message_decode_failed",
			"codec", raw.Codec,
			"input", raw.InputID,
			"remote", raw.RemoteIP,
			"offset", raw.JournalOffset,
			"error", err,
		)
		p.done(raw.JournalOffset)
		return
	}
	if msg == nil {
		// codec had nothing to emit (blank raw line)
		p.done(raw.JournalOffset)
		return
	}
	p.decoded.Inc()
	p.enrich(msg, raw)

	if p.chain.Run(ctx, msg) {
		p.dropped.Inc()
		p.done(raw.JournalOffset)
		return
	}

	err = retry(ctx, p.cfg.Retry, isBufferRetryable, func() error { return p.out.Insert(msg) })
	if err != nil {
		// only cancellation or a closed buffer get here; the offset stays
		// uncommitted and the message is replayed after restart
		logger.Warn("processor_output_insert_abandoned", "offset", raw.JournalOffset, "error", err)
		return
	}
	p.processed.Inc()
}

func (p *Processor) enrich(msg *models.Message, raw *models.RawMessage) {
	msg.JournalOffset = raw.JournalOffset
	msg.ReceiveTime = raw.ReceivedAt
	if raw.RemoteIP != "" {
		msg.SetInternalField(models.FieldRemoteIP, raw.RemoteIP)
	}
	if raw.RemotePort > 0 {
		msg.SetInternalField(models.FieldRemotePort, raw.RemotePort)
	}
	if raw.InputID != "" {
		msg.SetInternalField(models.FieldSourceInput, raw.InputID)
	}
	if p.cfg.Node != "" {
		msg.SetInternalField(models.FieldSourceNode, p.cfg.Node)
	}
	msg.SetInternalField(models.FieldReceiveTime, raw.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000Z"))
	msg.SetInternalField(models.FieldMessageID, raw.ID.String()+"-"+strconv.FormatUint(raw.JournalOffset, 10))
	if msg.Source() == "" {
		if raw.RemoteIP != "" {
			msg.SetSource(raw.RemoteIP)
		} else {
			msg.SetSource("unknown")
		}
	}
}

func (p *Processor) done(offset uint64) {
	if p.offsets != nil {
		p.offsets.Done(offset)
	}
}

func isBufferRetryable(err error) bool {
	if errors.Is(err, buffer.ErrClosed) {
		return false
	}
	return errs.ClassOf(err) == errs.ClassCapacity
}
