// Package input holds the GELF transports and the entry point that appends
// what they receive to the journal.
package input

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/errs"
	"logpipe/pkg/journal"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
	"logpipe/pkg/notify"
	"logpipe/pkg/sensor"
)

var ErrNotAccepting = errors.New("input is not accepting messages")

// Appender is the journal write path.
type Appender interface {
	Append(id, payload []byte) (uint64, error)
}

// EntryConfig tunes append failure escalation.
type EntryConfig struct {
	// FailureThreshold consecutive append failures mark the node DEAD.
	FailureThreshold int
}

// Entry is the single funnel from every transport into the journal.
type Entry struct {
	cfg   EntryConfig
	j     Appender
	lc    sensor.DeadSetter
	notif sensor.Notifier

	accepting   atomic.Bool
	consecutive atomic.Int64
	escalated   atomic.Bool

	appended *prometheus.CounterVec
	failed   *prometheus.CounterVec
	refused  *prometheus.CounterVec
	bytes    *prometheus.CounterVec
}

func NewEntry(cfg EntryConfig, j Appender, lc sensor.DeadSetter, n sensor.Notifier, reg *metric.Registry) *Entry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 10
	}
	e := &Entry{
		cfg:      cfg,
		j:        j,
		lc:       lc,
		notif:    n,
		appended: reg.CounterVec("input", "messages_total", "Raw messages written to the journal.", "input"),
		failed:   reg.CounterVec("input", "append_failures_total", "Journal appends that failed.", "input"),
		refused:  reg.CounterVec("input", "refused_total", "Messages refused because intake is stopped.", "input"),
		bytes:    reg.CounterVec("input", "bytes_total", "Payload bytes received.", "input"),
	}
	e.accepting.Store(true)
	return e
}

// SetAccepting starts or stops intake. Stopped transports keep their
// sockets open and refuse payloads.
func (e *Entry) SetAccepting(v bool) {
	if e.accepting.Swap(v) != v {
		logger.Info("input_accepting_changed", "accepting", v)
	}
}

func (e *Entry) Accepting() bool { return e.accepting.Load() }

// Ingest appends raw to the journal. It returns ErrNotAccepting while intake
// is stopped, and a durability error when the append fails.
func (e *Entry) Ingest(raw *models.RawMessage) error {
	if !e.accepting.Load() {
		e.refused.WithLabelValues(raw.InputID).Inc()
		return ErrNotAccepting
	}
	b, err := models.EncodeRaw(raw)
	if err != nil {
		e.failed.WithLabelValues(raw.InputID).Inc()
		return errs.Protocol("input", "encode", err)
	}
	if _, err := e.j.Append(raw.ID[:], b); err != nil {
		e.failed.WithLabelValues(raw.InputID).Inc()
		if errors.Is(err, journal.ErrMessageTooLarge) {
			// size refusals are per message, not a journal fault
			return errs.Protocol("input", "append", err)
		}
		e.recordFailure(err)
		return errs.Durability("input", "append", err)
	}
	e.appended.WithLabelValues(raw.InputID).Inc()
	e.bytes.WithLabelValues(raw.InputID).Add(float64(len(raw.Payload)))
	if e.consecutive.Swap(0) > 0 && e.escalated.CompareAndSwap(true, false) && e.notif != nil {
		e.notif.Fixed(notify.TypeJournalAppendFailing)
	}
	return nil
}

func (e *Entry) recordFailure(err error) {
	n := e.consecutive.Add(1)
	logger.Error("journal_append_failed", "consecutive", n, "error", err)
	if n < int64(e.cfg.FailureThreshold) || !e.escalated.CompareAndSwap(false, true) {
		return
	}
	logger.Error("journal_append_failing_node_dead", "consecutive", n, "threshold", e.cfg.FailureThreshold)
	if e.lc != nil {
		e.lc.OverrideLoadBalancerDead()
	}
	if e.notif != nil {
		e.notif.PublishIfFirst(notify.TypeJournalAppendFailing, notify.SeverityUrgent, map[string]any{
			"consecutive_failures": n,
			"last_error":           err.Error(),
		})
	}
}
