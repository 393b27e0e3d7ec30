// Package retention schedules journal cleanup passes on a cron expression.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/journal"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
)

// DefaultCron runs cleanup every minute.
const DefaultCron = "* * * * *"

// Cleaner is the part of the journal the scheduler drives.
type Cleaner interface {
	Cleanup(now time.Time) (journal.CleanupResult, error)
}

// Scheduler runs Cleaner.Cleanup at every cron tick. Runs never overlap.
type Scheduler struct {
	cron    string
	cleaner Cleaner
	now     func() time.Time

	mu sync.Mutex

	runs     prometheus.Counter
	failures prometheus.Counter
	deleted  prometheus.Counter
	freed    prometheus.Counter
}

// New validates cronExpr (empty means DefaultCron).
func New(cronExpr string, c Cleaner, reg *metric.Registry) (*Scheduler, error) {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	return &Scheduler{
		cron:     cronExpr,
		cleaner:  c,
		now:      time.Now,
		runs:     reg.Counter("retention", "runs_total", "Journal cleanup passes."),
		failures: reg.Counter("retention", "failures_total", "Journal cleanup passes that returned an error."),
		deleted:  reg.Counter("retention", "segments_deleted_total", "Journal segments deleted by retention."),
		freed:    reg.Counter("retention", "bytes_freed_total", "Bytes freed by retention."),
	}, nil
}

// Cron returns the effective expression.
func (s *Scheduler) Cron() string { return s.cron }

// RunOnce performs one cleanup pass now.
func (s *Scheduler) RunOnce() (journal.CleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs.Inc()
	res, err := s.cleaner.Cleanup(s.now())
	if err != nil {
		s.failures.Inc()
		logger.Error("retention_run_failed", "error", err)
		return res, err
	}
	s.deleted.Add(float64(res.SegmentsDeleted))
	s.freed.Add(float64(res.BytesFreed))
	if res.SegmentsDeleted > 0 {
		logger.Info("retention_run_completed",
			"segments_deleted", res.SegmentsDeleted,
			"freed", humanize.IBytes(uint64(res.BytesFreed)),
			"entries_lost", res.EntriesLost)
	}
	return res, nil
}

// Run sleeps until each next cron tick and runs a pass, until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	logger.Info("retention_scheduler_started", "cron", s.cron)
	defer logger.Info("retention_scheduler_stopping")
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", s.cron, "error", err)
			next = s.now().Add(30 * time.Second)
		}
		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		_, _ = s.RunOnce()
	}
}
