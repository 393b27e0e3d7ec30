package progressor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"logpipe/pkg/logger"
)

const (
	RecreateIndexType = "recreate-index"

	jobInProgressKey = "system:index_job_in_progress"
)

// IndexCycler is the store side of the job. store.Store satisfies it.
type IndexCycler interface {
	ActiveIndex() string
	CycleIndex() (string, error)
	SaveKey(key string, value []byte) error
	DeleteKey(key string) error
	GetKey(key string) ([]byte, error)
}

// RecreateIndexJob switches writes to a fresh index while processing is
// paused and every staged buffer, output included, is empty, so no message
// is split between the old and new index mid-batch.
type RecreateIndexJob struct {
	Lifecycle    Pauser
	Store        IndexCycler
	DrainTimeout time.Duration
}

func (j *RecreateIndexJob) Type() string { return RecreateIndexType }
func (j *RecreateIndexJob) Steps() int64 { return 4 }

func (j *RecreateIndexJob) Run(ctx context.Context, p *Progress) error {
	timeout := j.DrainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	tok := j.Lifecycle.PauseMessageProcessing(true)
	resumed := false
	// releases the pause on every exit, panics included
	defer func() {
		if !resumed {
			j.Lifecycle.ResumeMessageProcessing(tok)
		}
	}()
	p.Advance("paused")

	if err := j.Lifecycle.WaitForEmptyBuffers(ctx, timeout); err != nil {
		return fmt.Errorf("buffers did not drain: %w", err)
	}
	p.Advance("drained")

	previous := j.Store.ActiveIndex()
	marker, _ := json.Marshal(map[string]string{
		"previous":   previous,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := j.Store.SaveKey(jobInProgressKey, marker); err != nil {
		logger.Warn("index_job_marker_failed", "error", err)
	}
	next, err := j.Store.CycleIndex()
	if err != nil {
		return fmt.Errorf("cycle index: %w", err)
	}
	if err := j.Store.DeleteKey(jobInProgressKey); err != nil {
		logger.Warn("index_job_marker_delete_failed", "error", err)
	}
	p.Advance("index " + next + " active")

	j.Lifecycle.ResumeMessageProcessing(tok)
	resumed = true
	p.Advance("resumed")
	logger.Info("index_recreated", "previous", previous, "active", next)
	return nil
}

// InterruptedIndexJob reports a marker left by a job that did not finish,
// for example after a crash between pause and resume.
func InterruptedIndexJob(s IndexCycler) (string, bool) {
	b, err := s.GetKey(jobInProgressKey)
	if err != nil || len(b) == 0 {
		return "", false
	}
	return string(b), true
}
