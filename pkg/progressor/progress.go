// Package progressor runs maintenance jobs that need message processing
// paused, and tracks their progress.
package progressor

import (
	"sync/atomic"
	"time"
)

type JobState int32

const (
	JobPending JobState = iota
	JobRunning
	JobSucceeded
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobRunning:
		return "RUNNING"
	case JobSucceeded:
		return "SUCCEEDED"
	case JobFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Progress is updated by a running job and read concurrently by the API.
type Progress struct {
	state    atomic.Int32
	done     atomic.Int64
	total    atomic.Int64
	step     atomic.Value // string
	started  atomic.Int64
	finished atomic.Int64
	err      atomic.Value // string
}

func (p *Progress) begin(total int64) {
	p.total.Store(total)
	p.started.Store(time.Now().UnixNano())
	p.state.Store(int32(JobRunning))
}

// Advance records one finished step.
func (p *Progress) Advance(step string) {
	p.step.Store(step)
	p.done.Add(1)
}

func (p *Progress) finish(err error) {
	if err != nil {
		p.err.Store(err.Error())
		p.state.Store(int32(JobFailed))
	} else {
		p.state.Store(int32(JobSucceeded))
	}
	p.finished.Store(time.Now().UnixNano())
}

func (p *Progress) State() JobState { return JobState(p.state.Load()) }

// Percent is 0..100.
func (p *Progress) Percent() float64 {
	total := p.total.Load()
	if total <= 0 {
		return 0
	}
	return float64(p.done.Load()) * 100 / float64(total)
}

// JobStatus is the JSON view of a job.
type JobStatus struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	State      string     `json:"state"`
	Percent    float64    `json:"percent_complete"`
	Step       string     `json:"step,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func (p *Progress) status(id, typ string) JobStatus {
	st := JobStatus{ID: id, Type: typ, State: p.State().String(), Percent: p.Percent()}
	if s, ok := p.step.Load().(string); ok {
		st.Step = s
	}
	if e, ok := p.err.Load().(string); ok {
		st.Error = e
	}
	if n := p.started.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.StartedAt = &t
	}
	if n := p.finished.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.FinishedAt = &t
	}
	return st
}
