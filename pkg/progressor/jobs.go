package progressor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/lifecycle"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
)

var ErrJobRunning = errors.New("a job of this type is already running")

// Job is a unit of maintenance work.
type Job interface {
	Type() string
	Steps() int64
	Run(ctx context.Context, p *Progress) error
}

type entry struct {
	id   string
	job  Job
	p    *Progress
	done chan struct{}
}

// Manager runs jobs in the background, one per type at a time.
type Manager struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	running map[string]string
	wg      sync.WaitGroup

	started  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func NewManager(reg *metric.Registry) *Manager {
	return &Manager{
		jobs:     make(map[string]*entry),
		running:  make(map[string]string),
		started:  reg.CounterVec("jobs", "started_total", "Maintenance jobs started.", "type"),
		failures: reg.CounterVec("jobs", "failed_total", "Maintenance jobs that failed.", "type"),
	}
}

// Start runs job and returns its id.
func (m *Manager) Start(ctx context.Context, job Job) (string, error) {
	m.mu.Lock()
	if id, busy := m.running[job.Type()]; busy {
		m.mu.Unlock()
		return id, ErrJobRunning
	}
	e := &entry{id: uuid.NewString(), job: job, p: &Progress{}, done: make(chan struct{})}
	m.jobs[e.id] = e
	m.running[job.Type()] = e.id
	m.mu.Unlock()

	m.started.WithLabelValues(job.Type()).Inc()
	e.p.begin(job.Steps())
	logger.Info("job_started", "job", e.id, "type", job.Type())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(e.done)
		err := m.run(ctx, e)
		e.p.finish(err)

		m.mu.Lock()
		delete(m.running, job.Type())
		m.mu.Unlock()
		if err != nil {
			m.failures.WithLabelValues(job.Type()).Inc()
			logger.Error("job_failed", "job", e.id, "type", job.Type(), "error", err)
			return
		}
		logger.Info("job_finished", "job", e.id, "type", job.Type())
	}()
	return e.id, nil
}

func (m *Manager) run(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return e.job.Run(ctx, e.p)
}

// Get returns the status of job id.
func (m *Manager) Get(id string) (JobStatus, bool) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return JobStatus{}, false
	}
	return e.p.status(e.id, e.job.Type()), true
}

// List returns every known job, newest first.
func (m *Manager) List() []JobStatus {
	m.mu.Lock()
	out := make([]JobStatus, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.p.status(e.id, e.job.Type()))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == nil || out[j].StartedAt == nil {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(*out[j].StartedAt)
	})
	return out
}

// WaitFor blocks until job id finishes or ctx ends.
func (m *Manager) WaitFor(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", id)
	}
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait joins every running job.
func (m *Manager) Wait() { m.wg.Wait() }

// Pauser is the part of the lifecycle a job needs.
type Pauser interface {
	PauseMessageProcessing(locked bool) lifecycle.PauseToken
	WaitForEmptyBuffers(ctx context.Context, timeout time.Duration) error
	ResumeMessageProcessing(tok lifecycle.PauseToken) bool
}
