// Package sensor samples host resources and runs the periodic checks that
// turn resource pressure into lifecycle changes.
package sensor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
)

// Snapshot is a best-effort view of resources relevant to the journal.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	MemTotal uint64 `json:"mem_total"`
	MemUsed  uint64 `json:"mem_used"`

	// filesystem holding the watched directory
	DiskTotal uint64 `json:"disk_total"`
	DiskFree  uint64 `json:"disk_free"`

	Goroutines int `json:"goroutines"`
}

// DiskFreePercent is DiskFree as a percentage of DiskTotal.
func (s Snapshot) DiskFreePercent() float64 {
	if s.DiskTotal == 0 {
		return 0
	}
	return float64(s.DiskFree) * 100 / float64(s.DiskTotal)
}

// Sensor polls resources for one directory and keeps the latest Snapshot.
type Sensor struct {
	dir      string
	interval time.Duration
	statfs   func(string) (DiskStat, error)

	mu   sync.RWMutex
	snap Snapshot

	wg sync.WaitGroup
}

func NewSensor(dir string, interval time.Duration) *Sensor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sensor{dir: dir, interval: interval, statfs: Statfs}
}

// Run samples every interval until ctx is done.
func (s *Sensor) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

// RegisterMetrics exposes the latest sample as gauges.
func (s *Sensor) RegisterMetrics(reg *metric.Registry) {
	reg.GaugeFunc("host", "disk_free_bytes", "Free bytes on the journal filesystem.", func() float64 {
		return float64(s.Snapshot().DiskFree)
	})
	reg.GaugeFunc("host", "disk_free_percent", "Free space on the journal filesystem in percent.", func() float64 {
		return s.Snapshot().DiskFreePercent()
	})
	reg.GaugeFunc("host", "memory_used_bytes", "Heap bytes allocated.", func() float64 {
		return float64(s.Snapshot().MemUsed)
	})
	reg.GaugeFunc("host", "goroutines", "Goroutines at the last sample.", func() float64 {
		return float64(s.Snapshot().Goroutines)
	})
}

// Wait blocks until Run has returned.
func (s *Sensor) Wait() { s.wg.Wait() }

// Snapshot returns the most recent sample, taking one first if none exists.
func (s *Sensor) Snapshot() Snapshot {
	s.mu.RLock()
	snap := s.snap
	s.mu.RUnlock()
	if snap.Timestamp.IsZero() {
		return s.sample()
	}
	return snap
}

func (s *Sensor) sample() Snapshot {
	snap := Snapshot{Timestamp: time.Now(), Goroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.MemTotal = mem.Sys
	snap.MemUsed = mem.Alloc

	if st, err := s.statfs(s.dir); err == nil {
		snap.DiskTotal = st.Total
		snap.DiskFree = st.Free
	} else {
		logger.Debug("sensor_statfs_failed", "dir", s.dir, "error", err)
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return snap
}
