package store

import (
	"logpipe/pkg/metric"
)

// PebbleMetrics is a compact view of the engine metrics the disk check and
// the management API report.
type PebbleMetrics struct {
	WALBytes          uint64 `json:"wal_bytes"`
	L0Files           int64  `json:"l0_files"`
	L0Bytes           int64  `json:"l0_bytes"`
	CompactionDebt    uint64 `json:"compaction_debt"`
	CompactionsActive int64  `json:"compactions_in_progress"`
	DiskUsage         uint64 `json:"disk_usage"`
}

// Metrics reads the current pebble metrics.
func (s *Store) Metrics() PebbleMetrics {
	var m PebbleMetrics
	if !s.Ready() {
		return m
	}
	pm := s.db.Metrics()
	if pm == nil {
		return m
	}
	m.WALBytes = pm.WAL.Size
	m.L0Files = pm.Levels[0].NumFiles
	m.L0Bytes = pm.Levels[0].Size
	m.CompactionDebt = pm.Compact.EstimatedDebt
	m.CompactionsActive = pm.Compact.NumInProgress
	m.DiskUsage = pm.DiskSpaceUsage()
	return m
}

func (s *Store) registerMetrics(reg *metric.Registry) {
	if reg == nil {
		return
	}
	reg.GaugeFunc("store", "wal_bytes", "Pebble WAL size.", func() float64 { return float64(s.Metrics().WALBytes) })
	reg.GaugeFunc("store", "l0_files", "Pebble L0 sstables.", func() float64 { return float64(s.Metrics().L0Files) })
	reg.GaugeFunc("store", "compaction_debt_bytes", "Estimated pebble compaction debt.", func() float64 {
		return float64(s.Metrics().CompactionDebt)
	})
	reg.GaugeFunc("store", "disk_usage_bytes", "Pebble on-disk usage.", func() float64 { return float64(s.Metrics().DiskUsage) })
}
