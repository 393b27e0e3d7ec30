package journal

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"logpipe/pkg/logger"
)

// CleanupResult summarises one retention pass.
type CleanupResult struct {
	SegmentsDeleted int
	BytesFreed      int64
	// EntriesLost counts uncommitted entries removed by overflow retention.
	EntriesLost uint64
}

// Cleanup deletes closed segments whose entries every reader has committed.
// With DropOnOverflow it also deletes the oldest closed segments that exceed
// MaxAge or MaxSize, committed or not. The active segment is never deleted.
func (j *Journal) Cleanup(now time.Time) (CleanupResult, error) {
	var res CleanupResult
	if j.opts.ReadOnly || j.closed.Load() {
		return res, nil
	}
	committed, haveReaders := j.cursors.min()

	j.segMu.Lock()
	var victims []*segment
	keep := j.segments[:0:0]
	total := int64(0)
	for _, s := range j.segments {
		total += s.size
	}
	for i, s := range j.segments {
		active := i == len(j.segments)-1
		if active {
			keep = append(keep, s)
			continue
		}
		switch {
		case haveReaders && s.nextOffset() <= committed:
		case j.opts.DropOnOverflow && j.opts.MaxAge > 0 && now.Sub(s.modTime) > j.opts.MaxAge:
		case j.opts.DropOnOverflow && j.opts.MaxSize > 0 && total > j.opts.MaxSize:
		default:
			keep = append(keep, s)
			continue
		}
		// once a segment is kept every later one is kept too, so the log
		// start only ever moves forward over a contiguous prefix
		if len(keep) > 0 {
			keep = append(keep, s)
			continue
		}
		victims = append(victims, s)
		total -= s.size
		if !haveReaders || s.nextOffset() > committed {
			lost := s.entries
			if haveReaders && committed > s.base {
				lost = int64(s.nextOffset() - committed)
			}
			res.EntriesLost += uint64(lost)
		}
	}
	j.segments = keep
	j.segMu.Unlock()

	var firstErr error
	for _, s := range victims {
		_ = s.f.Close()
		if err := os.Remove(s.path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove segment %s: %w", s.path, err)
			continue
		}
		res.SegmentsDeleted++
		res.BytesFreed += s.size
	}
	if res.SegmentsDeleted > 0 {
		if err := syncDir(j.dir); err != nil && firstErr == nil {
			firstErr = err
		}
		logger.Info("journal_cleanup",
			"segments_deleted", res.SegmentsDeleted,
			"freed", humanize.IBytes(uint64(res.BytesFreed)),
			"log_start", j.LogStartOffset(),
			"readers", sortedReaders(j.cursors.snapshot()),
		)
	}
	if res.EntriesLost > 0 {
		j.m.lost.Add(float64(res.EntriesLost))
		logger.Warn("journal_overflow_dropped_uncommitted", "entries", res.EntriesLost)
	}
	return res, firstErr
}
