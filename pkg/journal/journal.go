// Package journal is the durable, offset-addressed append-only log that sits
// between the transports and the processing pipeline.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"

	"logpipe/pkg/errs"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
)

var (
	ErrClosed          = errors.New("journal is closed")
	ErrReadOnly        = errors.New("journal is read-only")
	ErrMessageTooLarge = errors.New("journal entry exceeds max message size")
	ErrUnknownReader   = errors.New("journal reader not registered")
	ErrCorruptEntry    = errors.New("journal entry corrupt")
)

// Entry is one journal record.
type Entry struct {
	Offset  uint64
	ID      []byte
	Payload []byte
}

// Options configure a Journal.
type Options struct {
	Dir            string
	SegmentSize    int64
	MaxSize        int64         // retention and utilization bound; 0 disables both
	MaxAge         time.Duration // only applies when DropOnOverflow is set
	MaxMessageSize int64

	CursorFlushInterval time.Duration

	// EnableBatch group-commits fsyncs. Append still returns only after its
	// entry is synced.
	EnableBatch   bool
	BatchSize     int
	BatchInterval time.Duration

	EnableCompress   bool
	CompressMinBytes int

	// DropOnOverflow lets Cleanup delete uncommitted segments that exceed
	// MaxAge or MaxSize. Readers behind the new start lose those entries.
	DropOnOverflow bool

	ReadOnly bool
}

func (o *Options) applyDefaults() {
	if o.SegmentSize <= 0 {
		o.SegmentSize = 100 << 20
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 10 << 20
	}
	if o.CursorFlushInterval <= 0 {
		o.CursorFlushInterval = time.Second
	}
	if o.EnableBatch {
		if o.BatchSize <= 0 {
			o.BatchSize = 64
		}
		if o.BatchInterval <= 0 {
			o.BatchInterval = 5 * time.Millisecond
		}
	}
	if o.CompressMinBytes <= 0 {
		o.CompressMinBytes = 512
	}
}

type journalMetrics struct {
	appended      prometheus.Counter
	appendedBytes prometheus.Counter
	discarded     prometheus.Counter
	appendFailed  prometheus.Counter
	read          prometheus.Counter
	truncated     prometheus.Counter
	lost          prometheus.Counter
	corruptReads  prometheus.Counter
}

// Journal is a segmented append-only log. Appends are serialized; reads may
// run concurrently with appends and with each other.
type Journal struct {
	opts Options
	dir  string

	// mu serializes writers and is held across the writer's own fsync.
	mu sync.Mutex
	// segMu guards the segment list and per-segment bookkeeping; it is never
	// held across fsync.
	segMu    sync.RWMutex
	segments []*segment
	next     uint64

	cursors *cursorStore

	unsynced int
	syncMu   sync.Mutex
	syncCond *sync.Cond
	synced   uint64
	syncErr  error
	// final is set once Close has done its last sync
	final bool

	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	m journalMetrics
}

// Open opens or creates the journal in opts.Dir. Every segment is scanned;
// a torn tail is truncated at the last valid frame before the journal
// accepts appends.
func Open(opts Options, reg *metric.Registry) (*Journal, error) {
	opts.applyDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("journal dir is empty")
	}
	if !opts.ReadOnly {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	j := &Journal{opts: opts, dir: opts.Dir}
	j.syncCond = sync.NewCond(&j.syncMu)
	j.m = journalMetrics{
		appended:      reg.Counter("journal", "appended_messages_total", "Entries appended."),
		appendedBytes: reg.Counter("journal", "appended_bytes_total", "Bytes appended including framing."),
		discarded:     reg.Counter("journal", "discarded_messages_total", "Entries refused for exceeding the max message size."),
		appendFailed:  reg.Counter("journal", "append_failures_total", "Appends that failed with an I/O error."),
		read:          reg.Counter("journal", "read_messages_total", "Entries returned to readers."),
		truncated:     reg.Counter("journal", "truncated_bytes_total", "Bytes cut from torn segment tails at startup."),
		lost:          reg.Counter("journal", "lost_messages_total", "Uncommitted entries removed by overflow retention."),
		corruptReads:  reg.Counter("journal", "corrupt_reads_total", "Frames that failed validation during reads."),
	}

	if err := j.recover(); err != nil {
		j.closeFiles()
		return nil, err
	}

	cursors, err := openCursorStore(filepath.Join(opts.Dir, cursorFileName), opts.ReadOnly)
	if err != nil {
		j.closeFiles()
		return nil, err
	}
	j.cursors = cursors

	if reg != nil {
		reg.GaugeFunc("journal", "size_bytes", "Bytes on disk across segments.", func() float64 { return float64(j.Size()) })
		reg.GaugeFunc("journal", "utilization_percent", "Size as a percentage of the max size.", j.Utilization)
		reg.GaugeFunc("journal", "uncommitted_entries", "Entries not yet committed by the slowest reader.", func() float64 {
			return float64(j.UncommittedEntries())
		})
		reg.GaugeFunc("journal", "segments", "Segment files.", func() float64 { return float64(len(j.Segments())) })
	}

	if !opts.ReadOnly {
		ctx, cancel := context.WithCancel(context.Background())
		j.cancel = cancel
		j.wg.Add(1)
		go j.cursorFlusher(ctx)
		if opts.EnableBatch {
			j.wg.Add(1)
			go j.batchFlusher(ctx)
		}
	}

	logger.Info("journal_opened",
		"dir", opts.Dir,
		"segments", len(j.segments),
		"next_offset", j.next,
		"size", humanize.IBytes(uint64(j.Size())),
	)
	return j, nil
}

func (j *Journal) recover() error {
	bases, err := listSegments(j.dir)
	if err != nil {
		return fmt.Errorf("failed to list journal segments: %w", err)
	}
	flag := os.O_RDWR
	if j.opts.ReadOnly {
		flag = os.O_RDONLY
	}
	maxLen := uint32(j.opts.MaxMessageSize) * 2

	for i, base := range bases {
		path := filepath.Join(j.dir, segmentName(base))
		f, err := os.OpenFile(path, flag, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open segment %s: %w", path, err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to stat segment %s: %w", path, err)
		}
		s := &segment{path: path, base: base, f: f, modTime: st.ModTime()}
		j.segments = append(j.segments, s)

		if err := readSegmentHeader(f); err != nil {
			// a crash right after creating the last segment can leave it
			// without a complete header
			if i == len(bases)-1 && st.Size() < segmentHeaderSize && !j.opts.ReadOnly {
				if err := f.Truncate(0); err != nil {
					return errs.Corruption("journal", "recover", err)
				}
				if err := writeSegmentHeader(f); err != nil {
					return errs.Durability("journal", "recover", err)
				}
				s.size = segmentHeaderSize
				continue
			}
			return errs.Corruption("journal", "recover", fmt.Errorf("segment %s: %w", path, err))
		}

		valid := scanSegment(s, st.Size(), maxLen)
		if valid < st.Size() {
			cut := st.Size() - valid
			logger.Warn("journal_tail_truncated", "segment", path, "valid_bytes", valid, "truncated_bytes", cut)
			j.m.truncated.Add(float64(cut))
			if !j.opts.ReadOnly {
				if err := f.Truncate(valid); err != nil {
					return errs.Durability("journal", "recover", fmt.Errorf("truncate %s: %w", path, err))
				}
				if err := f.Sync(); err != nil {
					return errs.Durability("journal", "recover", fmt.Errorf("sync %s: %w", path, err))
				}
			}
		}
	}

	if len(j.segments) == 0 {
		if j.opts.ReadOnly {
			return nil
		}
		return j.createSegment(0)
	}
	last := j.segments[len(j.segments)-1]
	j.next = last.nextOffset()
	j.synced = j.next
	return nil
}

// createSegment adds a new active segment starting at base. Callers hold mu
// (or are in Open).
func (j *Journal) createSegment(base uint64) error {
	path := filepath.Join(j.dir, segmentName(base))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.Durability("journal", "roll", err)
	}
	if err := writeSegmentHeader(f); err != nil {
		f.Close()
		return errs.Durability("journal", "roll", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.Durability("journal", "roll", err)
	}
	if err := syncDir(j.dir); err != nil {
		f.Close()
		return errs.Durability("journal", "roll", fmt.Errorf("failed to sync directory: %w", err))
	}
	s := &segment{path: path, base: base, f: f, size: segmentHeaderSize, modTime: time.Now()}

	j.segMu.Lock()
	j.segments = append(j.segments, s)
	j.next = base
	j.segMu.Unlock()

	j.syncMu.Lock()
	if j.synced < base {
		j.synced = base
	}
	j.syncMu.Unlock()
	return nil
}

// Append writes one entry and returns its offset once the entry is on disk.
func (j *Journal) Append(id, payload []byte) (uint64, error) {
	if j.opts.ReadOnly {
		return 0, ErrReadOnly
	}
	if j.closed.Load() {
		return 0, ErrClosed
	}

	flags := byte(0)
	data := payload
	if j.opts.EnableCompress && len(payload) > j.opts.CompressMinBytes {
		if c, err := compress(payload); err == nil && len(c) < len(payload) {
			data = c
			flags |= flagCompressed
		}
	}
	frameLen := int64(frameFixedSize + len(id) + len(data))
	if frameLen > j.opts.MaxMessageSize {
		j.m.discarded.Inc()
		logger.Debug("journal_message_discarded", "size", frameLen, "max", j.opts.MaxMessageSize)
		return 0, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, frameLen, j.opts.MaxMessageSize)
	}

	j.mu.Lock()
	if j.closed.Load() {
		j.mu.Unlock()
		return 0, ErrClosed
	}
	off, err := j.writeLocked(id, data, flags, frameLen)
	if err != nil {
		j.mu.Unlock()
		j.m.appendFailed.Inc()
		return 0, err
	}
	if !j.opts.EnableBatch {
		err = j.syncLocked()
		j.mu.Unlock()
		if err != nil {
			j.m.appendFailed.Inc()
			return 0, err
		}
		return off, nil
	}
	j.unsynced++
	if j.unsynced >= j.opts.BatchSize {
		err = j.syncLocked()
	}
	j.mu.Unlock()
	if err == nil {
		err = j.waitSynced(off)
	}
	if err != nil {
		j.m.appendFailed.Inc()
		return 0, err
	}
	return off, nil
}

func (j *Journal) writeLocked(id, data []byte, flags byte, frameLen int64) (uint64, error) {
	j.segMu.RLock()
	active := j.segments[len(j.segments)-1]
	size := active.size
	off := j.next
	j.segMu.RUnlock()

	if size+frameLen > j.opts.SegmentSize && active.entries > 0 {
		if err := j.syncLocked(); err != nil {
			return 0, err
		}
		if err := j.createSegment(off); err != nil {
			return 0, err
		}
		logger.Info("journal_segment_rolled", "base", off, "previous_size", humanize.IBytes(uint64(size)))
		j.segMu.RLock()
		active = j.segments[len(j.segments)-1]
		size = active.size
		j.segMu.RUnlock()
	}

	buf := bytebufferpool.Get()
	encodeFrame(buf, off, flags, id, data)
	_, err := active.f.WriteAt(buf.B, size)
	bytebufferpool.Put(buf)
	if err != nil {
		// drop whatever part of the frame landed so readers never see it
		_ = active.f.Truncate(size)
		return 0, errs.Durability("journal", "append", err)
	}

	j.segMu.Lock()
	active.track(off, size, frameLen)
	active.modTime = time.Now()
	j.next = off + 1
	j.segMu.Unlock()

	j.m.appended.Inc()
	j.m.appendedBytes.Add(float64(frameLen))
	return off, nil
}

// syncLocked fsyncs the active segment and publishes the synced offset.
// Callers hold mu.
func (j *Journal) syncLocked() error {
	j.segMu.RLock()
	active := j.segments[len(j.segments)-1]
	target := j.next
	j.segMu.RUnlock()

	err := active.f.Sync()
	j.unsynced = 0

	j.syncMu.Lock()
	if err != nil {
		j.syncErr = errs.Durability("journal", "fsync", err)
	} else {
		j.syncErr = nil
		if target > j.synced {
			j.synced = target
		}
	}
	j.syncCond.Broadcast()
	j.syncMu.Unlock()
	return err
}

func (j *Journal) waitSynced(off uint64) error {
	j.syncMu.Lock()
	defer j.syncMu.Unlock()
	for j.synced <= off {
		if j.syncErr != nil {
			return j.syncErr
		}
		if j.final {
			return ErrClosed
		}
		j.syncCond.Wait()
	}
	return nil
}

func (j *Journal) batchFlusher(ctx context.Context) {
	defer j.wg.Done()
	t := time.NewTicker(j.opts.BatchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			j.mu.Lock()
			if j.unsynced > 0 {
				if err := j.syncLocked(); err != nil {
					logger.Error("journal_batch_sync_failed", "error", err)
				}
			}
			j.mu.Unlock()
		}
	}
}

// Read returns up to maxEntries entries starting at the first offset >= from,
// stopping early once maxBytes of id+payload have been collected. At least one
// entry is returned when one is available. A from below the log start reads
// from the start. A frame that fails validation ends the read: entries before
// it are returned, and a read that starts at it fails with ErrCorruptEntry.
func (j *Journal) Read(from uint64, maxEntries int, maxBytes int64) ([]Entry, error) {
	if maxEntries <= 0 {
		return nil, nil
	}
	j.segMu.RLock()
	defer j.segMu.RUnlock()
	if len(j.segments) == 0 {
		return nil, nil
	}
	if start := j.segments[0].base; from < start {
		from = start
	}

	i := len(j.segments) - 1
	for i > 0 && j.segments[i].base > from {
		i--
	}

	maxLen := uint32(j.opts.MaxMessageSize) * 2
	var out []Entry
	var bytesRead int64
	for ; i < len(j.segments); i++ {
		s := j.segments[i]
		if s.entries == 0 || s.last < from {
			continue
		}
		pos := s.positionFor(from)
		for pos < s.size {
			e, flags, next, err := readFrameAt(s.f, pos, s.size, maxLen)
			if err != nil {
				j.m.corruptReads.Inc()
				logger.Error("journal_read_corrupt_frame", "segment", s.path, "pos", pos, "error", err)
				return j.corruptRead(out, fmt.Errorf("%w: segment %s at %d: %v", ErrCorruptEntry, s.path, pos, err))
			}
			pos = next
			if e.Offset < from {
				continue
			}
			if flags&flagCompressed != 0 {
				p, err := decompress(e.Payload)
				if err != nil {
					j.m.corruptReads.Inc()
					logger.Error("journal_read_decompress_failed", "offset", e.Offset, "error", err)
					return j.corruptRead(out, fmt.Errorf("%w: offset %d: %v", ErrCorruptEntry, e.Offset, err))
				}
				e.Payload = p
			}
			n := int64(len(e.ID) + len(e.Payload))
			if len(out) > 0 && maxBytes > 0 && bytesRead+n > maxBytes {
				j.m.read.Add(float64(len(out)))
				return out, nil
			}
			out = append(out, e)
			bytesRead += n
			if len(out) >= maxEntries {
				j.m.read.Add(float64(len(out)))
				return out, nil
			}
		}
	}
	j.m.read.Add(float64(len(out)))
	return out, nil
}

// corruptRead hands back what was read before a bad frame, or the error when
// nothing was.
func (j *Journal) corruptRead(out []Entry, err error) ([]Entry, error) {
	if len(out) > 0 {
		j.m.read.Add(float64(len(out)))
		return out, nil
	}
	return nil, errs.Corruption("journal", "read", err)
}

// Flush syncs the active segment and writes the cursor file.
func (j *Journal) Flush() error {
	if j.opts.ReadOnly {
		return nil
	}
	j.mu.Lock()
	err := j.syncLocked()
	j.mu.Unlock()
	if err != nil {
		return err
	}
	return j.cursors.flush()
}

// NextOffset is the offset the next Append will get.
func (j *Journal) NextOffset() uint64 {
	j.segMu.RLock()
	defer j.segMu.RUnlock()
	return j.next
}

// LogStartOffset is the lowest offset still on disk.
func (j *Journal) LogStartOffset() uint64 {
	j.segMu.RLock()
	defer j.segMu.RUnlock()
	if len(j.segments) == 0 {
		return 0
	}
	return j.segments[0].base
}

// Size is the total bytes across segment files.
func (j *Journal) Size() int64 {
	j.segMu.RLock()
	defer j.segMu.RUnlock()
	var n int64
	for _, s := range j.segments {
		n += s.size
	}
	return n
}

// Utilization is Size as a percentage of MaxSize, or 0 when unbounded.
func (j *Journal) Utilization() float64 {
	if j.opts.MaxSize <= 0 {
		return 0
	}
	return float64(j.Size()) * 100 / float64(j.opts.MaxSize)
}

// UncommittedEntries counts entries past the slowest registered reader.
func (j *Journal) UncommittedEntries() uint64 {
	next := j.NextOffset()
	low, ok := j.cursors.min()
	if !ok {
		low = j.LogStartOffset()
	}
	if low >= next {
		return 0
	}
	return next - low
}

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	Path    string    `json:"path"`
	Base    uint64    `json:"base_offset"`
	Last    uint64    `json:"last_offset"`
	Entries int64     `json:"entries"`
	Size    int64     `json:"size_bytes"`
	ModTime time.Time `json:"mod_time"`
}

func (j *Journal) Segments() []SegmentInfo {
	j.segMu.RLock()
	defer j.segMu.RUnlock()
	out := make([]SegmentInfo, 0, len(j.segments))
	for _, s := range j.segments {
		out = append(out, SegmentInfo{Path: s.path, Base: s.base, Last: s.last, Entries: s.entries, Size: s.size, ModTime: s.modTime})
	}
	return out
}

func (j *Journal) Dir() string { return j.dir }

func (j *Journal) MaxSize() int64 { return j.opts.MaxSize }

// Close flushes pending data and cursors and closes every segment.
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return nil
	}
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()

	var firstErr error
	if !j.opts.ReadOnly {
		j.mu.Lock()
		if err := j.syncLocked(); err != nil {
			firstErr = err
		}
		j.mu.Unlock()
		if err := j.cursors.flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// wake appenders blocked in waitSynced
	j.syncMu.Lock()
	j.final = true
	j.syncCond.Broadcast()
	j.syncMu.Unlock()

	if err := j.closeFiles(); err != nil && firstErr == nil {
		firstErr = err
	}
	logger.Info("journal_closed", "dir", j.dir, "next_offset", j.NextOffset())
	return firstErr
}

func (j *Journal) closeFiles() error {
	j.segMu.RLock()
	defer j.segMu.RUnlock()
	var firstErr error
	for _, s := range j.segments {
		if err := s.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close segment %s: %w", s.path, err)
		}
	}
	return firstErr
}
