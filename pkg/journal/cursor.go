package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"logpipe/pkg/logger"
)

const cursorFileName = "cursors.json"

type cursorFile struct {
	Version int               `json:"version"`
	Readers map[string]uint64 `json:"readers"`
}

// cursorStore holds the committed position of each reader. A position is the
// next offset the reader wants; every entry below it has been delivered.
type cursorStore struct {
	path     string
	readOnly bool

	mu      sync.RWMutex
	readers map[string]*atomic.Uint64
	dirty   atomic.Bool
	// serializes writers of the file
	flushMu sync.Mutex
}

func openCursorStore(path string, readOnly bool) (*cursorStore, error) {
	cs := &cursorStore{path: path, readOnly: readOnly, readers: make(map[string]*atomic.Uint64)}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor file: %w", err)
	}
	var cf cursorFile
	if err := json.Unmarshal(b, &cf); err != nil {
		// cursors only ever move forward, so starting from zero re-delivers
		// rather than skips
		logger.Error("journal_cursor_file_invalid", "path", path, "error", err)
		return cs, nil
	}
	for name, off := range cf.Readers {
		v := &atomic.Uint64{}
		v.Store(off)
		cs.readers[name] = v
	}
	return cs, nil
}

func (cs *cursorStore) get(name string) (*atomic.Uint64, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.readers[name]
	return v, ok
}

func (cs *cursorStore) register(name string, start uint64) uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if v, ok := cs.readers[name]; ok {
		return v.Load()
	}
	v := &atomic.Uint64{}
	v.Store(start)
	cs.readers[name] = v
	cs.dirty.Store(true)
	return start
}

func (cs *cursorStore) min() (uint64, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if len(cs.readers) == 0 {
		return 0, false
	}
	var low uint64 = ^uint64(0)
	for _, v := range cs.readers {
		if o := v.Load(); o < low {
			low = o
		}
	}
	return low, true
}

func (cs *cursorStore) snapshot() map[string]uint64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]uint64, len(cs.readers))
	for name, v := range cs.readers {
		out[name] = v.Load()
	}
	return out
}

// flush writes the cursor file via a temp file and rename.
func (cs *cursorStore) flush() error {
	if cs.readOnly || !cs.dirty.Swap(false) {
		return nil
	}
	cs.flushMu.Lock()
	defer cs.flushMu.Unlock()

	b, err := json.MarshalIndent(cursorFile{Version: 1, Readers: cs.snapshot()}, "", "  ")
	if err != nil {
		cs.dirty.Store(true)
		return err
	}
	tmp := cs.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		cs.dirty.Store(true)
		return fmt.Errorf("failed to create cursor temp file: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		cs.dirty.Store(true)
		return fmt.Errorf("failed to write cursor file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		cs.dirty.Store(true)
		return fmt.Errorf("failed to sync cursor file: %w", err)
	}
	if err := f.Close(); err != nil {
		cs.dirty.Store(true)
		return err
	}
	if err := os.Rename(tmp, cs.path); err != nil {
		cs.dirty.Store(true)
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}
	return syncDir(filepath.Dir(cs.path))
}

// RegisterReader adds a named reader and returns its committed position. A
// reader seen before resumes where it left off; a new one starts at the log
// start.
func (j *Journal) RegisterReader(name string) uint64 {
	start := j.LogStartOffset()
	pos := j.cursors.register(name, start)
	if pos < start {
		// retention has dropped entries this reader never committed
		logger.Warn("journal_reader_behind_log_start", "reader", name, "committed", pos, "log_start", start)
		return start
	}
	return pos
}

// Commit advances reader's position to next. Positions never move backwards
// and never pass the journal's next offset.
func (j *Journal) Commit(reader string, next uint64) error {
	v, ok := j.cursors.get(reader)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownReader, reader)
	}
	if limit := j.NextOffset(); next > limit {
		next = limit
	}
	for {
		cur := v.Load()
		if next <= cur {
			return nil
		}
		if v.CompareAndSwap(cur, next) {
			j.cursors.dirty.Store(true)
			return nil
		}
	}
}

// CommittedOffset returns reader's position.
func (j *Journal) CommittedOffset(reader string) (uint64, bool) {
	v, ok := j.cursors.get(reader)
	if !ok {
		return 0, false
	}
	return v.Load(), true
}

// Readers returns every reader's committed position.
func (j *Journal) Readers() map[string]uint64 {
	return j.cursors.snapshot()
}

func (j *Journal) cursorFlusher(ctx context.Context) {
	defer j.wg.Done()
	t := time.NewTicker(j.opts.CursorFlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := j.cursors.flush(); err != nil {
				logger.Error("journal_cursor_flush_failed", "error", err)
			}
		}
	}
}

func sortedReaders(m map[string]uint64) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
