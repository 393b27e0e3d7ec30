// Package store is the pebble-backed message index the output stage writes
// to. It also keeps small pieces of node state such as notifications.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
)

const (
	keyActiveIndex = "meta:active_index"
	prefixIndex    = "idx:"
	indexPrefix    = "logpipe_"
)

var (
	ErrNotOpen  = errors.New("store is not open")
	ErrNotFound = errors.New("key not found")
)

// Indexer receives processed messages from the output stage.
type Indexer interface {
	Write(ctx context.Context, msgs []*models.Message) error
}

// Store wraps one pebble database.
type Store struct {
	path string
	db   *pebble.DB

	mu     sync.RWMutex
	active string

	// seq keeps keys unique when messages share a timestamp
	seq atomic.Uint64

	written      prometheus.Counter
	writeBatches prometheus.Counter
	writeErrors  prometheus.Counter
	cycles       prometheus.Counter
}

// Open opens or creates the database at path.
func Open(path string, reg *metric.Registry) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	s := &Store{
		path:         path,
		db:           db,
		written:      reg.Counter("store", "messages_written_total", "Messages written to the index."),
		writeBatches: reg.Counter("store", "write_batches_total", "Batches committed."),
		writeErrors:  reg.Counter("store", "write_errors_total", "Batches that failed to commit."),
		cycles:       reg.Counter("store", "index_cycles_total", "Active index cycles."),
	}
	active, err := s.loadActive()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.active = active
	s.registerMetrics(reg)
	logger.Info("pebble_opened", "path", path, "active_index", active)
	return s, nil
}

func (s *Store) loadActive() (string, error) {
	v, closer, err := s.db.Get([]byte(keyActiveIndex))
	if errors.Is(err, pebble.ErrNotFound) {
		name := indexPrefix + "0"
		if err := s.db.Set([]byte(keyActiveIndex), []byte(name), pebble.Sync); err != nil {
			return "", fmt.Errorf("failed to initialise active index: %w", err)
		}
		return name, nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("pebble_closed", "path", s.path)
	return nil
}

func (s *Store) Ready() bool { return s != nil && s.db != nil }

func (s *Store) ActiveIndex() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func messageKey(index string, m *models.Message, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d-%06d:%s", prefixIndex, index, m.Timestamp().UnixNano(), seq%1000000, m.ID))
}

// Write stores msgs in the active index as one synced batch.
func (s *Store) Write(ctx context.Context, msgs []*models.Message) error {
	if !s.Ready() {
		return ErrNotOpen
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	index := s.ActiveIndex()
	b := s.db.NewBatch()
	defer b.Close()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal message %s: %w", m.ID, err)
		}
		if err := b.Set(messageKey(index, m, s.seq.Add(1)), data, nil); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		s.writeErrors.Inc()
		logger.Error("store_write_failed", "index", index, "messages", len(msgs), "error", err)
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	s.written.Add(float64(len(msgs)))
	s.writeBatches.Inc()
	return nil
}

// CycleIndex makes a new, empty index active and returns its name.
// Messages already written stay in the previous index.
func (s *Store) CycleIndex() (string, error) {
	if !s.Ready() {
		return "", ErrNotOpen
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := strconv.Atoi(strings.TrimPrefix(s.active, indexPrefix))
	if err != nil {
		return "", fmt.Errorf("unexpected active index name %q", s.active)
	}
	next := indexPrefix + strconv.Itoa(n+1)
	if err := s.db.Set([]byte(keyActiveIndex), []byte(next), pebble.Sync); err != nil {
		return "", err
	}
	logger.Info("index_cycled", "previous", s.active, "active", next)
	s.active = next
	s.cycles.Inc()
	return next, nil
}

// Count returns the number of messages in index.
func (s *Store) Count(index string) (int, error) {
	n := 0
	err := s.scan([]byte(prefixIndex+index+":"), func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// Recent returns up to limit messages from index, newest first.
func (s *Store) Recent(index string, limit int) ([]json.RawMessage, error) {
	if !s.Ready() {
		return nil, ErrNotOpen
	}
	prefix := []byte(prefixIndex + index + ":")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []json.RawMessage
	for iter.Last(); iter.Valid(); iter.Prev() {
		out = append(out, append(json.RawMessage(nil), iter.Value()...))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// Indices lists every index that holds at least one message plus the active one.
func (s *Store) Indices() ([]string, error) {
	seen := map[string]bool{s.ActiveIndex(): true}
	out := []string{s.ActiveIndex()}
	err := s.scan([]byte(prefixIndex), func(k, _ []byte) bool {
		rest := strings.TrimPrefix(string(k), prefixIndex)
		if i := strings.IndexByte(rest, ':'); i > 0 && !seen[rest[:i]] {
			seen[rest[:i]] = true
			out = append(out, rest[:i])
		}
		return true
	})
	return out, err
}

// SaveKey stores a value under key.
func (s *Store) SaveKey(key string, value []byte) error {
	if !s.Ready() {
		return ErrNotOpen
	}
	return s.db.Set([]byte(key), value, pebble.Sync)
}

// GetKey returns a copy of the value stored under key.
func (s *Store) GetKey(key string) ([]byte, error) {
	if !s.Ready() {
		return nil, ErrNotOpen
	}
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (s *Store) DeleteKey(key string) error {
	if !s.Ready() {
		return ErrNotOpen
	}
	return s.db.Delete([]byte(key), pebble.Sync)
}

// ListPrefix returns copies of every key/value under prefix in key order.
func (s *Store) ListPrefix(prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.scan([]byte(prefix), func(k, v []byte) bool {
		out[string(k)] = append([]byte(nil), v...)
		return true
	})
	return out, err
}

func (s *Store) scan(prefix []byte, fn func(k, v []byte) bool) error {
	if !s.Ready() {
		return ErrNotOpen
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
