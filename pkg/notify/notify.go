// Package notify keeps system notifications that need operator attention.
// A notification is identified by its type; publishing a type that is
// already active is a no-op until it is fixed.
package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
)

type Type string

const (
	TypeJournalInsufficientDiskSpace Type = "JOURNAL_INSUFFICIENT_DISK_SPACE"
	TypeJournalUtilizationTooHigh    Type = "JOURNAL_UTILIZATION_TOO_HIGH"
	TypeJournalAppendFailing         Type = "JOURNAL_APPEND_FAILING"
)

type Severity string

const (
	SeverityNormal Severity = "NORMAL"
	SeverityUrgent Severity = "URGENT"
)

// Notification is one active notification.
type Notification struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Node      string         `json:"node,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Persister stores notifications across restarts. store.Store satisfies it.
type Persister interface {
	SaveKey(key string, value []byte) error
	DeleteKey(key string) error
	ListPrefix(prefix string) (map[string][]byte, error)
}

const keyPrefix = "notification:"

// Service holds active notifications, optionally persisted.
type Service struct {
	node string
	p    Persister

	mu     sync.Mutex
	active map[Type]Notification
}

// New loads persisted notifications from p (nil keeps them in memory only).
func New(node string, p Persister, reg *metric.Registry) (*Service, error) {
	s := &Service{node: node, p: p, active: make(map[Type]Notification)}
	if p != nil {
		stored, err := p.ListPrefix(keyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to load notifications: %w", err)
		}
		for k, v := range stored {
			var n Notification
			if err := json.Unmarshal(v, &n); err != nil {
				logger.Warn("notification_invalid", "key", k, "error", err)
				continue
			}
			s.active[n.Type] = n
		}
	}
	reg.GaugeFunc("notify", "active", "Active notifications.", func() float64 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return float64(len(s.active))
	})
	return s, nil
}

// PublishIfFirst records a notification of typ unless one is already
// active. It reports whether a new notification was created.
func (s *Service) PublishIfFirst(typ Type, sev Severity, details map[string]any) bool {
	s.mu.Lock()
	if _, ok := s.active[typ]; ok {
		s.mu.Unlock()
		return false
	}
	n := Notification{
		ID:        uuid.NewString(),
		Type:      typ,
		Severity:  sev,
		Timestamp: time.Now().UTC(),
		Node:      s.node,
		Details:   details,
	}
	s.active[typ] = n
	s.mu.Unlock()

	if s.p != nil {
		b, err := json.Marshal(n)
		if err == nil {
			err = s.p.SaveKey(keyPrefix+string(typ), b)
		}
		if err != nil {
			logger.Error("notification_persist_failed", "type", typ, "error", err)
		}
	}
	logger.Warn("notification_published", "type", typ, "severity", sev, "details", details)
	return true
}

// Fixed clears typ. It reports whether a notification was active.
func (s *Service) Fixed(typ Type) bool {
	s.mu.Lock()
	_, ok := s.active[typ]
	delete(s.active, typ)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if s.p != nil {
		if err := s.p.DeleteKey(keyPrefix + string(typ)); err != nil {
			logger.Error("notification_delete_failed", "type", typ, "error", err)
		}
	}
	logger.Info("notification_fixed", "type", typ)
	return true
}

func (s *Service) IsActive(typ Type) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[typ]
	return ok
}

// All returns active notifications, oldest first.
func (s *Service) All() []Notification {
	s.mu.Lock()
	out := make([]Notification, 0, len(s.active))
	for _, n := range s.active {
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Type < out[j].Type
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ParseType accepts a type name in any case.
func ParseType(s string) Type { return Type(strings.ToUpper(strings.TrimSpace(s))) }
