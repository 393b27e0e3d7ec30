package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reserved and internal field names.
const (
	FieldID          = "_id"
	FieldMessage     = "message"
	FieldSource      = "source"
	FieldTimestamp   = "timestamp"
	FieldFullMessage = "full_message"
	FieldLevel       = "level"
	FieldStreams     = "streams"

	InternalPrefix       = "gl2_"
	FieldRemoteIP        = "gl2_remote_ip"
	FieldRemotePort      = "gl2_remote_port"
	FieldSourceInput     = "gl2_source_input"
	FieldSourceNode      = "gl2_source_node"
	FieldReceiveTime     = "gl2_receive_timestamp"
	FieldProcessingError = "gl2_processing_error"
	FieldMessageID       = "gl2_message_id"
)

var reservedFields = map[string]struct{}{
	FieldID:              {},
	FieldMessage:         {},
	FieldSource:          {},
	FieldTimestamp:       {},
	FieldStreams:         {},
	FieldMessageID:       {},
	FieldReceiveTime:     {},
	FieldSourceInput:     {},
	FieldSourceNode:      {},
	FieldRemoteIP:        {},
	FieldRemotePort:      {},
	FieldProcessingError: {},
}

var validKey = regexp.MustCompile(`^[\w.\-@]+$`)

// IsReservedField reports whether user data may not write key.
func IsReservedField(key string) bool {
	_, ok := reservedFields[key]
	return ok
}

// Message is a decoded log event. Filters may mutate it concurrently with
// readers such as the management API, so field access is guarded.
type Message struct {
	ID string

	mu        sync.RWMutex
	message   string
	source    string
	timestamp time.Time
	fields    map[string]any

	JournalOffset uint64
	ReceiveTime   time.Time
}

// NewMessage builds a message with a fresh id.
func NewMessage(message, source string, ts time.Time) *Message {
	return &Message{
		ID:        uuid.NewString(),
		message:   message,
		source:    source,
		timestamp: ts.UTC(),
		fields:    make(map[string]any),
	}
}

func (m *Message) Message() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.message
}

func (m *Message) Source() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.source
}

func (m *Message) SetSource(s string) {
	m.mu.Lock()
	m.source = s
	m.mu.Unlock()
}

func (m *Message) SetMessage(s string) {
	m.mu.Lock()
	m.message = s
	m.mu.Unlock()
}

func (m *Message) Timestamp() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timestamp
}

// IsComplete reports whether the message has the fields the indexer needs.
func (m *Message) IsComplete() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.message != "" && m.source != ""
}

// AddField stores a user field. Reserved names, invalid keys and nil values
// are refused and AddField returns false. message, source and timestamp are
// routed to their typed slots.
func (m *Message) AddField(key string, value any) bool {
	key = strings.TrimSpace(key)
	if value == nil || !validKey.MatchString(key) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch key {
	case FieldMessage:
		if s, ok := value.(string); ok {
			m.message = s
			return true
		}
		return false
	case FieldSource:
		if s, ok := value.(string); ok {
			m.source = s
			return true
		}
		return false
	case FieldTimestamp:
		if ts, ok := value.(time.Time); ok {
			m.timestamp = ts.UTC()
			return true
		}
		return false
	}
	if IsReservedField(key) {
		return false
	}
	if s, ok := value.(string); ok {
		value = strings.TrimSpace(s)
	}
	m.fields[key] = value
	return true
}

// SetInternalField writes a gl2_ field. Only the pipeline calls it.
func (m *Message) SetInternalField(key string, value any) {
	if !strings.HasPrefix(key, InternalPrefix) || value == nil {
		return
	}
	m.mu.Lock()
	m.fields[key] = value
	m.mu.Unlock()
}

func (m *Message) Field(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch key {
	case FieldID:
		return m.ID, true
	case FieldMessage:
		return m.message, true
	case FieldSource:
		return m.source, true
	case FieldTimestamp:
		return m.timestamp, true
	}
	v, ok := m.fields[key]
	return v, ok
}

func (m *Message) RemoveField(key string) {
	if IsReservedField(key) && !strings.HasPrefix(key, InternalPrefix) {
		return
	}
	m.mu.Lock()
	delete(m.fields, key)
	m.mu.Unlock()
}

// Fields returns a copy of the open field map.
func (m *Message) Fields() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]any, len(m.fields))
	for k, v := range m.fields {
		out[k] = v
	}
	return out
}

// Size is a rough byte estimate used for traffic accounting.
func (m *Message) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.message) + len(m.source) + 8
	for k, v := range m.fields {
		n += len(k)
		switch t := v.(type) {
		case string:
			n += len(t)
		default:
			n += 8
		}
	}
	return n
}

// MarshalJSON renders the indexed document.
func (m *Message) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc := make(map[string]any, len(m.fields)+4)
	for k, v := range m.fields {
		doc[k] = v
	}
	doc[FieldID] = m.ID
	doc[FieldMessage] = m.message
	doc[FieldSource] = m.source
	doc[FieldTimestamp] = m.timestamp.Format(time.RFC3339Nano)
	return json.Marshal(doc)
}

func (m *Message) String() string {
	return fmt.Sprintf("source: %s | message: %s { _id: %s }", m.Source(), m.Message(), m.ID)
}
