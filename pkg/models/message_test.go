package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFieldRefusesReserved(t *testing.T) {
	m := NewMessage("hello", "web-1", time.Now())
	assert.False(t, m.AddField(FieldID, "x"))
	assert.False(t, m.AddField(FieldRemoteIP, "1.2.3.4"))
	assert.False(t, m.AddField("bad key!", "x"))
	assert.False(t, m.AddField("nil_value", nil))
	assert.True(t, m.AddField("user", " alice "))

	v, ok := m.Field("user")
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	assert.True(t, m.AddField(FieldSource, "web-2"))
	assert.Equal(t, "web-2", m.Source())
	assert.Equal(t, 1, len(m.Fields()))
}

func TestInternalFieldsOnlyViaSetter(t *testing.T) {
	m := NewMessage("hello", "web-1", time.Now())
	m.SetInternalField("not_internal", "x")
	m.SetInternalField(FieldRemoteIP, "10.0.0.1")
	_, ok := m.Field("not_internal")
	assert.False(t, ok)
	v, _ := m.Field(FieldRemoteIP)
	assert.Equal(t, "10.0.0.1", v)
}

func TestMarshalJSON(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	m := NewMessage("hello", "web-1", ts)
	m.AddField("count", 3)
	b, err := json.Marshal(m)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, m.ID, doc[FieldID])
	assert.Equal(t, "hello", doc[FieldMessage])
	assert.Equal(t, "2024-05-01T10:00:00Z", doc[FieldTimestamp])
	assert.Equal(t, 3.0, doc["count"])
}

func TestRawEnvelope(t *testing.T) {
	r := NewRawMessage("gelf", "udp-1", []byte(`{"short_message":"x"}`))
	r.RemoteIP = "192.168.1.5"
	r.RemotePort = 51234

	b, err := EncodeRaw(r)
	require.NoError(t, err)
	got, err := DecodeRaw(r.ID[:], b, 42)
	require.NoError(t, err)

	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, r.Payload, got.Payload)
	assert.Equal(t, "gelf", got.Codec)
	assert.Equal(t, "udp-1", got.InputID)
	assert.Equal(t, "192.168.1.5", got.RemoteIP)
	assert.Equal(t, 51234, got.RemotePort)
	assert.Equal(t, uint64(42), got.JournalOffset)
	assert.True(t, r.ReceivedAt.Equal(got.ReceivedAt))

	_, err = DecodeRaw(nil, []byte{9, 9}, 0)
	assert.ErrorIs(t, err, ErrBadEnvelope)
}
