package models

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
)

const rawEnvelopeVersion = 1

var ErrBadEnvelope = errors.New("models: malformed raw message envelope")

// RawMessage is a received payload plus transport metadata. It is written to
// the journal as-is and decoded into a Message by the process stage.
type RawMessage struct {
	ID         uuid.UUID
	Payload    []byte
	Codec      string
	InputID    string
	RemoteIP   string
	RemotePort int
	ReceivedAt time.Time

	// JournalOffset is set once the message has been read back from the journal.
	JournalOffset uint64
}

// NewRawMessage stamps a payload with a fresh id and the receipt time.
func NewRawMessage(codec, inputID string, payload []byte) *RawMessage {
	return &RawMessage{
		ID:         uuid.New(),
		Payload:    payload,
		Codec:      codec,
		InputID:    inputID,
		ReceivedAt: time.Now().UTC(),
	}
}

// EncodeRaw serializes the envelope:
// version u8 | receivedAt i64 | port u16 | codec, input, ip as (u8 len, bytes) | payload.
func EncodeRaw(r *RawMessage) ([]byte, error) {
	for _, s := range []string{r.Codec, r.InputID, r.RemoteIP} {
		if len(s) > 255 {
			return nil, fmt.Errorf("models: envelope string too long (%d)", len(s))
		}
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	var hdr [11]byte
	hdr[0] = rawEnvelopeVersion
	binary.BigEndian.PutUint64(hdr[1:9], uint64(r.ReceivedAt.UnixNano()))
	binary.BigEndian.PutUint16(hdr[9:11], uint16(r.RemotePort))
	_, _ = buf.Write(hdr[:])
	for _, s := range []string{r.Codec, r.InputID, r.RemoteIP} {
		_ = buf.WriteByte(byte(len(s)))
		_, _ = buf.WriteString(s)
	}
	_, _ = buf.Write(r.Payload)

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}

// DecodeRaw is the inverse of EncodeRaw. id is the journal entry id.
func DecodeRaw(id, b []byte, offset uint64) (*RawMessage, error) {
	if len(b) < 11 || b[0] != rawEnvelopeVersion {
		return nil, ErrBadEnvelope
	}
	r := &RawMessage{JournalOffset: offset}
	if len(id) == 16 {
		copy(r.ID[:], id)
	}
	r.ReceivedAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[1:9]))).UTC()
	r.RemotePort = int(binary.BigEndian.Uint16(b[9:11]))
	pos := 11
	var strs [3]string
	for i := range strs {
		if pos >= len(b) {
			return nil, ErrBadEnvelope
		}
		n := int(b[pos])
		pos++
		if pos+n > len(b) {
			return nil, ErrBadEnvelope
		}
		strs[i] = string(b[pos : pos+n])
		pos += n
	}
	r.Codec, r.InputID, r.RemoteIP = strs[0], strs[1], strs[2]
	r.Payload = b[pos:]
	return r, nil
}
