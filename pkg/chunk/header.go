package chunk

import (
	"encoding/hex"
	"errors"
	"fmt"

	"logpipe/pkg/errs"
)

const (
	// HeaderSize is magic(2) + id(8) + seq(1) + count(1).
	HeaderSize = 12

	magic0 = 0x1e
	magic1 = 0x0f
)

var (
	ErrShortChunk      = errors.New("chunk shorter than header")
	ErrBadMagic        = errors.New("chunk magic bytes missing")
	ErrInvalidCount    = errors.New("chunk sequence count is zero")
	ErrInvalidSequence = errors.New("chunk sequence number out of range")
	ErrTooManyChunks   = errors.New("chunk sequence count above limit")
	ErrCountMismatch   = errors.New("chunk sequence count differs from its group")
)

// Header is the decoded fixed part of a chunk.
type Header struct {
	ID    string
	Seq   int
	Count int
}

// IsChunked reports whether b starts with the chunk magic bytes.
func IsChunked(b []byte) bool {
	return len(b) >= 2 && b[0] == magic0 && b[1] == magic1
}

// ParseHeader validates and decodes the chunk header. maxChunks <= 0 means
// no upper bound beyond the byte range.
func ParseHeader(b []byte, maxChunks int) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errs.Protocol("chunk", "parse", fmt.Errorf("%w: %d bytes", ErrShortChunk, len(b)))
	}
	if !IsChunked(b) {
		return Header{}, errs.Protocol("chunk", "parse", ErrBadMagic)
	}
	h := Header{
		ID:    hex.EncodeToString(b[2:10]),
		Seq:   int(b[10]),
		Count: int(b[11]),
	}
	if h.Count == 0 {
		return Header{}, errs.Protocol("chunk", "parse", ErrInvalidCount)
	}
	if maxChunks > 0 && h.Count > maxChunks {
		return Header{}, errs.Protocol("chunk", "parse", fmt.Errorf("%w: %d > %d", ErrTooManyChunks, h.Count, maxChunks))
	}
	if h.Seq >= h.Count {
		return Header{}, errs.Protocol("chunk", "parse", fmt.Errorf("%w: %d/%d", ErrInvalidSequence, h.Seq, h.Count))
	}
	return h, nil
}

// Build renders one chunk. It exists for senders and tests.
func Build(id [8]byte, seq, count int, fragment []byte) []byte {
	out := make([]byte, HeaderSize+len(fragment))
	out[0], out[1] = magic0, magic1
	copy(out[2:10], id[:])
	out[10] = byte(seq)
	out[11] = byte(count)
	copy(out[HeaderSize:], fragment)
	return out
}

// Split cuts payload into chunks carrying at most size fragment bytes each.
func Split(id [8]byte, payload []byte, size int) [][]byte {
	if size <= 0 {
		size = len(payload)
	}
	n := (len(payload) + size - 1) / size
	if n == 0 {
		n = 1
	}
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		lo := i * size
		hi := lo + size
		if hi > len(payload) {
			hi = len(payload)
		}
		out = append(out, Build(id, i, n, payload[lo:hi]))
	}
	return out
}
