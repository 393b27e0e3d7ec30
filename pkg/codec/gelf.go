package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"logpipe/pkg/errs"
	"logpipe/pkg/logger"
	"logpipe/pkg/models"
)

const (
	GELFName = "gelf"

	DefaultDecompressSizeLimit = 8 << 20
)

var (
	ErrInvalidJSON      = errors.New("invalid GELF JSON")
	ErrMissingMessage   = errors.New(`missing mandatory "short_message" or "message" field`)
	ErrInvalidHost      = errors.New(`invalid "host" field`)
	ErrDecompressLimit  = errors.New("decompressed payload exceeds size limit")
	ErrUnsupportedFrame = errors.New("payload is chunked; reassemble before decoding")
)

// Options configure the built-in codecs.
type Options struct {
	DecompressSizeLimit int64
}

// GELF decodes GELF 1.1 JSON, plain or zlib/gzip compressed.
type GELF struct {
	limit int64
}

func NewGELF(opts Options) *GELF {
	if opts.DecompressSizeLimit <= 0 {
		opts.DecompressSizeLimit = DefaultDecompressSizeLimit
	}
	return &GELF{limit: opts.DecompressSizeLimit}
}

func (g *GELF) Name() string { return GELFName }

// payload type by magic bytes
func (g *GELF) inflate(b []byte) ([]byte, error) {
	switch {
	case len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b:
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return g.readLimited(r)
	case len(b) >= 2 && b[0] == 0x78 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0:
		r, err := zlib.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return g.readLimited(r)
	case len(b) >= 2 && b[0] == 0x1e && b[1] == 0x0f:
		return nil, ErrUnsupportedFrame
	default:
		return b, nil
	}
}

func (g *GELF) readLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, g.limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > g.limit {
		return nil, fmt.Errorf("%w: > %d bytes", ErrDecompressLimit, g.limit)
	}
	return out, nil
}

func (g *GELF) Decode(raw *models.RawMessage) (*models.Message, error) {
	data, err := g.inflate(raw.Payload)
	if err != nil {
		return nil, errs.Protocol("gelf", "decompress", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var node map[string]any
	if err := dec.Decode(&node); err != nil {
		return nil, errs.Protocol("gelf", "decode", fmt.Errorf("%w: %v", ErrInvalidJSON, err))
	}
	if node == nil {
		return nil, errs.Protocol("gelf", "decode", ErrInvalidJSON)
	}

	if err := validate(node, raw); err != nil {
		return nil, errs.Protocol("gelf", "validate", err)
	}

	ts := raw.ReceivedAt
	if t, ok := timestampValue(node["timestamp"]); ok {
		ts = t
	}
	text, _ := node["short_message"].(string)
	if strings.TrimSpace(text) == "" {
		text, _ = node["message"].(string)
	}
	host, _ := node["host"].(string)
	msg := models.NewMessage(text, host, ts)

	if s, ok := node["full_message"].(string); ok {
		msg.AddField(models.FieldFullMessage, s)
	}
	if s, ok := node["file"].(string); ok && s != "" {
		msg.AddField("file", s)
	}
	if n, ok := intValue(node["line"]); ok && n > -1 {
		msg.AddField("line", n)
	}
	if n, ok := intValue(node["level"]); ok && n > -1 {
		msg.AddField(models.FieldLevel, n)
	}
	if s, ok := node["facility"].(string); ok && s != "" {
		msg.AddField("facility", s)
	}

	for key, value := range node {
		switch key {
		case "version", "short_message", "host", "message", "timestamp",
			"full_message", "file", "line", "level", "facility":
			continue
		}
		if strings.HasPrefix(key, "_") && len(key) > 1 {
			key = key[1:]
		}
		if _, set := msg.Field(key); set || models.IsReservedField(key) {
			continue
		}
		v, ok := fieldValue(value)
		if !ok {
			logger.Debug("gelf_field_skipped", "field", key, "message_id", raw.ID)
			continue
		}
		msg.AddField(key, v)
	}
	return msg, nil
}

func validate(node map[string]any, raw *models.RawMessage) error {
	if h, present := node["host"]; !present {
		logger.Debug("gelf_missing_host", "raw_id", raw.ID, "remote", raw.RemoteIP)
	} else {
		s, ok := h.(string)
		if !ok {
			return fmt.Errorf("%w: %v", ErrInvalidHost, h)
		}
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: empty", ErrInvalidHost)
		}
	}

	sm, hasShort := node["short_message"]
	m, hasMsg := node["message"]
	ms, _ := m.(string)
	switch {
	case hasShort:
		s, ok := sm.(string)
		if !ok {
			return fmt.Errorf(`invalid "short_message": %v`, sm)
		}
		if strings.TrimSpace(s) == "" && strings.TrimSpace(ms) == "" {
			return ErrMissingMessage
		}
	case hasMsg:
		if _, ok := m.(string); !ok {
			return fmt.Errorf(`invalid "message": %v`, m)
		}
		if strings.TrimSpace(ms) == "" {
			return ErrMissingMessage
		}
	default:
		return ErrMissingMessage
	}
	return nil
}

// timestampValue accepts a number or numeric string of unix seconds.
func timestampValue(v any) (time.Time, bool) {
	var f float64
	switch t := v.(type) {
	case json.Number:
		x, err := t.Float64()
		if err != nil {
			return time.Time{}, false
		}
		f = x
	case string:
		x, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return time.Time{}, false
		}
		f = x
	default:
		return time.Time{}, false
	}
	if f <= 0 || math.IsInf(f, 0) || math.IsNaN(f) {
		return time.Time{}, false
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e3))*int64(time.Millisecond)).UTC(), true
}

func intValue(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func fieldValue(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		return t, true
	case bool:
		return t, true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return f, true
		}
		return nil, false
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, false
		}
		return string(b), true
	default:
		return nil, false
	}
}
