package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logpipe/pkg/errs"
	"logpipe/pkg/models"
)

const sample = `{"version":"1.1","host":"example.org","short_message":"A short message","full_message":"Backtrace here","timestamp":1385053862.3072,"level":1,"_user_id":9001,"_some_info":"foo","_ratio":0.5,"_nested":{"a":1},"_nothing":null,"_id":"nope","_source":"override"}`

func rawOf(payload []byte) *models.RawMessage {
	r := models.NewRawMessage(GELFName, "input-1", payload)
	r.ReceivedAt = time.Unix(1700000000, 0).UTC()
	r.RemoteIP = "10.0.0.1"
	return r
}

func TestDecodePlain(t *testing.T) {
	m, err := NewGELF(Options{}).Decode(rawOf([]byte(sample)))
	require.NoError(t, err)

	assert.Equal(t, "A short message", m.Message())
	assert.Equal(t, "example.org", m.Source())
	assert.Equal(t, time.Unix(1385053862, 307000000).UTC(), m.Timestamp())

	f := m.Fields()
	assert.Equal(t, "Backtrace here", f["full_message"])
	assert.Equal(t, int64(1), f["level"])
	assert.Equal(t, int64(9001), f["user_id"])
	assert.Equal(t, "foo", f["some_info"])
	assert.Equal(t, 0.5, f["ratio"])
	assert.Equal(t, `{"a":1}`, f["nested"])
	assert.NotContains(t, f, "nothing")
	assert.NotContains(t, f, "version")
	// reserved keys from user data never overwrite
	assert.NotEqual(t, "nope", m.ID)
}

func TestDecodeCompressed(t *testing.T) {
	var zb bytes.Buffer
	zw := zlib.NewWriter(&zb)
	_, _ = zw.Write([]byte(sample))
	require.NoError(t, zw.Close())

	var gb bytes.Buffer
	gw := gzip.NewWriter(&gb)
	_, _ = gw.Write([]byte(sample))
	require.NoError(t, gw.Close())

	for name, payload := range map[string][]byte{"zlib": zb.Bytes(), "gzip": gb.Bytes()} {
		m, err := NewGELF(Options{}).Decode(rawOf(payload))
		require.NoError(t, err, name)
		assert.Equal(t, "A short message", m.Message(), name)
	}
}

func TestDecompressLimit(t *testing.T) {
	var gb bytes.Buffer
	gw := gzip.NewWriter(&gb)
	_, _ = gw.Write(bytes.Repeat([]byte("a"), 4096))
	require.NoError(t, gw.Close())

	_, err := NewGELF(Options{DecompressSizeLimit: 1024}).Decode(rawOf(gb.Bytes()))
	assert.ErrorIs(t, err, ErrDecompressLimit)
	assert.Equal(t, errs.ClassProtocol, errs.ClassOf(err))
}

func TestTimestampFallsBackToReceipt(t *testing.T) {
	for _, payload := range []string{
		`{"host":"h","short_message":"m"}`,
		`{"host":"h","short_message":"m","timestamp":"garbage"}`,
		`{"host":"h","short_message":"m","timestamp":-5}`,
	} {
		m, err := NewGELF(Options{}).Decode(rawOf([]byte(payload)))
		require.NoError(t, err, payload)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), m.Timestamp(), payload)
	}
	m, err := NewGELF(Options{}).Decode(rawOf([]byte(`{"host":"h","short_message":"m","timestamp":"1385053862.5"}`)))
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1385053862, 500000000).UTC(), m.Timestamp())
}

func TestValidation(t *testing.T) {
	bad := map[string]string{
		"not json":       `hello`,
		"no message":     `{"host":"h"}`,
		"empty message":  `{"host":"h","short_message":"  "}`,
		"numeric host":   `{"host":5,"short_message":"m"}`,
		"empty host":     `{"host":" ","short_message":"m"}`,
		"short not text": `{"host":"h","short_message":7}`,
	}
	for name, payload := range bad {
		_, err := NewGELF(Options{}).Decode(rawOf([]byte(payload)))
		assert.Error(t, err, name)
		assert.Equal(t, errs.ClassProtocol, errs.ClassOf(err), name)
	}

	// "message" stands in for short_message, host may be absent
	m, err := NewGELF(Options{}).Decode(rawOf([]byte(`{"message":"fallback"}`)))
	require.NoError(t, err)
	assert.Equal(t, "fallback", m.Message())
	assert.Equal(t, "", m.Source())
}

func TestChunkedPayloadRefused(t *testing.T) {
	_, err := NewGELF(Options{}).Decode(rawOf([]byte{0x1e, 0x0f, 1, 2, 3}))
	assert.ErrorIs(t, err, ErrUnsupportedFrame)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Options{})
	assert.Equal(t, []string{"gelf", "raw"}, r.Names())

	raw := rawOf([]byte("plain line\n"))
	raw.Codec = "raw"
	m, err := r.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain line", m.Message())
	assert.Equal(t, "10.0.0.1", m.Source())

	raw.Codec = "syslog"
	_, err = r.Decode(raw)
	assert.Error(t, err)
}
