package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const sample = `
server:
  address: 127.0.0.1
  port: 9100
data_dir: /var/lib/logpipe
inputs:
  gelf_udp:
    enabled: true
    address: ":12201"
    recv_buffer_size: 4MiB
journal:
  segment_size: 64MB
  max_size: 2GB
  max_age: 6h
  cursor_flush_interval: 2
  batch:
    enabled: true
buffers:
  wait_strategy: yielding
processing:
  filters:
    - type: static_fields
      fields:
        env: prod
    - type: drop_level_above
      level: 6
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadParsesSizesAndDurations(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, int64(64_000_000), cfg.Journal.SegmentSize.Int64())
	assert.Equal(t, int64(2_000_000_000), cfg.Journal.MaxSize.Int64())
	assert.Equal(t, int64(4<<20), cfg.Inputs.GELFUDP.RecvBufferSize.Int64())
	assert.Equal(t, 6*time.Hour, cfg.Journal.MaxAge.Duration())
	assert.Equal(t, 2*time.Second, cfg.Journal.CursorFlushInterval.Duration())
	require.Len(t, cfg.Processing.Filters, 2)
	assert.Equal(t, "prod", cfg.Processing.Filters[0].Fields["env"])
	assert.Equal(t, "127.0.0.1:9100", cfg.Addr())
}

func TestSizeRejectsGarbage(t *testing.T) {
	var s struct {
		V SizeBytes `yaml:"v"`
	}
	require.Error(t, yaml.Unmarshal([]byte("v: lots"), &s))
	var d struct {
		V Duration `yaml:"v"`
	}
	require.Error(t, yaml.Unmarshal([]byte("v: soon"), &d))
}

func TestDefaultsValidate(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "blocking", cfg.Buffers.WaitStrategy)
	assert.Equal(t, filepath.Join("./data", "journal"), cfg.JournalDir())
	assert.Equal(t, 10, cfg.Journal.AppendFailureThreshold)
	assert.Equal(t, 5.0, cfg.DiskCheck.FreeSpaceFloorPercent)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Buffers.WaitStrategy = "napping"
	cfg.Chunking.MaxChunks = 500
	cfg.Journal.MaxMessageSize = cfg.Journal.SegmentSize
	cfg.Server.TLS.CertFile = "cert.pem"

	err := Validate(cfg)
	require.Error(t, err)
	for _, want := range []string{"wait_strategy", "max_chunks", "max_message_size", "tls"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadEffectiveConfigLayers(t *testing.T) {
	path := writeFile(t, sample)
	t.Setenv("LOGPIPE_LOG_LEVEL", "debug")
	t.Setenv("LOGPIPE_JOURNAL_MAX_SIZE", "1GiB")
	t.Setenv("LOGPIPE_ADMIN_KEYS", "first-admin-key, second-admin-key")

	flags, err := ParseConfigFlags([]string{"-config", path, "-addr", "0.0.0.0:9999"})
	require.NoError(t, err)
	res, err := LoadEffectiveConfig(flags)
	require.NoError(t, err)

	assert.Equal(t, []string{"config", "env", "flags"}, res.Sources)
	assert.Equal(t, "0.0.0.0:9999", res.Addr)
	assert.Equal(t, "debug", res.Config.Logging.Level)
	assert.Equal(t, int64(1<<30), res.Config.Journal.MaxSize.Int64())
	assert.Equal(t, []string{"first-admin-key", "second-admin-key"}, res.Config.Security.AdminKeys)
	assert.Equal(t, "/var/lib/logpipe", res.Config.DataDir)
}

func TestExplicitMissingConfigFails(t *testing.T) {
	flags, err := ParseConfigFlags([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml")})
	require.NoError(t, err)
	_, err = LoadEffectiveConfig(flags)
	require.Error(t, err)
}

func TestMissingDefaultConfigIsFine(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	flags, err := ParseConfigFlags(nil)
	require.NoError(t, err)
	res, err := LoadEffectiveConfig(flags)
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.Equal(t, "0.0.0.0:9000", res.Addr)
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("LOGPIPE_OUTPUT_WORKERS", "many")
	_, err := ApplyEnvOverrides(&Config{})
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("LOGPIPE_NODE_ID=from-dotenv\n"), 0o600))
	t.Setenv("LOGPIPE_NODE_ID", "")
	require.NoError(t, os.Unsetenv("LOGPIPE_NODE_ID"))
	require.NoError(t, LoadDotEnv(p))
	assert.Equal(t, "from-dotenv", os.Getenv("LOGPIPE_NODE_ID"))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
