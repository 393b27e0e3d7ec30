// Package config loads logpipe's YAML configuration and layers .env,
// environment and flag overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"logpipe/pkg/buffer"
)

// Load reads a YAML config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Addr returns host:port of the management API.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 9000
	}
	return net.JoinHostPort(addr, fmt.Sprint(p))
}

// JournalDir is journal.dir, or <data_dir>/journal.
func (c *Config) JournalDir() string {
	if c.Journal.Dir != "" {
		return c.Journal.Dir
	}
	return filepath.Join(c.DataDir, "journal")
}

// StorePath is store.path, or <data_dir>/store.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, "store")
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// ApplyDefaults fills every unset value.
func ApplyDefaults(c *Config) {
	setDefault(&c.DataDir, "./data")
	if c.Node == "" {
		if h, err := os.Hostname(); err == nil {
			c.Node = h
		} else {
			c.Node = "logpipe"
		}
	}
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
	setDefault(&c.Security.RateLimit.RPS, 10)
	setDefault(&c.Security.RateLimit.Burst, 20)

	setDefault(&c.Inputs.GELFUDP.Address, ":12201")
	setDefault(&c.Inputs.GELFUDP.RecvBufferSize, SizeBytes(1<<20))
	setDefault(&c.Inputs.GELFUDP.Readers, 1)
	setDefault(&c.Inputs.GELFTCP.Address, ":12201")
	setDefault(&c.Inputs.GELFTCP.MaxFrameSize, SizeBytes(2<<20))
	setDefault(&c.Inputs.GELFTCP.RetryBudget, Duration(5*time.Second))
	setDefault(&c.Inputs.GELFHTTP.Address, ":12202")
	setDefault(&c.Inputs.GELFHTTP.MaxFrameSize, SizeBytes(2<<20))
	for _, in := range []*InputConfig{&c.Inputs.GELFUDP, &c.Inputs.GELFTCP, &c.Inputs.GELFHTTP} {
		setDefault(&in.DecompressSizeLimit, SizeBytes(8<<20))
	}

	setDefault(&c.Chunking.Timeout, Duration(5*time.Second))
	setDefault(&c.Chunking.CheckInterval, Duration(time.Second))
	setDefault(&c.Chunking.MaxChunks, 128)

	setDefault(&c.Journal.SegmentSize, SizeBytes(100<<20))
	setDefault(&c.Journal.MaxSize, SizeBytes(5<<30))
	setDefault(&c.Journal.MaxAge, Duration(12*time.Hour))
	setDefault(&c.Journal.MaxMessageSize, SizeBytes(10<<20))
	setDefault(&c.Journal.CursorFlushInterval, Duration(time.Second))
	if c.Journal.Batch.Enabled {
		setDefault(&c.Journal.Batch.Size, 64)
		setDefault(&c.Journal.Batch.Interval, Duration(5*time.Millisecond))
	}
	setDefault(&c.Journal.ReadBatchEntries, 512)
	setDefault(&c.Journal.ReadBatchBytes, SizeBytes(4<<20))
	setDefault(&c.Journal.CompressMinBytes, SizeBytes(512))
	setDefault(&c.Journal.RetentionCron, "* * * * *")
	setDefault(&c.Journal.ThrottleThresholdPct, 75)
	setDefault(&c.Journal.ThrottleCheckInterval, Duration(time.Second))
	setDefault(&c.Journal.AppendFailureThreshold, 10)

	setDefault(&c.Buffers.InputSize, 65536)
	setDefault(&c.Buffers.OutputSize, 65536)
	setDefault(&c.Buffers.WaitStrategy, buffer.StrategyBlocking)
	setDefault(&c.Buffers.ProcessorWorkers, 5)
	setDefault(&c.Buffers.OutputWorkers, 3)
	setDefault(&c.Buffers.BatchSize, 500)

	setDefault(&c.Processing.OutputRetry.Initial, Duration(100*time.Millisecond))
	setDefault(&c.Processing.OutputRetry.Max, Duration(30*time.Second))

	setDefault(&c.DiskCheck.InitialDelay, Duration(time.Minute))
	setDefault(&c.DiskCheck.Interval, Duration(time.Minute))
	setDefault(&c.DiskCheck.FreeSpaceFloorPercent, 5)

	setDefault(&c.Shutdown.DrainTimeout, Duration(30*time.Second))
}

// Validate reports every problem found in an already defaulted config.
func Validate(c *Config) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		add("server.tls: cert_file and key_file must be set together")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q unknown", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format %q unknown", c.Logging.Format)
	}
	for _, k := range c.Security.AdminKeys {
		if len(strings.TrimSpace(k)) < 8 {
			add("security.admin_keys: keys must be at least 8 characters")
			break
		}
	}

	if c.Chunking.MaxChunks < 1 || c.Chunking.MaxChunks > 128 {
		add("chunking.max_chunks must be 1..128, got %d", c.Chunking.MaxChunks)
	}
	if c.Journal.SegmentSize.Int64() < 4096 {
		add("journal.segment_size must be at least 4KiB")
	}
	if c.Journal.MaxMessageSize.Int64() >= c.Journal.SegmentSize.Int64() {
		add("journal.max_message_size must be smaller than journal.segment_size")
	}
	if c.Journal.MaxSize > 0 && c.Journal.MaxSize < c.Journal.SegmentSize {
		add("journal.max_size must be at least one segment")
	}
	if c.Journal.ThrottleThresholdPct > 100 {
		add("journal.throttle_threshold_percent must be <= 100")
	}
	if c.Buffers.InputSize <= 0 || c.Buffers.OutputSize <= 0 {
		add("buffers: input_size and output_size must be positive")
	}
	if _, err := buffer.ParseWaitStrategy(c.Buffers.WaitStrategy); err != nil {
		add("buffers.wait_strategy: %v", err)
	}
	if c.DiskCheck.FreeSpaceFloorPercent < 0 || c.DiskCheck.FreeSpaceFloorPercent >= 100 {
		add("disk_check.free_space_floor_percent must be in [0,100)")
	}
	for i, f := range c.Processing.Filters {
		if strings.TrimSpace(f.Type) == "" {
			add("processing.filters[%d]: type is required", i)
		}
	}
	if c.Processing.OutputRetry.Max < c.Processing.OutputRetry.Initial {
		add("processing.output_retry: max must be >= initial")
	}

	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}
