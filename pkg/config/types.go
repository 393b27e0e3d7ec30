package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the full logpipe configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	DataDir    string           `yaml:"data_dir"`
	Node       string           `yaml:"node_id"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Inputs     InputsConfig     `yaml:"inputs"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Journal    JournalConfig    `yaml:"journal"`
	Buffers    BuffersConfig    `yaml:"buffers"`
	Processing ProcessingConfig `yaml:"processing"`
	DiskCheck  DiskCheckConfig  `yaml:"disk_check"`
	Store      StoreConfig      `yaml:"store"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
}

// ServerConfig is the management API listener.
type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	TLS     TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

// SecurityConfig guards the management API.
type SecurityConfig struct {
	AdminKeys      []string `yaml:"admin_keys"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	IPWhitelist    []string `yaml:"ip_whitelist"`
	RateLimit      struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
}

type InputsConfig struct {
	GELFUDP  InputConfig `yaml:"gelf_udp"`
	GELFTCP  InputConfig `yaml:"gelf_tcp"`
	GELFHTTP InputConfig `yaml:"gelf_http"`
}

// InputConfig is shared by the three GELF transports; fields a transport
// does not use are ignored.
type InputConfig struct {
	Enabled             bool      `yaml:"enabled"`
	Address             string    `yaml:"address"`
	RecvBufferSize      SizeBytes `yaml:"recv_buffer_size"`
	MaxFrameSize        SizeBytes `yaml:"max_frame_size"`
	Readers             int       `yaml:"readers"`
	RateLimitRPS        float64   `yaml:"rate_limit_rps"`
	RateLimitBurst      int       `yaml:"rate_limit_burst"`
	RetryBudget         Duration  `yaml:"retry_budget"`
	DecompressSizeLimit SizeBytes `yaml:"decompress_size_limit"`
}

type ChunkingConfig struct {
	Timeout       Duration `yaml:"timeout"`
	CheckInterval Duration `yaml:"check_interval"`
	MaxChunks     int      `yaml:"max_chunks"`
}

type JournalConfig struct {
	Dir                    string      `yaml:"dir"`
	SegmentSize            SizeBytes   `yaml:"segment_size"`
	MaxSize                SizeBytes   `yaml:"max_size"`
	MaxAge                 Duration    `yaml:"max_age"`
	MaxMessageSize         SizeBytes   `yaml:"max_message_size"`
	CursorFlushInterval    Duration    `yaml:"cursor_flush_interval"`
	Batch                  BatchConfig `yaml:"batch"`
	ReadBatchEntries       int         `yaml:"read_batch_entries"`
	ReadBatchBytes         SizeBytes   `yaml:"read_batch_bytes"`
	Compress               bool        `yaml:"compress"`
	CompressMinBytes       SizeBytes   `yaml:"compress_min_bytes"`
	DropOnOverflow         bool        `yaml:"drop_on_overflow"`
	RetentionCron          string      `yaml:"retention_cron"`
	ThrottleThresholdPct   float64     `yaml:"throttle_threshold_percent"`
	ThrottleCheckInterval  Duration    `yaml:"throttle_check_interval"`
	AppendFailureThreshold int         `yaml:"append_failure_threshold"`
}

type BatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Size     int      `yaml:"size"`
	Interval Duration `yaml:"interval"`
}

type BuffersConfig struct {
	InputSize        int    `yaml:"input_size"`
	OutputSize       int    `yaml:"output_size"`
	WaitStrategy     string `yaml:"wait_strategy"`
	ProcessorWorkers int    `yaml:"processor_workers"`
	OutputWorkers    int    `yaml:"output_workers"`
	BatchSize        int    `yaml:"batch_size"`
}

type ProcessingConfig struct {
	Filters     []FilterConfig `yaml:"filters"`
	OutputRetry RetryConfig    `yaml:"output_retry"`
}

// FilterConfig names a built-in filter and its settings.
type FilterConfig struct {
	Type   string            `yaml:"type"`
	Fields map[string]string `yaml:"fields"`
	Field  string            `yaml:"field"`
	Value  string            `yaml:"value"`
	Level  int               `yaml:"level"`
	RPS    float64           `yaml:"rps"`
	Burst  int               `yaml:"burst"`
}

type RetryConfig struct {
	Initial Duration `yaml:"initial"`
	Max     Duration `yaml:"max"`
}

type DiskCheckConfig struct {
	Enabled               bool     `yaml:"enabled"`
	InitialDelay          Duration `yaml:"initial_delay"`
	Interval              Duration `yaml:"interval"`
	FreeSpaceFloorPercent float64  `yaml:"free_space_floor_percent"`
	StopInputsOnDead      bool     `yaml:"stop_inputs_on_dead"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ShutdownConfig struct {
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// SizeBytes accepts "64MB", "1GiB" or a plain integer.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize is the string form used by env overrides.
func ParseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// Duration accepts "100ms" or a plain number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
