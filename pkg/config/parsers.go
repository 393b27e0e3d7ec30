package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const envPrefix = "LOGPIPE_"

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	Data   string
	Config string
	Set    map[string]bool
}

// EffectiveConfigResult is the merged, defaulted and validated config.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	// Sources lists what contributed, in precedence order: "config", "env", "flags".
	Sources []string
}

// ParseConfigFlags parses args (normally os.Args[1:]).
func ParseConfigFlags(args []string) (Flags, error) {
	fset := flag.NewFlagSet("logpipe", flag.ContinueOnError)
	addr := fset.String("addr", "", "management API listen address (host:port)")
	data := fset.String("data", "", "data directory")
	cfgPath := fset.String("config", "./config.yaml", "path to config file")
	if err := fset.Parse(args); err != nil {
		return Flags{}, err
	}
	set := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addr, Data: *data, Config: *cfgPath, Set: set}, nil
}

// ResolveConfigPath prefers an explicit flag, then LOGPIPE_CONFIG.
func ResolveConfigPath(flags Flags) string {
	if flags.Set["config"] {
		return flags.Config
	}
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	return flags.Config
}

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is fine.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnvOverrides copies LOGPIPE_* variables onto cfg and reports whether
// any were present.
func ApplyEnvOverrides(cfg *Config) (bool, error) {
	used := false
	var errs []string
	get := func(name string) (string, bool) {
		v, ok := os.LookupEnv(envPrefix + name)
		v = strings.TrimSpace(v)
		if ok && v != "" {
			used = true
			return v, true
		}
		return "", false
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := get(name); ok {
			*dst = parseList(v)
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := get(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	size := func(name string, dst *SizeBytes) {
		if v, ok := get(name); ok {
			s, err := ParseSize(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = s
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := get(name); ok {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	if v, ok := get("ADDR"); ok {
		setAddr(cfg, v)
	}
	str("DATA_DIR", &cfg.DataDir)
	str("NODE_ID", &cfg.Node)
	str("TLS_CERT", &cfg.Server.TLS.CertFile)
	str("TLS_KEY", &cfg.Server.TLS.KeyFile)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	list("ADMIN_KEYS", &cfg.Security.AdminKeys)
	list("CORS_ORIGINS", &cfg.Security.AllowedOrigins)
	list("IP_WHITELIST", &cfg.Security.IPWhitelist)
	float("RATE_RPS", &cfg.Security.RateLimit.RPS)
	integer("RATE_BURST", &cfg.Security.RateLimit.Burst)

	boolean("GELF_UDP_ENABLED", &cfg.Inputs.GELFUDP.Enabled)
	str("GELF_UDP_ADDRESS", &cfg.Inputs.GELFUDP.Address)
	boolean("GELF_TCP_ENABLED", &cfg.Inputs.GELFTCP.Enabled)
	str("GELF_TCP_ADDRESS", &cfg.Inputs.GELFTCP.Address)
	boolean("GELF_HTTP_ENABLED", &cfg.Inputs.GELFHTTP.Enabled)
	str("GELF_HTTP_ADDRESS", &cfg.Inputs.GELFHTTP.Address)

	str("JOURNAL_DIR", &cfg.Journal.Dir)
	size("JOURNAL_SEGMENT_SIZE", &cfg.Journal.SegmentSize)
	size("JOURNAL_MAX_SIZE", &cfg.Journal.MaxSize)
	duration("JOURNAL_MAX_AGE", &cfg.Journal.MaxAge)
	boolean("JOURNAL_BATCH", &cfg.Journal.Batch.Enabled)
	boolean("JOURNAL_COMPRESS", &cfg.Journal.Compress)
	str("JOURNAL_RETENTION_CRON", &cfg.Journal.RetentionCron)
	float("JOURNAL_THROTTLE_THRESHOLD_PERCENT", &cfg.Journal.ThrottleThresholdPct)

	integer("BUFFER_INPUT_SIZE", &cfg.Buffers.InputSize)
	integer("BUFFER_OUTPUT_SIZE", &cfg.Buffers.OutputSize)
	str("BUFFER_WAIT_STRATEGY", &cfg.Buffers.WaitStrategy)
	integer("PROCESSOR_WORKERS", &cfg.Buffers.ProcessorWorkers)
	integer("OUTPUT_WORKERS", &cfg.Buffers.OutputWorkers)

	boolean("DISK_CHECK_ENABLED", &cfg.DiskCheck.Enabled)
	float("DISK_CHECK_FLOOR_PERCENT", &cfg.DiskCheck.FreeSpaceFloorPercent)
	str("STORE_PATH", &cfg.Store.Path)

	if len(errs) > 0 {
		return used, errors.New(strings.Join(errs, "; "))
	}
	return used, nil
}

// LoadEffectiveConfig layers file, env and flags (later wins), applies
// defaults and validates. An explicit -config must exist.
func LoadEffectiveConfig(flags Flags) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	path := ResolveConfigPath(flags)
	cfg, err := Load(path)
	switch {
	case err == nil:
		res.Sources = append(res.Sources, "config")
	case errors.Is(err, fs.ErrNotExist) && !flags.Set["config"]:
		cfg = &Config{}
	default:
		return res, fmt.Errorf("load config %s: %w", path, err)
	}

	used, err := ApplyEnvOverrides(cfg)
	if err != nil {
		return res, err
	}
	if used {
		res.Sources = append(res.Sources, "env")
	}

	if flags.Set["addr"] || flags.Set["data"] {
		res.Sources = append(res.Sources, "flags")
	}
	if flags.Set["addr"] {
		setAddr(cfg, flags.Addr)
	}
	if flags.Set["data"] {
		cfg.DataDir = flags.Data
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return res, err
	}
	res.Config = cfg
	res.Addr = cfg.Addr()
	return res, nil
}

func setAddr(cfg *Config, v string) {
	if h, p, err := net.SplitHostPort(v); err == nil {
		cfg.Server.Address = h
		if pi, err := strconv.Atoi(p); err == nil {
			cfg.Server.Port = pi
		}
		return
	}
	cfg.Server.Address = v
}

func parseList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
