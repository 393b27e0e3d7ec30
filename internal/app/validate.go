package app

import (
	"fmt"
	"net"
	"os"

	"logpipe/pkg/config"
	"logpipe/pkg/logger"
)

// validateConfig performs the checks config.Validate cannot: files that must
// exist and listeners that would collide.
func validateConfig(eff config.EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("no effective config")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("data dir is empty: set -data, LOGPIPE_DATA_DIR or data_dir in config")
	}

	if cert := cfg.Server.TLS.CertFile; cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(cfg.Server.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	// TCP and HTTP inputs and the management API all bind TCP ports.
	tcp := map[string]string{"management api": eff.Addr}
	if cfg.Inputs.GELFTCP.Enabled {
		tcp["gelf tcp"] = cfg.Inputs.GELFTCP.Address
	}
	if cfg.Inputs.GELFHTTP.Enabled {
		tcp["gelf http"] = cfg.Inputs.GELFHTTP.Address
	}
	seen := map[string]string{}
	for name, addr := range tcp {
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("%s address %q: %w", name, addr, err)
		}
		if other, dup := seen[port]; dup {
			return fmt.Errorf("%s and %s both listen on tcp port %s", name, other, port)
		}
		seen[port] = name
	}
	if cfg.Inputs.GELFUDP.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Inputs.GELFUDP.Address); err != nil {
			return fmt.Errorf("gelf udp address %q: %w", cfg.Inputs.GELFUDP.Address, err)
		}
	}

	if len(cfg.Security.AdminKeys) == 0 {
		logger.Warn("no_admin_keys", "effect", "management endpoints other than probes are refused")
	}
	return nil
}
