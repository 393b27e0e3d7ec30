// Package banner prints the startup summary.
package banner

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"

	"logpipe/pkg/config"
)

const logo = `
 _                    _
| | ___   __ _ _ __  (_)_ __   ___
| |/ _ \ / _' | '_ \ | | '_ \ / _ \
| | (_) | (_| | |_) || | |_) |  __/
|_|\___/ \__, | .__/ |_| .__/ \___|
         |___/|_|      |_|
`

// Fprint writes the banner for eff to w.
func Fprint(w io.Writer, eff config.EffectiveConfigResult, version string) {
	c := eff.Config
	src := strings.Join(eff.Sources, "+")
	if src == "" {
		src = "defaults"
	}

	fmt.Fprint(w, logo)
	fmt.Fprintln(w, "== Config =====================================================")
	fmt.Fprintf(w, "Version:     %s\n", version)
	fmt.Fprintf(w, "Node:        %s\n", c.Node)
	fmt.Fprintf(w, "API:         %s\n", eff.Addr)
	fmt.Fprintf(w, "Data dir:    %s\n", c.DataDir)
	fmt.Fprintf(w, "Config from: %s\n", src)

	fmt.Fprintln(w, "\n== Inputs =====================================================")
	for _, in := range []struct {
		name string
		cfg  config.InputConfig
	}{
		{"GELF UDP", c.Inputs.GELFUDP},
		{"GELF TCP", c.Inputs.GELFTCP},
		{"GELF HTTP", c.Inputs.GELFHTTP},
	} {
		if in.cfg.Enabled {
			fmt.Fprintf(w, "- %-9s %s\n", in.name, in.cfg.Address)
		} else {
			fmt.Fprintf(w, "- %-9s disabled\n", in.name)
		}
	}

	fmt.Fprintln(w, "\n== Journal ====================================================")
	fmt.Fprintf(w, "Dir:         %s\n", c.JournalDir())
	fmt.Fprintf(w, "Segments:    %s\n", humanize.IBytes(uint64(c.Journal.SegmentSize)))
	fmt.Fprintf(w, "Max size:    %s (max age %s)\n", humanize.IBytes(uint64(c.Journal.MaxSize)), c.Journal.MaxAge.Duration())
	fmt.Fprintf(w, "Batch fsync: %v  Compress: %v\n", c.Journal.Batch.Enabled, c.Journal.Compress)
	fmt.Fprintf(w, "Buffers:     in=%d out=%d wait=%s\n", c.Buffers.InputSize, c.Buffers.OutputSize, c.Buffers.WaitStrategy)

	fmt.Fprintln(w, "\n== Production? ================================================")
	if n := len(c.Security.AdminKeys); n > 0 {
		fmt.Fprintf(w, "- Admin API keys: OK (%d)\n", n)
	} else {
		fmt.Fprintln(w, "- Admin API keys: MISSING (management endpoints are refused)")
	}
	if c.Server.TLS.CertFile != "" {
		fmt.Fprintln(w, "- TLS: configured")
	} else {
		fmt.Fprintln(w, "- TLS: unconfigured")
	}
	if c.DiskCheck.Enabled {
		fmt.Fprintf(w, "- Disk check: floor %.1f%% every %s\n", c.DiskCheck.FreeSpaceFloorPercent, c.DiskCheck.Interval.Duration())
	} else {
		fmt.Fprintln(w, "- Disk check: disabled")
	}
	fmt.Fprintln(w, "\n== Logs =======================================================")
}
