// Package shutdown handles process signals and fatal startup aborts.
package shutdown

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"logpipe/pkg/logger"
)

type abortRecord struct {
	Time      string            `json:"time"`
	Reason    string            `json:"reason"`
	Error     string            `json:"error,omitempty"`
	CrashPath string            `json:"crash_path,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Abort logs a fatal startup error, writes a crash dump under
// <dataDir>/state and exits with status 2 after delay.
func Abort(reason string, err error, dataDir string, delay time.Duration) {
	logger.Error("startup_fatal", "reason", reason, "error", err)
	dump, rec, derr := WriteCrashDump(dataDir, reason, err)
	if derr != nil {
		logger.Error("crash_dump_failed", "error", derr)
		fmt.Fprintf(os.Stderr, "FAILED TO WRITE CRASH DUMP: %v\n", derr)
	} else {
		logger.Error("crash_dump_written", "path", dump, "record", rec)
		fmt.Fprintf(os.Stderr, "CRASH DUMP WRITTEN: %s\n", dump)
	}
	if delay > 0 {
		logger.Info("exiting", "in", delay.String())
		time.Sleep(delay)
	}
	os.Exit(2)
}

// WriteCrashDump writes a goroutine dump to state/crash and a JSON record
// pointing at it to state/abort. It returns both paths.
func WriteCrashDump(dataDir, reason string, cause error) (string, string, error) {
	crashDir := filepath.Join(dataDir, "state", "crash")
	abortDir := filepath.Join(dataDir, "state", "abort")
	for _, d := range []string{crashDir, abortDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return "", "", fmt.Errorf("create %s: %w", d, err)
		}
	}
	now := time.Now().UTC()
	ts := now.UnixNano()

	dumpPath := filepath.Join(crashDir, fmt.Sprintf("crash-%d.log", ts))
	err := writeAtomic(dumpPath, func(f *os.File) error {
		fmt.Fprintf(f, "time: %s\n", now.Format(time.RFC3339))
		fmt.Fprintf(f, "reason: %s\n", reason)
		fmt.Fprintf(f, "error: %v\n", cause)
		fmt.Fprintf(f, "go: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		_, err := f.Write(buf[:n])
		return err
	})
	if err != nil {
		return "", "", err
	}

	rec := abortRecord{
		Time:      now.Format(time.RFC3339),
		Reason:    reason,
		CrashPath: dumpPath,
		Meta:      map[string]string{"pid": fmt.Sprint(os.Getpid())},
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	recPath := filepath.Join(abortDir, fmt.Sprintf("abort-%d.json", ts))
	err = writeAtomic(recPath, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	})
	if err != nil {
		return dumpPath, "", err
	}
	return dumpPath, recPath, nil
}

func writeAtomic(path string, fill func(*os.File) error) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()
	if err := fill(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM. A
// second signal exits immediately. SIGQUIT-style stack dumps are available
// through SIGUSR1 without stopping the process.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigc
		logger.Info("signal_received", "signal", s.String(), "action", "graceful_shutdown")
		cancel()
		s = <-sigc
		logger.Warn("signal_received", "signal", s.String(), "action", "forced_exit")
		os.Exit(1)
	}()

	usr := make(chan os.Signal, 1)
	signal.Notify(usr, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-usr:
				buf := make([]byte, 1<<20)
				n := runtime.Stack(buf, true)
				logger.Info("goroutine_stack_dump", "dump", string(buf[:n]))
			case <-ctx.Done():
				signal.Stop(usr)
				return
			}
		}
	}()
	return ctx, cancel
}
