package input

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"logpipe/pkg/codec"
	"logpipe/pkg/errs"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
)

// TCPConfig configures a GELF TCP listener.
type TCPConfig struct {
	ID           string
	Address      string
	MaxFrameSize int
	// RetryBudget bounds how long one frame is retried on a retryable
	// journal error before the connection is closed.
	RetryBudget time.Duration
}

// TCP reads null-byte delimited GELF frames.
type TCP struct {
	cfg   TCPConfig
	entry *Entry

	ln    net.Listener
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}

	connections prometheus.Gauge
	frames      prometheus.Counter
	dropped     *prometheus.CounterVec
}

func NewTCP(cfg TCPConfig, entry *Entry, reg *metric.Registry) *TCP {
	if cfg.ID == "" {
		cfg.ID = "gelf-tcp"
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = 2 << 20
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5 * time.Second
	}
	return &TCP{
		cfg:         cfg,
		entry:       entry,
		conns:       make(map[net.Conn]struct{}),
		connections: reg.GaugeVec("tcp", "connections", "Open connections.", "input").WithLabelValues(cfg.ID),
		frames:      reg.CounterVec("tcp", "frames_total", "Frames received.", "input").WithLabelValues(cfg.ID),
		dropped:     reg.CounterVec("tcp", "dropped_total", "Frames dropped.", "input", "reason"),
	}
}

func (t *TCP) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", t.cfg.Address, err)
	}
	t.ln = ln
	t.wg.Add(1)
	go t.acceptLoop(ctx)
	go func() {
		<-ctx.Done()
		t.closeAll()
	}()
	logger.Info("input_started", "input", t.cfg.ID, "transport", "tcp", "addr", ln.Addr().String())
	return nil
}

func (t *TCP) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Stop closes the listener and every connection, then waits for handlers.
func (t *TCP) Stop() {
	t.closeAll()
	t.wg.Wait()
	logger.Info("input_stopped", "input", t.cfg.ID)
}

func (t *TCP) closeAll() {
	if t.ln != nil {
		_ = t.ln.Close()
	}
	t.mu.Lock()
	for c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()
}

func (t *TCP) acceptLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("tcp_accept_failed", "input", t.cfg.ID, "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		t.connections.Inc()
		t.wg.Add(1)
		go t.serve(ctx, conn)
	}
}

func (t *TCP) serve(ctx context.Context, conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		_ = conn.Close()
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		t.connections.Dec()
	}()

	ip, port := splitAddr(conn.RemoteAddr())
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64<<10), t.cfg.MaxFrameSize)
	sc.Split(splitNull)
	for sc.Scan() {
		frame := bytes.TrimSpace(sc.Bytes())
		if len(frame) == 0 {
			continue
		}
		t.frames.Inc()
		raw := models.NewRawMessage(codec.GELFName, t.cfg.ID, frame)
		raw.RemoteIP, raw.RemotePort = ip, port
		if err := t.ingest(ctx, raw); err != nil {
			logger.Warn("tcp_connection_closed_on_error", "input", t.cfg.ID, "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		if errors.Is(err, bufio.ErrTooLong) {
			t.dropped.WithLabelValues(t.cfg.ID, "frame_too_large").Inc()
		}
		logger.Debug("tcp_read_ended", "input", t.cfg.ID, "error", err)
	}
}

// ingest retries retryable journal errors with backoff; the client is
// slowed down rather than losing the frame. Non-retryable errors drop it.
func (t *TCP) ingest(ctx context.Context, raw *models.RawMessage) error {
	deadline := time.Now().Add(t.cfg.RetryBudget)
	delay := 10 * time.Millisecond
	for {
		err := t.entry.Ingest(raw)
		if err == nil {
			return nil
		}
		if !errs.IsRetryable(err) && !errors.Is(err, ErrNotAccepting) {
			t.dropped.WithLabelValues(t.cfg.ID, "invalid").Inc()
			return nil
		}
		if time.Now().After(deadline) {
			t.dropped.WithLabelValues(t.cfg.ID, "retry_exhausted").Inc()
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Second {
			delay *= 2
		}
	}
}

func splitNull(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func splitAddr(a net.Addr) (string, int) {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	return a.String(), 0
}
