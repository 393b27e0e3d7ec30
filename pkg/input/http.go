package input

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"logpipe/pkg/auth"
	"logpipe/pkg/codec"
	"logpipe/pkg/errs"
	"logpipe/pkg/httpx"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/models"
)

// GELFPath is where the HTTP input accepts messages.
const GELFPath = "/gelf"

// HTTPConfig configures the GELF HTTP input.
type HTTPConfig struct {
	ID          string
	Address     string
	MaxBodySize int
	// RPS and Burst limit each remote ip; RPS <= 0 disables limiting.
	RPS   float64
	Burst int
}

// HTTP accepts GELF over POST /gelf.
type HTTP struct {
	cfg      HTTPConfig
	entry    *Entry
	limiters *auth.LimiterPool

	srv *fasthttp.Server
	ln  net.Listener

	requests *prometheus.CounterVec
}

func NewHTTP(cfg HTTPConfig, entry *Entry, reg *metric.Registry) *HTTP {
	if cfg.ID == "" {
		cfg.ID = "gelf-http"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 2 << 20
	}
	h := &HTTP{
		cfg:      cfg,
		entry:    entry,
		requests: reg.CounterVec("http_input", "requests_total", "Requests by response code.", "input", "code"),
	}
	if cfg.RPS > 0 {
		h.limiters = auth.NewLimiterPool(cfg.RPS, cfg.Burst)
	}
	return h
}

// Handler is the transport-neutral request handler.
func (h *HTTP) Handler() httpx.HandlerFunc {
	return func(w httpx.ResponseWriter, r *httpx.Request) {
		code := h.serve(r)
		h.requests.WithLabelValues(h.cfg.ID, fmt.Sprint(code)).Inc()
		if code >= 400 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"` + http.StatusText(code) + `"}`))
			return
		}
		w.WriteHeader(code)
	}
}

func (h *HTTP) serve(r *httpx.Request) int {
	if r.Path != GELFPath {
		return http.StatusNotFound
	}
	if r.Method != http.MethodPost {
		return http.StatusMethodNotAllowed
	}
	if h.limiters != nil && !h.limiters.Allow(r.RemoteIP) {
		return http.StatusTooManyRequests
	}
	if len(r.Body) == 0 {
		return http.StatusBadRequest
	}
	if len(r.Body) > h.cfg.MaxBodySize {
		return http.StatusRequestEntityTooLarge
	}
	raw := models.NewRawMessage(codec.GELFName, h.cfg.ID, r.Body)
	raw.RemoteIP, raw.RemotePort = r.RemoteIP, r.RemotePort
	err := h.entry.Ingest(raw)
	switch {
	case err == nil:
		return http.StatusAccepted
	case errors.Is(err, ErrNotAccepting), errs.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// Start listens and serves until ctx is cancelled or Stop is called.
func (h *HTTP) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", h.cfg.Address, err)
	}
	h.ln = ln
	h.srv = &fasthttp.Server{
		Handler:            httpx.FastHTTPAdapter(ctx, h.Handler()),
		Name:               "logpipe",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: h.cfg.MaxBodySize,
	}
	go func() {
		if err := h.srv.Serve(ln); err != nil {
			logger.Error("http_input_serve_failed", "input", h.cfg.ID, "error", err)
		}
	}()
	logger.Info("input_started", "input", h.cfg.ID, "transport", "http", "addr", ln.Addr().String())
	return nil
}

func (h *HTTP) Addr() net.Addr {
	if h.ln == nil {
		return nil
	}
	return h.ln.Addr()
}

func (h *HTTP) Stop() {
	if h.srv != nil {
		if err := h.srv.Shutdown(); err != nil {
			logger.Warn("http_input_shutdown_failed", "input", h.cfg.ID, "error", err)
		}
	}
	logger.Info("input_stopped", "input", h.cfg.ID)
}
