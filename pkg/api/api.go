// Package api serves the management HTTP API: probes, metrics, load balancer
// status, processing control, journal and buffer introspection,
// notifications and maintenance jobs.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"logpipe/docs"
	"logpipe/pkg/auth"
	"logpipe/pkg/buffer"
	"logpipe/pkg/journal"
	"logpipe/pkg/lifecycle"
	"logpipe/pkg/logger"
	"logpipe/pkg/metric"
	"logpipe/pkg/notify"
	"logpipe/pkg/progressor"
)

// PublicPaths are reachable without an admin key.
var PublicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/api/system/lbstatus",
	"/openapi.yaml",
	"/docs/*",
}

// Journal is the read side of the journal shown by the API.
type Journal interface {
	Dir() string
	NextOffset() uint64
	LogStartOffset() uint64
	Size() int64
	MaxSize() int64
	Utilization() float64
	UncommittedEntries() uint64
	Readers() map[string]uint64
	Segments() []journal.SegmentInfo
}

// BufferStatus is satisfied by every *buffer.Buffer.
type BufferStatus interface {
	Status() buffer.Status
}

// IndexStore is the indexer backend as seen by the API and the index job.
type IndexStore interface {
	progressor.IndexCycler
	Ready() bool
	Indices() ([]string, error)
	Count(index string) (int, error)
	Recent(index string, limit int) ([]json.RawMessage, error)
}

type Options struct {
	Lifecycle     *lifecycle.Lifecycle
	Journal       Journal
	Buffers       []BufferStatus
	Notifications *notify.Service
	Jobs          *progressor.Manager
	Store         IndexStore
	Metrics       *metric.Registry
	Security      auth.SecConfig
	Version       string
	// DrainTimeout bounds the buffer drain of maintenance jobs.
	DrainTimeout time.Duration
	// BaseContext outlives requests; background jobs run under it.
	BaseContext context.Context
}

// Server holds the API's dependencies.
type Server struct {
	opts Options

	pauseMu  sync.Mutex
	apiPause *lifecycle.PauseToken
}

func New(opts Options) *Server {
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.Security.PublicPaths == nil {
		opts.Security.PublicPaths = PublicPaths
	}
	return &Server{opts: opts}
}

// Router returns the bare route table without middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/openapi.yaml", openapi).Methods(http.MethodGet)
	r.PathPrefix("/docs/").Handler(httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	sys := r.PathPrefix("/api/system").Subrouter()
	sys.HandleFunc("/lbstatus", s.lbStatus).Methods(http.MethodGet)
	sys.HandleFunc("/lbstatus/override/{status}", s.lbOverride).Methods(http.MethodPut)
	sys.HandleFunc("/processing", s.processing).Methods(http.MethodGet)
	sys.HandleFunc("/processing/pause", s.pause).Methods(http.MethodPut, http.MethodPost)
	sys.HandleFunc("/processing/resume", s.resume).Methods(http.MethodPut, http.MethodPost)
	sys.HandleFunc("/journal", s.journalInfo).Methods(http.MethodGet)
	sys.HandleFunc("/buffers", s.buffers).Methods(http.MethodGet)
	sys.HandleFunc("/notifications", s.notifications).Methods(http.MethodGet)
	sys.HandleFunc("/notifications/{type}", s.fixNotification).Methods(http.MethodDelete, http.MethodPut)
	sys.HandleFunc("/indices", s.indices).Methods(http.MethodGet)
	sys.HandleFunc("/indices/{index}/messages", s.indexMessages).Methods(http.MethodGet)
	sys.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	sys.HandleFunc("/jobs/"+progressor.RecreateIndexType, s.startRecreateIndex).Methods(http.MethodPost)
	sys.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Handler wraps the router with admin authentication and request logging.
func (s *Server) Handler() http.Handler {
	h := auth.AdminMiddleware(s.opts.Security)(s.Router())
	return logger.Middleware(h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("api_encode_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func openapi(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(docs.OpenAPI)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Store != nil && !s.opts.Store.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store not ready"})
		return
	}
	if s.opts.Lifecycle != nil && s.opts.Lifecycle.LoadBalancerStatus() == lifecycle.Dead {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "dead"})
		return
	}
	ver := s.opts.Version
	if ver == "" {
		ver = "dev"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": ver})
}
