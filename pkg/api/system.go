package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"logpipe/pkg/buffer"
	"logpipe/pkg/journal"
	"logpipe/pkg/lifecycle"
	"logpipe/pkg/logger"
	"logpipe/pkg/notify"
	"logpipe/pkg/progressor"
)

// lbStatus answers load balancer health checks with a plain-text status.
func (s *Server) lbStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.opts.Lifecycle.LoadBalancerStatus()
	code := http.StatusOK
	if st != lifecycle.Alive {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(st.String()))
}

func (s *Server) lbOverride(w http.ResponseWriter, r *http.Request) {
	lc := s.opts.Lifecycle
	switch strings.ToUpper(mux.Vars(r)["status"]) {
	case lifecycle.Alive.String():
		lc.OverrideLoadBalancerAlive()
	case lifecycle.Throttled.String():
		lc.OverrideLoadBalancerThrottled()
	case lifecycle.Dead.String():
		lc.OverrideLoadBalancerDead()
	default:
		writeError(w, http.StatusBadRequest, "status must be ALIVE, THROTTLED or DEAD")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lb_status": lc.LoadBalancerStatus().String()})
}

type processingState struct {
	State       string `json:"state"`
	LBStatus    string `json:"lb_status"`
	Throttled   bool   `json:"throttled"`
	PauseLocked bool   `json:"pause_locked"`
}

func (s *Server) processingState() processingState {
	lc := s.opts.Lifecycle
	return processingState{
		State:       lc.State().String(),
		LBStatus:    lc.LoadBalancerStatus().String(),
		Throttled:   lc.Throttled(),
		PauseLocked: lc.ProcessingPauseLocked(),
	}
}

func (s *Server) processing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.processingState())
}

// pause is idempotent: a second call while the API pause is outstanding
// changes nothing.
func (s *Server) pause(w http.ResponseWriter, _ *http.Request) {
	s.pauseMu.Lock()
	if s.apiPause == nil {
		tok := s.opts.Lifecycle.PauseMessageProcessing(false)
		s.apiPause = &tok
	}
	s.pauseMu.Unlock()
	writeJSON(w, http.StatusOK, s.processingState())
}

func (s *Server) resume(w http.ResponseWriter, _ *http.Request) {
	s.pauseMu.Lock()
	tok := s.apiPause
	s.apiPause = nil
	s.pauseMu.Unlock()
	if tok == nil || !s.opts.Lifecycle.ResumeMessageProcessing(*tok) {
		writeError(w, http.StatusConflict, "processing was not paused through the API")
		return
	}
	writeJSON(w, http.StatusOK, s.processingState())
}

type journalInfo struct {
	Dir                string                `json:"dir"`
	NextOffset         uint64                `json:"next_offset"`
	LogStartOffset     uint64                `json:"log_start_offset"`
	CommittedOffsets   map[string]uint64     `json:"committed_offsets"`
	UncommittedEntries uint64                `json:"uncommitted_entries"`
	SizeBytes          int64                 `json:"size_bytes"`
	MaxSizeBytes       int64                 `json:"max_size_bytes"`
	Utilization        float64               `json:"utilization_percent"`
	Segments           []journal.SegmentInfo `json:"segments"`
}

func (s *Server) journalInfo(w http.ResponseWriter, _ *http.Request) {
	j := s.opts.Journal
	if j == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not open")
		return
	}
	writeJSON(w, http.StatusOK, journalInfo{
		Dir:                j.Dir(),
		NextOffset:         j.NextOffset(),
		LogStartOffset:     j.LogStartOffset(),
		CommittedOffsets:   j.Readers(),
		UncommittedEntries: j.UncommittedEntries(),
		SizeBytes:          j.Size(),
		MaxSizeBytes:       j.MaxSize(),
		Utilization:        j.Utilization(),
		Segments:           j.Segments(),
	})
}

func (s *Server) buffers(w http.ResponseWriter, _ *http.Request) {
	out := make([]buffer.Status, 0, len(s.opts.Buffers))
	for _, b := range s.opts.Buffers {
		out = append(out, b.Status())
	}
	writeJSON(w, http.StatusOK, map[string]any{"buffers": out})
}

func (s *Server) notifications(w http.ResponseWriter, _ *http.Request) {
	var list []notify.Notification
	if s.opts.Notifications != nil {
		list = s.opts.Notifications.All()
	}
	if list == nil {
		list = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": len(list), "notifications": list})
}

func (s *Server) fixNotification(w http.ResponseWriter, r *http.Request) {
	typ := notify.ParseType(mux.Vars(r)["type"])
	if s.opts.Notifications == nil || !s.opts.Notifications.Fixed(typ) {
		writeError(w, http.StatusNotFound, "no active notification of type "+string(typ))
		return
	}
	logger.Info("notification_fixed_by_operator", "type", typ)
	w.WriteHeader(http.StatusNoContent)
}

type indexInfo struct {
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	Messages int    `json:"messages"`
}

func (s *Server) indices(w http.ResponseWriter, _ *http.Request) {
	st := s.opts.Store
	if st == nil || !st.Ready() {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	names, err := st.Indices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sort.Strings(names)
	active := st.ActiveIndex()
	out := make([]indexInfo, 0, len(names))
	for _, n := range names {
		c, err := st.Count(n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out = append(out, indexInfo{Name: n, Active: n == active, Messages: c})
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "indices": out})
}

func (s *Server) indexMessages(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Store
	if st == nil || !st.Ready() {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	msgs, err := st.Recent(mux.Vars(r)["index"], limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "total": len(msgs)})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.opts.Jobs.List()})
}

func (s *Server) startRecreateIndex(w http.ResponseWriter, _ *http.Request) {
	job := &progressor.RecreateIndexJob{
		Lifecycle:    s.opts.Lifecycle,
		Store:        s.opts.Store,
		DrainTimeout: s.opts.DrainTimeout,
	}
	id, err := s.opts.Jobs.Start(s.opts.BaseContext, job)
	if errors.Is(err, progressor.ErrJobRunning) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error(), "id": id})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	st, _ := s.opts.Jobs.Get(id)
	w.Header().Set("Location", "/api/system/jobs/"+id)
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	st, ok := s.opts.Jobs.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
