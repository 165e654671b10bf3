// Package api exposes the orchestrator's observability surface:
// /healthz, /status (per-category snapshot + host stats) and /metrics.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ak3tsm7/pipeline-orchestrator/internal/orchestrator"
	"github.com/ak3tsm7/pipeline-orchestrator/internal/queue"
)

// State holds the latest cycle snapshots published by the orchestrator
// loop. The loop writes, HTTP handlers read.
type State struct {
	mu        sync.RWMutex
	snapshots []orchestrator.Snapshot
	updatedAt time.Time
}

// Update is the loop's OnCycle callback.
func (s *State) Update(snaps []orchestrator.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = snaps
	s.updatedAt = time.Now()
}

func (s *State) get() ([]orchestrator.Snapshot, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots, s.updatedAt
}

type Server struct {
	store *queue.Store
	state *State
	start time.Time
	log   zerolog.Logger
}

func NewServer(st *queue.Store, state *State, log zerolog.Logger) *Server {
	return &Server{
		store: st,
		state: state,
		start: time.Now(),
		log:   log.With().Str("component", "api").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe blocks serving the router on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info().Str("addr", addr).Msg("api listening")
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	UptimeSeconds float64                 `json:"uptime_seconds"`
	UpdatedAt     time.Time               `json:"updated_at"`
	Categories    []orchestrator.Snapshot `json:"categories"`
	Host          hostStats               `json:"host"`
}

type hostStats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snaps, updatedAt := s.state.get()

	resp := statusResponse{
		UptimeSeconds: time.Since(s.start).Seconds(),
		UpdatedAt:     updatedAt,
		Categories:    snaps,
	}
	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		resp.Host.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Host.MemUsedPercent = vm.UsedPercent
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
