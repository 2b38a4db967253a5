// Package health serves the liveness and readiness probes of the bridge.
//
// Liveness fails only when the bridge marked itself dead and must be
// restarted; readiness fails while the upstream process is not Ready or
// admission is closed, meaning "retry later".
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/viant/mcpbridge/router"
	"github.com/viant/mcpbridge/supervisor"
)

const (
	LivenessPath  = "/healthz"
	ReadinessPath = "/readyz"
	// HealthPath is the plain health check deployment platforms probe by default.
	HealthPath = "/health"
	// ServiceName identifies the bridge in the HealthPath body.
	ServiceName = "playwright-mcp-server"
)

// Upstream reports the upstream process state.
type Upstream interface {
	Status() *supervisor.Status
}

// Sessions reports router state.
type Sessions interface {
	Admitting() bool
	Stats() router.Stats
}

// Report is the readiness body.
type Report struct {
	Status    string             `json:"status"`
	Admitting bool               `json:"admitting"`
	Upstream  *supervisor.Status `json:"upstream,omitempty"`
	Sessions  router.Stats       `json:"sessions"`
}

// Service answers health probes.
type Service struct {
	upstream Upstream
	sessions Sessions
	dead     atomic.Bool
}

// MarkDead makes liveness fail permanently.
func (s *Service) MarkDead() {
	s.dead.Store(true)
}

// Live reports liveness.
func (s *Service) Live() bool {
	return !s.dead.Load()
}

// Ready reports readiness with its details.
func (s *Service) Ready() (bool, *Report) {
	report := &Report{Status: "unavailable"}
	if s.upstream != nil {
		report.Upstream = s.upstream.Status()
	}
	if s.sessions != nil {
		report.Admitting = s.sessions.Admitting()
		report.Sessions = s.sessions.Stats()
	}
	ready := s.Live() && report.Admitting && report.Upstream != nil && report.Upstream.Ready
	if ready {
		report.Status = "ok"
	}
	return ready, report
}

// LivenessHandler serves the liveness probe.
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Live() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "dead"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthHandler serves the plain health check: liveness with the service name.
func (s *Service) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Live() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "dead", "service": ServiceName})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": ServiceName})
}

// ReadinessHandler serves the readiness probe.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready, report := s.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// RegisterHandlers mounts both probes.
func (s *Service) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET "+LivenessPath, s.LivenessHandler)
	mux.HandleFunc("GET "+HealthPath, s.HealthHandler)
	mux.HandleFunc("GET "+ReadinessPath, s.ReadinessHandler)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// New creates a health service.
func New(upstream Upstream, sessions Sessions) *Service {
	return &Service{upstream: upstream, sessions: sessions}
}
