package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the engine's operational surface: a liveness answer for
// load balancers on /health, the per-network breakdown on /health/detailed,
// and prometheus metrics.
type Server struct {
	monitor *Monitor
	srv     *http.Server
}

// NewServer creates a health server bound to the given port.
func NewServer(monitor *Monitor, port int) *Server {
	s := &Server{monitor: monitor}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Stop or a listener error.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Stop shuts the server down, honoring the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := aggregate(s.monitor.CheckHealth(r.Context()))

	code := http.StatusOK
	if status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(status)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

// aggregate folds per-network states into one answer: any critical network
// fails the instance, any degraded one demotes it.
func aggregate(report map[string]NetworkHealth) SystemStatus {
	status := StatusHealthy
	for _, network := range report {
		switch network.Status {
		case StatusCritical:
			return StatusCritical
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
