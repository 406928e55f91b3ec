// Package admin serves the read-only HTTP surface: Prometheus metrics and
// operational status, never tenant or route mutation endpoints.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgtermd/pgtermd/internal/metrics"
)

// RouteStatus is the read-only snapshot of one route exposed on /status. It
// never includes certificate material or upstream credentials.
type RouteStatus struct {
	Name            string `json:"name"`
	BindAddress     string `json:"bind_address"`
	UpstreamAddress string `json:"upstream_address"`
	MTLS            string `json:"mtls"`
	ActiveConns     int64  `json:"active_connections"`
}

// StatusProvider supplies the current route snapshot. The supervisor
// implements it; tests can substitute a static func.
type StatusProvider func() []RouteStatus

// Server is the admin HTTP server: /metrics, /healthz, /readyz, /status.
type Server struct {
	collector *metrics.Collector
	status    StatusProvider
	startTime time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates an admin server bound to the given metrics collector and
// route status provider.
func New(collector *metrics.Collector, status StatusProvider) *Server {
	return &Server{
		collector: collector,
		status:    status,
		startTime: time.Now(),
	}
}

// Start binds addr and serves in a background goroutine.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/readyz", s.readyzHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin server: %w", err)
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	go httpServer.Serve(ln)
	return nil
}

// Stop gracefully shuts down the admin server, waiting up to 10 seconds for
// in-flight requests to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()
	if httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyzHandler reports ready once at least one route has been configured;
// an empty route set means configuration never finished loading.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	routes := s.status()
	if len(routes) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"routes":         s.status(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
