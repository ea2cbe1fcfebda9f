package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Pinger reports whether the Redis backing stores are reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PipelineStats exposes the pipeline depth figures the readiness check
// reports.
type PipelineStats interface {
	Pending(ctx context.Context) (int64, error)
	QuarantineCount(ctx context.Context) (int64, error)
}

// Server provides HTTP health check endpoints for the pipeline daemon.
type Server struct {
	pinger Pinger
	stats  PipelineStats
	server *http.Server
}

// NewServer creates a health check server. stats may be nil, in which case
// /readyz only reports Redis connectivity.
func NewServer(pinger Pinger, stats PipelineStats) *Server {
	return &Server{
		pinger: pinger,
		stats:  stats,
	}
}

// Start starts the HTTP server on the given port in the background.
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthCheckHandler)
	mux.HandleFunc("/readyz", s.readyCheckHandler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Health server error: %v\n", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the health check server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// healthCheckHandler handles GET /healthz requests.
// Returns 200 OK if Redis is accessible, 503 Service Unavailable otherwise.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status: "healthy",
	}

	if err := s.pinger.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(response)
		return
	}

	response.Redis = "connected"

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// readyCheckHandler handles GET /readyz requests. On top of Redis
// connectivity it reports the pending event depth and the quarantine size,
// so operators can see backlog before it becomes an incident.
func (s *Server) readyCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := ReadyResponse{
		Status: "ready",
	}

	if err := s.pinger.Ping(ctx); err != nil {
		response.Status = "not ready"
		response.Error = err.Error()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(response)
		return
	}

	if s.stats != nil {
		if pending, err := s.stats.Pending(ctx); err == nil {
			response.PendingEvents = pending
		}
		if quarantined, err := s.stats.QuarantineCount(ctx); err == nil {
			response.QuarantinedEvents = quarantined
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// HealthResponse is the JSON response structure for /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ReadyResponse is the JSON response structure for /readyz.
type ReadyResponse struct {
	Status            string `json:"status"`
	PendingEvents     int64  `json:"pending_events"`
	QuarantinedEvents int64  `json:"quarantined_events"`
	Error             string `json:"error,omitempty"`
}
