// Package api exposes the job platform over REST/JSON.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pagegrab/backend/internal/monitoring"
	"github.com/pagegrab/backend/internal/orchestrator"
)

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server wires the HTTP surface to the orchestrator.
type Server struct {
	orch     *orchestrator.Orchestrator
	metrics  *monitoring.Metrics
	db       HealthChecker
	kv       HealthChecker
	workers  int
	throttle *Throttle
	httpSrv  *http.Server
}

// NewServer creates the API server. metrics may be nil in tests.
func NewServer(orch *orchestrator.Orchestrator, metrics *monitoring.Metrics,
	db, kv HealthChecker, workers int) *Server {
	return &Server{
		orch: orch, metrics: metrics, db: db, kv: kv,
		workers:  workers,
		throttle: NewThrottle(120),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	r.Handle("/jobs", s.throttle.Middleware(http.HandlerFunc(s.handleCreateJob))).Methods("POST")
	r.HandleFunc("/jobs/{job_id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/jobs/{job_id}", s.handleCancelJob).Methods("DELETE")
	r.HandleFunc("/queue/stats", s.handleQueueStats).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[API] Listening", "port", port)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("[API] Request", "method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
