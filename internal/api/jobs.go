package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/orchestrator"
	"github.com/pagegrab/backend/internal/state"
	"github.com/pagegrab/backend/internal/targets"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func authMode(r *http.Request) core.AuthMode {
	switch core.AuthMode(r.Header.Get("X-Auth-Mode")) {
	case core.AuthInternal:
		return core.AuthInternal
	case core.AuthPrivileged:
		return core.AuthPrivileged
	default:
		return core.AuthPublic
	}
}

// POST /jobs?domain=&url=&job_type=&strategy=&priority=[&idempotency_key=]
// Body is the job payload. Denied jobs still return 201; GET reflects the
// failure.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawDomain := q.Get("domain")
	url := q.Get("url")
	if rawDomain == "" || url == "" {
		writeError(w, http.StatusBadRequest, "domain and url are required")
		return
	}

	domain, err := targets.RegisteredDomain(rawDomain)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unrecognized domain: "+rawDomain)
		return
	}

	strategy := core.Strategy(q.Get("strategy"))
	if strategy == "" {
		strategy = core.StrategyVanilla
	}
	if !strategy.Valid() {
		writeError(w, http.StatusBadRequest, "unknown strategy: "+string(strategy))
		return
	}

	priority := int(core.PriorityNormal)
	if raw := q.Get("priority"); raw != "" {
		priority, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "priority must be an integer")
			return
		}
	}

	jobType := core.JobType(q.Get("job_type"))
	if jobType == "" {
		jobType = core.TypeNavigateExtract
	}

	var payload map[string]interface{}
	if r.Body != nil {
		// An empty body is a valid no-payload submission.
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	jobID, err := s.orch.CreateJob(r.Context(), orchestrator.SubmitRequest{
		Domain:         domain,
		URL:            url,
		Type:           jobType,
		Strategy:       strategy,
		Payload:        payload,
		Priority:       core.Priority(priority),
		IdempotencyKey: q.Get("idempotency_key"),
		AuthMode:       authMode(r),
		UserID:         r.Header.Get("X-User-ID"),
		ClientIP:       clientIP(r),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.RecordSubmission(string(strategy), strconv.Itoa(priority))
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id": jobID,
		"status": "created",
		"domain": domain,
	})
}

// GET /jobs/{job_id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, err := s.orch.GetJobStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":       job.ID,
		"status":       job.Status,
		"domain":       job.Domain,
		"url":          job.URL,
		"strategy":     job.Strategy,
		"result":       job.Result,
		"artifacts":    job.Artifacts,
		"error":        job.Error,
		"created_at":   job.CreatedAt,
		"started_at":   job.StartedAt,
		"completed_at": job.CompletedAt,
		"attempts":     job.Attempts,
	})
}

// DELETE /jobs/{job_id}
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	err := s.orch.CancelJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		// Already settled: report the failed cancellation, not an error.
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// GET /queue/stats
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, counts, err := s.orch.GetQueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	jobCounts := map[string]int{}
	for status, n := range counts {
		jobCounts[string(status)] = n
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue":        stats.Streams,
		"delayed":      map[string]int64{"count": stats.Delayed},
		"dlq":          map[string]int64{"count": stats.DLQ},
		"jobs":         jobCounts,
		"running_jobs": counts[core.StatusRunning],
		"workers":      s.workers,
	})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]HealthChecker{"database": s.db, "kv": s.kv}
	for name, check := range checks {
		if check == nil {
			continue
		}
		if err := check.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"failed": name,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
