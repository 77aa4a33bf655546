// Package state is the sole mutator of job rows. It layers a short-TTL KV
// cache over the relational store; mutations invalidate, readers repopulate.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/kvstore"
	"github.com/pagegrab/backend/internal/store"
)

const cacheTTL = 300 * time.Second

// ErrNotFound is returned when the job does not exist.
var ErrNotFound = errors.New("state: job not found")

// ErrFinal is returned when a status write loses to an earlier cancellation
// or dead-letter routing. The row keeps its settled state.
var ErrFinal = errors.New("state: job already in a final state")

// UpdateOptions carries the optional fields of a status change.
type UpdateOptions struct {
	Result    map[string]interface{}
	Artifacts map[string]interface{}
	Error     string
}

// Manager owns the job status lifecycle.
type Manager struct {
	jobs store.JobStore
	kv   kvstore.KV
}

// NewManager creates a state manager.
func NewManager(jobs store.JobStore, kv kvstore.KV) *Manager {
	return &Manager{jobs: jobs, kv: kv}
}

func cacheKey(id string) string { return "job:state:" + id }

// CreateJob inserts a new pending row.
func (m *Manager) CreateJob(ctx context.Context, job *core.Job) error {
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if err := m.jobs.InsertJob(ctx, job); err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateStatus applies a transactional status change. Running sets started_at
// if null; terminal states set completed_at and record result or error.
// Terminal transitions invalidate the cache; non-terminal ones cache the
// fresh post-write row.
func (m *Manager) UpdateStatus(ctx context.Context, id string, status core.JobStatus, opts UpdateOptions) error {
	update := store.JobStatusUpdate{
		Status:    status,
		Result:    opts.Result,
		Artifacts: opts.Artifacts,
		Error:     opts.Error,
	}
	switch {
	case status == core.StatusRunning:
		update.SetStartedAt = true
	case status.Terminal():
		update.SetCompletedAt = true
	}
	// A completed job carries no error, including one left by an earlier
	// failed attempt.
	if status == core.StatusCompleted {
		update.ClearError = true
	}

	if err := m.jobs.UpdateJobStatus(ctx, id, update); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if errors.Is(err, store.ErrFinal) {
			return ErrFinal
		}
		return fmt.Errorf("update status %s -> %s: %w", id, status, err)
	}
	slog.Info("[State] Status updated", "job_id", id, "status", string(status))

	// Drop the stale entry first; a reader may repopulate from the DB but
	// never from pre-write state.
	if err := m.kv.Del(ctx, cacheKey(id)); err != nil {
		slog.Error("[State] Cache invalidation failed", "job_id", id, "error", err)
	}
	if !status.Terminal() {
		m.populateCache(ctx, id)
	}
	return nil
}

// GetJobState reads the cached row, falling back to the DB and repopulating
// the cache on a miss.
func (m *Manager) GetJobState(ctx context.Context, id string) (*core.Job, error) {
	raw, err := m.kv.Get(ctx, cacheKey(id))
	if err == nil {
		var job core.Job
		if err := json.Unmarshal([]byte(raw), &job); err == nil {
			return &job, nil
		}
		// Corrupt cache entry; fall through to the DB.
		_ = m.kv.Del(ctx, cacheKey(id))
	} else if !errors.Is(err, kvstore.ErrNotFound) {
		slog.Error("[State] Cache read failed", "job_id", id, "error", err)
	}

	job, err := m.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job state %s: %w", id, err)
	}
	m.cacheJob(ctx, job)
	return job, nil
}

// IncrementAttempts bumps the attempt counter atomically on the DB side and
// returns the new count.
func (m *Manager) IncrementAttempts(ctx context.Context, id string) (int, error) {
	count, err := m.jobs.IncrementAttempts(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts %s: %w", id, err)
	}
	if err := m.kv.Del(ctx, cacheKey(id)); err != nil {
		slog.Error("[State] Cache invalidation failed", "job_id", id, "error", err)
	}
	return count, nil
}

// GetJobsByStatus lists jobs in a given status for supervision sweeps.
func (m *Manager) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	jobs, err := m.jobs.GetJobsByStatus(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("jobs by status %s: %w", status, err)
	}
	return jobs, nil
}

// CountJobsByStatus returns status counts for the stats endpoints.
func (m *Manager) CountJobsByStatus(ctx context.Context) (map[core.JobStatus]int, error) {
	counts, err := m.jobs.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

func (m *Manager) populateCache(ctx context.Context, id string) {
	job, err := m.jobs.GetJob(ctx, id)
	if err != nil {
		slog.Error("[State] Cache refresh read failed", "job_id", id, "error", err)
		return
	}
	m.cacheJob(ctx, job)
}

func (m *Manager) cacheJob(ctx context.Context, job *core.Job) {
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := m.kv.Set(ctx, cacheKey(job.ID), string(data), cacheTTL); err != nil {
		slog.Error("[State] Cache write failed", "job_id", job.ID, "error", err)
	}
}
