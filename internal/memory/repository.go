package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/store"
)

// Repository fronts the memory tables and keeps the cache coherent with
// writes. Reads go through the single-flight cache.
type Repository struct {
	db    store.MemoryStore
	cache *Cache
}

// NewRepository creates a repository over the memory store and cache.
func NewRepository(db store.MemoryStore, cache *Cache) *Repository {
	return &Repository{db: db, cache: cache}
}

// UpsertMemory appends a new memory row (newer id wins on read) and
// invalidates the cache entry so the next read observes it.
func (r *Repository) UpsertMemory(ctx context.Context, mem *core.JobMemory) (int64, error) {
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now()
	}
	id, err := r.db.InsertMemory(ctx, mem)
	if err != nil {
		return 0, fmt.Errorf("upsert memory %s: %w", mem.JobID, err)
	}
	if err := r.cache.Invalidate(ctx, mem.JobID); err != nil {
		return id, err
	}
	return id, nil
}

// GetMemory returns the latest memory row for a job, or nil when none exists.
func (r *Repository) GetMemory(ctx context.Context, jobID string) (*core.JobMemory, error) {
	return r.cache.GetOrLoad(ctx, jobID, func(ctx context.Context) (*core.JobMemory, error) {
		mem, err := r.db.LatestMemory(ctx, jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return mem, nil
	})
}

// GetAdapter loads the adapter for a domain, or nil when none exists yet.
func (r *Repository) GetAdapter(ctx context.Context, domain string) (*core.SiteAdapter, error) {
	adapter, err := r.db.GetAdapter(ctx, domain)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get adapter %s: %w", domain, err)
	}
	return adapter, nil
}

// SaveAdapter inserts or updates the domain's adapter row.
func (r *Repository) SaveAdapter(ctx context.Context, adapter *core.SiteAdapter) error {
	if err := r.db.SaveAdapter(ctx, adapter); err != nil {
		return fmt.Errorf("save adapter %s: %w", adapter.Domain, err)
	}
	return nil
}

// AppendIncidents bulk-inserts classified failures.
func (r *Repository) AppendIncidents(ctx context.Context, incidents []*core.Incident) error {
	if len(incidents) == 0 {
		return nil
	}
	if err := r.db.AppendIncidents(ctx, incidents); err != nil {
		return fmt.Errorf("append incidents: %w", err)
	}
	return nil
}

// FetchIncidents lists a domain's incidents, newest first.
func (r *Repository) FetchIncidents(ctx context.Context, domain string, limit int) ([]*core.Incident, error) {
	incidents, err := r.db.FetchIncidents(ctx, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch incidents %s: %w", domain, err)
	}
	return incidents, nil
}

// MarkIncidentsReflected stamps incidents with the adapter version that
// absorbed them.
func (r *Repository) MarkIncidentsReflected(ctx context.Context, ids []int64, version int) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.MarkIncidentsReflected(ctx, ids, version); err != nil {
		return fmt.Errorf("mark incidents reflected: %w", err)
	}
	return nil
}

// AddSummary persists a reflection rollup.
func (r *Repository) AddSummary(ctx context.Context, summary *core.DomainSummary) error {
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now()
	}
	if err := r.db.AddSummary(ctx, summary); err != nil {
		return fmt.Errorf("add summary %s: %w", summary.Domain, err)
	}
	return nil
}

// LatestSummary returns the newest rollup for a domain, or nil.
func (r *Repository) LatestSummary(ctx context.Context, domain string) (*core.DomainSummary, error) {
	summary, err := r.db.LatestSummary(ctx, domain)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest summary %s: %w", domain, err)
	}
	return summary, nil
}
