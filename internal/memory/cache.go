// Package memory persists and serves execution outcomes: a read-through KV
// cache with a single-flight lock over the append-only memory rows.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/kvstore"
)

const (
	cacheTTL     = 600 * time.Second
	lockTTL      = 5 * time.Second
	pollAttempts = 10
	pollInterval = 50 * time.Millisecond
)

// Loader fetches the payload on a cache miss. A nil return with nil error
// means no memory exists.
type Loader func(ctx context.Context) (*core.JobMemory, error)

// Cache is the single-flight read-through cache for job memories.
type Cache struct {
	kv    kvstore.KV
	sleep func(time.Duration)
}

// NewCache creates a cache.
func NewCache(kv kvstore.KV) *Cache {
	return &Cache{kv: kv, sleep: time.Sleep}
}

func cacheKey(jobID string) string { return "memory:job:" + jobID }
func lockKey(jobID string) string  { return "memory:job:lock:" + jobID }

// GetOrLoad returns the cached memory for jobID, loading it at most once
// across concurrent callers. The lock winner loads and populates; losers poll
// the cache briefly and fall back to a direct load (without a cache write) so
// the worst-case wait stays bounded.
func (c *Cache) GetOrLoad(ctx context.Context, jobID string, load Loader) (*core.JobMemory, error) {
	if mem, ok := c.read(ctx, jobID); ok {
		return mem, nil
	}

	won, err := c.kv.SetNX(ctx, lockKey(jobID), "1", lockTTL)
	if err != nil {
		return nil, fmt.Errorf("memory lock %s: %w", jobID, err)
	}

	if won {
		defer func() {
			if err := c.kv.Del(ctx, lockKey(jobID)); err != nil {
				slog.Error("[Memory] Lock release failed", "job_id", jobID, "error", err)
			}
		}()

		mem, err := load(ctx)
		if err != nil {
			return nil, fmt.Errorf("memory load %s: %w", jobID, err)
		}
		if mem != nil {
			c.write(ctx, jobID, mem)
		}
		return mem, nil
	}

	// Someone else is loading; wait for their cache write.
	for i := 0; i < pollAttempts; i++ {
		c.sleep(pollInterval)
		if mem, ok := c.read(ctx, jobID); ok {
			return mem, nil
		}
	}

	// The winner is slow or died with the lock. Load directly, skip the
	// cache write so a stale loser can never clobber the winner's entry.
	return load(ctx)
}

// Invalidate drops the cache entry for a job.
func (c *Cache) Invalidate(ctx context.Context, jobID string) error {
	if err := c.kv.Del(ctx, cacheKey(jobID)); err != nil {
		return fmt.Errorf("memory invalidate %s: %w", jobID, err)
	}
	return nil
}

func (c *Cache) read(ctx context.Context, jobID string) (*core.JobMemory, bool) {
	raw, err := c.kv.Get(ctx, cacheKey(jobID))
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			slog.Error("[Memory] Cache read failed", "job_id", jobID, "error", err)
		}
		return nil, false
	}
	var mem core.JobMemory
	if err := json.Unmarshal([]byte(raw), &mem); err != nil {
		_ = c.kv.Del(ctx, cacheKey(jobID))
		return nil, false
	}
	return &mem, true
}

func (c *Cache) write(ctx context.Context, jobID string, mem *core.JobMemory) {
	data, err := json.Marshal(mem)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, cacheKey(jobID), string(data), cacheTTL); err != nil {
		slog.Error("[Memory] Cache write failed", "job_id", jobID, "error", err)
	}
}
