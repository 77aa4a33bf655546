// Package idempotency provides keyed dedup of job submissions. Keys map to
// the job id they produced and expire after 24 hours.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pagegrab/backend/internal/kvstore"
)

const keyTTL = 86400 * time.Second

// Engine stores idempotency keys in the KV store under `idemp:{key}`.
type Engine struct {
	kv kvstore.KV
}

// New creates an engine.
func New(kv kvstore.KV) *Engine {
	return &Engine{kv: kv}
}

func fullKey(key string) string { return "idemp:" + key }

// Store records that key produced jobID. Overwrites refresh the TTL.
func (e *Engine) Store(ctx context.Context, key, jobID string) error {
	if err := e.kv.Set(ctx, fullKey(key), jobID, keyTTL); err != nil {
		return fmt.Errorf("idempotency store %s: %w", key, err)
	}
	return nil
}

// Check returns the job id previously stored for key, or "" when the key has
// never been seen (or has expired).
func (e *Engine) Check(ctx context.Context, key string) (string, error) {
	jobID, err := e.kv.Get(ctx, fullKey(key))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("idempotency check %s: %w", key, err)
	}
	return jobID, nil
}

// Exists reports whether key is live.
func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := e.kv.Exists(ctx, fullKey(key))
	if err != nil {
		return false, fmt.Errorf("idempotency exists %s: %w", key, err)
	}
	return ok, nil
}

// Delete drops the key, allowing resubmission.
func (e *Engine) Delete(ctx context.Context, key string) error {
	if err := e.kv.Del(ctx, fullKey(key)); err != nil {
		return fmt.Errorf("idempotency delete %s: %w", key, err)
	}
	return nil
}
