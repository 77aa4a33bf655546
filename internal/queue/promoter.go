package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pagegrab/backend/internal/core"
)

const (
	promoterLockKey = "jobs:delayed:leader"
	promoterLockTTL = 10 * time.Second
	heartbeat       = 5 * time.Second
	pollInterval    = 1 * time.Second
	promoteBatch    = 100
)

// Promoter moves due entries from the delayed zset onto their priority
// streams. Only one promoter runs at a time across all pods; leadership is a
// KV lease renewed on a heartbeat and lost on crash via its TTL.
type Promoter struct {
	m  *Manager
	id string
}

// NewPromoter creates a promoter for the given queue manager.
func NewPromoter(m *Manager) *Promoter {
	return &Promoter{m: m, id: uuid.NewString()}
}

// Run polls until the context is cancelled. Pods that fail to win the lease
// keep retrying; the winner renews it every heartbeat.
func (p *Promoter) Run(ctx context.Context) {
	slog.Info("[Queue] Promoter started", "promoter_id", p.id)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastRenewal := time.Time{}
	for {
		select {
		case <-ctx.Done():
			p.release(context.WithoutCancel(ctx))
			slog.Info("[Queue] Promoter stopped", "promoter_id", p.id)
			return
		case <-ticker.C:
		}

		leader, err := p.ensureLease(ctx, &lastRenewal)
		if err != nil {
			slog.Error("[Queue] Promoter lease error", "error", err)
			continue
		}
		if !leader {
			continue
		}

		if n, err := p.promoteDue(ctx); err != nil {
			slog.Error("[Queue] Promotion failed", "error", err)
		} else if n > 0 {
			slog.Info("[Queue] Promoted delayed jobs", "count", n)
		}
	}
}

func (p *Promoter) ensureLease(ctx context.Context, lastRenewal *time.Time) (bool, error) {
	if !lastRenewal.IsZero() && time.Since(*lastRenewal) < heartbeat {
		return true, nil
	}

	ok, err := p.m.kv.SetNX(ctx, promoterLockKey, p.id, promoterLockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		holder, err := p.m.kv.Get(ctx, promoterLockKey)
		if err != nil || holder != p.id {
			*lastRenewal = time.Time{}
			return false, nil
		}
		// Still ours; extend.
		if err := p.m.kv.Expire(ctx, promoterLockKey, promoterLockTTL); err != nil {
			return false, err
		}
	}
	*lastRenewal = time.Now()
	return true, nil
}

func (p *Promoter) release(ctx context.Context) {
	holder, err := p.m.kv.Get(ctx, promoterLockKey)
	if err == nil && holder == p.id {
		_ = p.m.kv.Del(ctx, promoterLockKey)
	}
}

// promoteDue pops entries whose score has come due and appends them to their
// priority streams. ZREM-before-XADD keeps double promotion out even if two
// leaders briefly overlap; a crash between the two loses at most one delayed
// retry, which the at-least-once contract tolerates.
func (p *Promoter) promoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(p.m.now().Unix(), 10)
	members, err := p.m.kv.ZRangeByScoreWithScores(ctx, delayedKey, "0", now, promoteBatch)
	if err != nil {
		return 0, fmt.Errorf("promoter scan: %w", err)
	}

	promoted := 0
	for _, member := range members {
		if err := p.m.kv.ZRem(ctx, delayedKey, member.Member); err != nil {
			return promoted, fmt.Errorf("promoter zrem: %w", err)
		}
		jobID, priority, domain, retry := splitDelayedMember(member.Member)
		if jobID == "" {
			slog.Warn("[Queue] Dropping malformed delayed entry", "member", member.Member)
			continue
		}
		if _, err := p.m.append(ctx, jobID, priority, domain, retry); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// splitDelayedMember parses "job_id|priority|domain" with an optional
// "|retry_count|last_error_type" suffix for delayed retries. None of the
// segments contain '|'.
func splitDelayedMember(member string) (string, core.Priority, string, *RetryInfo) {
	parts := strings.SplitN(member, "|", 5)
	if len(parts) != 3 && len(parts) != 5 {
		return "", 0, "", nil
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", nil
	}
	var retry *RetryInfo
	if len(parts) == 5 {
		count, err := strconv.Atoi(parts[3])
		if err != nil {
			return "", 0, "", nil
		}
		retry = &RetryInfo{Count: count, LastErrorType: parts[4]}
	}
	return parts[0], core.Priority(n).Clamp(), parts[2], retry
}
