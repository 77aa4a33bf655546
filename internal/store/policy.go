package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pagegrab/backend/internal/core"
)

func (p *Postgres) GetDomainPolicy(ctx context.Context, domain string) (*core.DomainPolicy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT domain, allowed, denied, rate_limit_per_minute, max_concurrent_jobs,
			permitted_strategies
		FROM domain_policies WHERE domain = $1`, domain)

	var (
		policy             core.DomainPolicy
		rateLimit, maxConc sql.NullInt64
		strategies         []byte
	)
	err := row.Scan(&policy.Domain, &policy.Allowed, &policy.Denied,
		&rateLimit, &maxConc, &strategies)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get domain policy %s: %w", domain, err)
	}

	if rateLimit.Valid {
		v := int(rateLimit.Int64)
		policy.RateLimitPerMinute = &v
	}
	if maxConc.Valid {
		v := int(maxConc.Int64)
		policy.MaxConcurrentJobs = &v
	}
	if len(strategies) > 0 {
		_ = json.Unmarshal(strategies, &policy.PermittedStrategies)
	}
	return &policy, nil
}

func (p *Postgres) UpsertDomainPolicy(ctx context.Context, policy *core.DomainPolicy) error {
	var strategies interface{}
	if len(policy.PermittedStrategies) > 0 {
		data, err := json.Marshal(policy.PermittedStrategies)
		if err != nil {
			return fmt.Errorf("marshal permitted strategies: %w", err)
		}
		strategies = data
	}

	var rateLimit, maxConc sql.NullInt64
	if policy.RateLimitPerMinute != nil {
		rateLimit = sql.NullInt64{Int64: int64(*policy.RateLimitPerMinute), Valid: true}
	}
	if policy.MaxConcurrentJobs != nil {
		maxConc = sql.NullInt64{Int64: int64(*policy.MaxConcurrentJobs), Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO domain_policies (domain, allowed, denied, rate_limit_per_minute,
			max_concurrent_jobs, permitted_strategies)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (domain) DO UPDATE SET
			allowed = EXCLUDED.allowed,
			denied = EXCLUDED.denied,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			permitted_strategies = EXCLUDED.permitted_strategies`,
		policy.Domain, policy.Allowed, policy.Denied, rateLimit, maxConc, strategies)
	if err != nil {
		return fmt.Errorf("upsert domain policy %s: %w", policy.Domain, err)
	}
	return nil
}

// InsertAudit appends one policy decision. Audit rows are never updated.
func (p *Postgres) InsertAudit(ctx context.Context, entry *core.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	var userID, ipAddr sql.NullString
	if entry.UserID != "" {
		userID = sql.NullString{String: entry.UserID, Valid: true}
	}
	if entry.IPAddress != "" {
		ipAddr = sql.NullString{String: entry.IPAddress, Valid: true}
	}
	var rateApplied, concApplied sql.NullInt64
	if entry.RateLimitApplied != nil {
		rateApplied = sql.NullInt64{Int64: int64(*entry.RateLimitApplied), Valid: true}
	}
	if entry.ConcurrencyLimitApplied != nil {
		concApplied = sql.NullInt64{Int64: int64(*entry.ConcurrencyLimitApplied), Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, job_id, domain, url, strategy,
			authorization_mode, allowed, action, reason, user_id, ip_address,
			rate_limit_applied, concurrency_limit_applied, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID, entry.JobID, entry.Domain, entry.URL, string(entry.Strategy),
		string(entry.AuthorizationMode), entry.Allowed, string(entry.Action),
		entry.Reason, userID, ipAddr, rateApplied, concApplied, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit for %s: %w", entry.Domain, err)
	}
	return nil
}
