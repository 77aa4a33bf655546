package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Postgres bundles the three store interfaces over one *sql.DB.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to Postgres and verifies the connection.
func OpenPostgres(dbURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("[Store] Postgres connected")
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing handle (tests use this with sqlmock).
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Ping verifies database reachability for health checks.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Migrate creates the schema if it does not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	slog.Info("[Store] Schema migrated", "statements", len(schemaStatements))
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		domain TEXT NOT NULL,
		url TEXT NOT NULL,
		job_type TEXT NOT NULL,
		strategy TEXT NOT NULL,
		payload JSONB,
		priority INT NOT NULL DEFAULT 2,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		result JSONB,
		artifacts JSONB,
		error TEXT,
		idempotency_key TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_idempotency_key_idx
		ON jobs (idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status)`,
	`CREATE INDEX IF NOT EXISTS jobs_domain_idx ON jobs (domain)`,
	`CREATE TABLE IF NOT EXISTS site_adapters (
		id BIGSERIAL PRIMARY KEY,
		domain TEXT NOT NULL UNIQUE,
		selectors JSONB NOT NULL DEFAULT '{}',
		wait_strategies JSONB NOT NULL DEFAULT '{}',
		version INT NOT NULL DEFAULT 1,
		audit_trail JSONB NOT NULL DEFAULT '[]',
		success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		avg_execution_time DOUBLE PRECISION NOT NULL DEFAULT 0,
		common_errors JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id BIGSERIAL PRIMARY KEY,
		job_id UUID,
		domain TEXT NOT NULL,
		error_type TEXT NOT NULL,
		message VARCHAR(500) NOT NULL,
		severity TEXT NOT NULL DEFAULT 'medium',
		context JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		reflection_applied BOOLEAN NOT NULL DEFAULT FALSE,
		reflection_version INT
	)`,
	`CREATE INDEX IF NOT EXISTS incidents_domain_created_idx
		ON incidents (domain, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS job_memories (
		id BIGSERIAL PRIMARY KEY,
		job_id UUID NOT NULL,
		content JSONB,
		artifact_paths JSONB NOT NULL DEFAULT '[]',
		signed_artifacts JSONB NOT NULL DEFAULT '[]',
		adapter_version INT,
		execution_context JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS job_memories_job_idx ON job_memories (job_id, id DESC)`,
	`CREATE TABLE IF NOT EXISTS domain_summaries (
		id BIGSERIAL PRIMARY KEY,
		domain TEXT NOT NULL,
		summary JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS domain_summaries_domain_idx
		ON domain_summaries (domain, id DESC)`,
	`CREATE TABLE IF NOT EXISTS domain_policies (
		domain TEXT PRIMARY KEY,
		allowed BOOLEAN NOT NULL DEFAULT TRUE,
		denied BOOLEAN NOT NULL DEFAULT FALSE,
		rate_limit_per_minute INT,
		max_concurrent_jobs INT,
		permitted_strategies JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id UUID PRIMARY KEY,
		job_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		url TEXT NOT NULL,
		strategy TEXT NOT NULL,
		authorization_mode TEXT NOT NULL,
		allowed BOOLEAN NOT NULL,
		action TEXT NOT NULL,
		reason TEXT NOT NULL,
		user_id TEXT,
		ip_address TEXT,
		rate_limit_applied INT,
		concurrency_limit_applied INT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_domain_idx ON audit_logs (domain, created_at DESC)`,
}
