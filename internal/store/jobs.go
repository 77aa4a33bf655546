package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pagegrab/backend/internal/core"
)

const jobColumns = `id, domain, url, job_type, strategy, payload, priority, status,
	attempts, retry_count, created_at, started_at, completed_at, result, artifacts,
	error, idempotency_key`

// marshalMap serializes a payload map to JSONB, passing NULL for empty maps.
func marshalMap(m map[string]interface{}) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	return data, nil
}

func unmarshalMap(data []byte) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func (p *Postgres) InsertJob(ctx context.Context, job *core.Job) error {
	payload, err := marshalMap(job.Payload)
	if err != nil {
		return err
	}

	var idempKey sql.NullString
	if job.IdempotencyKey != "" {
		idempKey = sql.NullString{String: job.IdempotencyKey, Valid: true}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, domain, url, job_type, strategy, payload, priority,
			status, attempts, retry_count, created_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.Domain, job.URL, string(job.Type), string(job.Strategy),
		payload, int(job.Priority), string(job.Status), job.Attempts,
		job.RetryCount, job.CreatedAt, idempKey)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func scanJob(row interface{ Scan(...interface{}) error }) (*core.Job, error) {
	var (
		job                        core.Job
		jobType, strategy, status  string
		priority                   int
		payload, result, artifacts []byte
		startedAt, completedAt     sql.NullTime
		errMsg, idempKey           sql.NullString
	)
	err := row.Scan(&job.ID, &job.Domain, &job.URL, &jobType, &strategy, &payload,
		&priority, &status, &job.Attempts, &job.RetryCount, &job.CreatedAt,
		&startedAt, &completedAt, &result, &artifacts, &errMsg, &idempKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Type = core.JobType(jobType)
	job.Strategy = core.Strategy(strategy)
	job.Status = core.JobStatus(status)
	job.Priority = core.Priority(priority)
	job.Payload = unmarshalMap(payload)
	job.Result = unmarshalMap(result)
	job.Artifacts = unmarshalMap(artifacts)
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	job.Error = errMsg.String
	job.IdempotencyKey = idempKey.String
	return &job, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (*core.Job, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (p *Postgres) GetJobByIdempotencyKey(ctx context.Context, key string) (*core.Job, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = $1`, key)
	return scanJob(row)
}

// UpdateJobStatus applies one status transition in a transaction. Started and
// completed timestamps are only ever set forward, never cleared. Rows already
// cancelled or dead-lettered reject further writes with ErrFinal.
func (p *Postgres) UpdateJobStatus(ctx context.Context, id string, u JobStatusUpdate) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback()

	sets := []string{"status = $1"}
	args := []interface{}{string(u.Status)}
	idx := 2

	if u.SetStartedAt {
		sets = append(sets, "started_at = COALESCE(started_at, now())")
	}
	if u.SetCompletedAt {
		sets = append(sets, "completed_at = now()")
	}
	if u.Result != nil {
		result, err := marshalMap(u.Result)
		if err != nil {
			return err
		}
		sets = append(sets, fmt.Sprintf("result = $%d", idx))
		args = append(args, result)
		idx++
	}
	if u.Artifacts != nil {
		artifacts, err := marshalMap(u.Artifacts)
		if err != nil {
			return err
		}
		sets = append(sets, fmt.Sprintf("artifacts = $%d", idx))
		args = append(args, artifacts)
		idx++
	}
	if u.ClearError {
		sets = append(sets, "error = NULL")
	} else if u.Error != "" {
		sets = append(sets, fmt.Sprintf("error = $%d", idx))
		args = append(args, u.Error)
		idx++
	}

	args = append(args, id)
	query := fmt.Sprintf(
		"UPDATE jobs SET %s WHERE id = $%d AND status NOT IN ('cancelled', 'dlq')",
		strings.Join(sets, ", "), idx)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Zero rows is either a missing job or one already settled in a
		// write-once state; callers treat the two differently.
		var one int
		if err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM jobs WHERE id = $1`, id).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("update job %s status: %w", id, err)
		}
		return ErrFinal
	}
	return tx.Commit()
}

// IncrementAttempts bumps the attempt counter atomically on the database side
// and returns the new count.
func (p *Postgres) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := p.db.QueryRowContext(ctx,
		`UPDATE jobs SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
		id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment attempts %s: %w", id, err)
	}
	return attempts, nil
}

func (p *Postgres) GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("jobs by status %s: %w", status, err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (p *Postgres) CountJobsByStatus(ctx context.Context) (map[core.JobStatus]int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[core.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[core.JobStatus(status)] = count
	}
	return counts, rows.Err()
}
