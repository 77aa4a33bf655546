package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/pagegrab/backend/internal/core"
)

// incidentMessageLimit matches the VARCHAR(500) column.
const incidentMessageLimit = 500

func (p *Postgres) InsertMemory(ctx context.Context, mem *core.JobMemory) (int64, error) {
	content, err := marshalMap(mem.Content)
	if err != nil {
		return 0, err
	}
	execCtx, err := marshalMap(mem.ExecutionContext)
	if err != nil {
		return 0, err
	}
	paths, err := json.Marshal(stringsOrEmpty(mem.ArtifactPaths))
	if err != nil {
		return 0, fmt.Errorf("marshal artifact paths: %w", err)
	}
	signed, err := json.Marshal(stringsOrEmpty(mem.SignedArtifacts))
	if err != nil {
		return 0, fmt.Errorf("marshal signed artifacts: %w", err)
	}

	var adapterVersion sql.NullInt64
	if mem.AdapterVersion != nil {
		adapterVersion = sql.NullInt64{Int64: int64(*mem.AdapterVersion), Valid: true}
	}

	var id int64
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO job_memories (job_id, content, artifact_paths, signed_artifacts,
			adapter_version, execution_context)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		mem.JobID, content, paths, signed, adapterVersion, execCtx).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert memory for job %s: %w", mem.JobID, err)
	}
	return id, nil
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// LatestMemory returns the row with the highest id for the job. Newer wins.
func (p *Postgres) LatestMemory(ctx context.Context, jobID string) (*core.JobMemory, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, job_id, content, artifact_paths, signed_artifacts,
			adapter_version, execution_context, created_at
		FROM job_memories WHERE job_id = $1 ORDER BY id DESC LIMIT 1`, jobID)

	var (
		mem                  core.JobMemory
		content, execCtx     []byte
		paths, signed        []byte
		adapterVersion       sql.NullInt64
	)
	err := row.Scan(&mem.ID, &mem.JobID, &content, &paths, &signed,
		&adapterVersion, &execCtx, &mem.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest memory %s: %w", jobID, err)
	}

	mem.Content = unmarshalMap(content)
	mem.ExecutionContext = unmarshalMap(execCtx)
	_ = json.Unmarshal(paths, &mem.ArtifactPaths)
	_ = json.Unmarshal(signed, &mem.SignedArtifacts)
	if adapterVersion.Valid {
		v := int(adapterVersion.Int64)
		mem.AdapterVersion = &v
	}
	return &mem, nil
}

func (p *Postgres) GetAdapter(ctx context.Context, domain string) (*core.SiteAdapter, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT domain, selectors, wait_strategies, version, audit_trail,
			success_rate, avg_execution_time, common_errors
		FROM site_adapters WHERE domain = $1`, domain)

	var (
		adapter                 core.SiteAdapter
		selectors, waits        []byte
		auditTrail, commonErrs  []byte
	)
	err := row.Scan(&adapter.Domain, &selectors, &waits, &adapter.Version,
		&auditTrail, &adapter.SuccessRate, &adapter.AvgExecutionTime, &commonErrs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get adapter %s: %w", domain, err)
	}

	adapter.Selectors = make(map[string]string)
	adapter.WaitStrategies = make(map[string]interface{})
	adapter.CommonErrors = make(map[string]int)
	_ = json.Unmarshal(selectors, &adapter.Selectors)
	_ = json.Unmarshal(waits, &adapter.WaitStrategies)
	_ = json.Unmarshal(auditTrail, &adapter.AuditTrail)
	_ = json.Unmarshal(commonErrs, &adapter.CommonErrors)
	return &adapter, nil
}

// SaveAdapter inserts or updates on the unique domain key.
func (p *Postgres) SaveAdapter(ctx context.Context, adapter *core.SiteAdapter) error {
	selectors, err := json.Marshal(adapter.Selectors)
	if err != nil {
		return fmt.Errorf("marshal selectors: %w", err)
	}
	waits, err := json.Marshal(adapter.WaitStrategies)
	if err != nil {
		return fmt.Errorf("marshal wait strategies: %w", err)
	}
	auditTrail, err := json.Marshal(adapter.AuditTrail)
	if err != nil {
		return fmt.Errorf("marshal audit trail: %w", err)
	}
	commonErrs, err := json.Marshal(adapter.CommonErrors)
	if err != nil {
		return fmt.Errorf("marshal common errors: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO site_adapters (domain, selectors, wait_strategies, version,
			audit_trail, success_rate, avg_execution_time, common_errors, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (domain) DO UPDATE SET
			selectors = EXCLUDED.selectors,
			wait_strategies = EXCLUDED.wait_strategies,
			version = EXCLUDED.version,
			audit_trail = EXCLUDED.audit_trail,
			success_rate = EXCLUDED.success_rate,
			avg_execution_time = EXCLUDED.avg_execution_time,
			common_errors = EXCLUDED.common_errors,
			updated_at = now()`,
		adapter.Domain, selectors, waits, adapter.Version, auditTrail,
		adapter.SuccessRate, adapter.AvgExecutionTime, commonErrs)
	if err != nil {
		return fmt.Errorf("save adapter %s: %w", adapter.Domain, err)
	}
	return nil
}

func (p *Postgres) AppendIncidents(ctx context.Context, incidents []*core.Incident) error {
	if len(incidents) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin incident tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO incidents (job_id, domain, error_type, message, severity, context)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("prepare incident insert: %w", err)
	}
	defer stmt.Close()

	for _, inc := range incidents {
		msg := inc.Message
		if len(msg) > incidentMessageLimit {
			msg = msg[:incidentMessageLimit]
		}
		incCtx, err := marshalMap(inc.Context)
		if err != nil {
			return err
		}
		var jobID sql.NullString
		if inc.JobID != "" {
			jobID = sql.NullString{String: inc.JobID, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, jobID, inc.Domain,
			string(inc.ErrorType), msg, string(inc.Severity), incCtx); err != nil {
			return fmt.Errorf("insert incident for %s: %w", inc.Domain, err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) FetchIncidents(ctx context.Context, domain string, limit int) ([]*core.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, job_id, domain, error_type, message, severity, context,
			created_at, resolved, reflection_applied, reflection_version
		FROM incidents WHERE domain = $1 ORDER BY created_at DESC LIMIT $2`,
		domain, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch incidents %s: %w", domain, err)
	}
	defer rows.Close()

	var incidents []*core.Incident
	for rows.Next() {
		var (
			inc               core.Incident
			jobID             sql.NullString
			errType, severity string
			incCtx            []byte
			reflVersion       sql.NullInt64
		)
		if err := rows.Scan(&inc.ID, &jobID, &inc.Domain, &errType, &inc.Message,
			&severity, &incCtx, &inc.CreatedAt, &inc.Resolved,
			&inc.ReflectionApplied, &reflVersion); err != nil {
			return nil, err
		}
		inc.JobID = jobID.String
		inc.ErrorType = core.IncidentType(errType)
		inc.Severity = core.IncidentSeverity(severity)
		inc.Context = unmarshalMap(incCtx)
		if reflVersion.Valid {
			v := int(reflVersion.Int64)
			inc.ReflectionVersion = &v
		}
		incidents = append(incidents, &inc)
	}
	return incidents, rows.Err()
}

// MarkIncidentsReflected flips the reflection flags after the rule engine ran.
func (p *Postgres) MarkIncidentsReflected(ctx context.Context, ids []int64, version int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE incidents SET resolved = TRUE, reflection_applied = TRUE,
			reflection_version = $1
		WHERE id = ANY($2)`, version, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("mark incidents reflected: %w", err)
	}
	return nil
}

func (p *Postgres) AddSummary(ctx context.Context, summary *core.DomainSummary) error {
	data, err := marshalMap(summary.Summary)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO domain_summaries (domain, summary) VALUES ($1, $2)`,
		summary.Domain, data)
	if err != nil {
		return fmt.Errorf("add summary %s: %w", summary.Domain, err)
	}
	return nil
}

func (p *Postgres) LatestSummary(ctx context.Context, domain string) (*core.DomainSummary, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, domain, summary, created_at FROM domain_summaries
		WHERE domain = $1 ORDER BY id DESC LIMIT 1`, domain)

	var summary core.DomainSummary
	var data []byte
	err := row.Scan(&summary.ID, &summary.Domain, &data, &summary.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest summary %s: %w", domain, err)
	}
	summary.Summary = unmarshalMap(data)
	return &summary, nil
}
