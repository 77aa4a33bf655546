// Package store is the relational persistence layer: job rows, site adapters,
// incidents, job memories, summaries, domain policies and audit logs.
//
// Consumers depend on the narrow interfaces below; Postgres is the production
// implementation. Tests substitute sqlmock or in-memory fakes.
package store

import (
	"context"
	"errors"

	"github.com/pagegrab/backend/internal/core"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrFinal is returned when a status write targets a row already in a
// cancelled or dead-letter state. Those states are write-once.
var ErrFinal = errors.New("store: job already in a final state")

// JobStatusUpdate describes a transactional status change applied to one job
// row. Zero-value fields are left untouched.
type JobStatusUpdate struct {
	Status         core.JobStatus
	Result         map[string]interface{}
	Artifacts      map[string]interface{}
	Error          string
	ClearError     bool // null out the error column; wins over Error
	SetStartedAt   bool // set started_at=now() if currently null
	SetCompletedAt bool // set completed_at=now()
}

// JobStore owns the jobs table. The State Manager is its only caller for
// mutations.
type JobStore interface {
	InsertJob(ctx context.Context, job *core.Job) error
	GetJob(ctx context.Context, id string) (*core.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, key string) (*core.Job, error)
	UpdateJobStatus(ctx context.Context, id string, u JobStatusUpdate) error
	IncrementAttempts(ctx context.Context, id string) (int, error)
	GetJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.Job, error)
	CountJobsByStatus(ctx context.Context) (map[core.JobStatus]int, error)
}

// MemoryStore owns job memories, site adapters, incidents and summaries.
type MemoryStore interface {
	InsertMemory(ctx context.Context, mem *core.JobMemory) (int64, error)
	LatestMemory(ctx context.Context, jobID string) (*core.JobMemory, error)

	GetAdapter(ctx context.Context, domain string) (*core.SiteAdapter, error)
	SaveAdapter(ctx context.Context, adapter *core.SiteAdapter) error

	AppendIncidents(ctx context.Context, incidents []*core.Incident) error
	FetchIncidents(ctx context.Context, domain string, limit int) ([]*core.Incident, error)
	MarkIncidentsReflected(ctx context.Context, ids []int64, version int) error

	AddSummary(ctx context.Context, summary *core.DomainSummary) error
	LatestSummary(ctx context.Context, domain string) (*core.DomainSummary, error)
}

// PolicyStore owns domain policies and the policy audit log.
type PolicyStore interface {
	GetDomainPolicy(ctx context.Context, domain string) (*core.DomainPolicy, error)
	UpsertDomainPolicy(ctx context.Context, policy *core.DomainPolicy) error
	InsertAudit(ctx context.Context, entry *core.AuditEntry) error
}
