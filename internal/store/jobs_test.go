package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagegrab/backend/internal/core"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresFromDB(db), mock
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "domain", "url", "job_type", "strategy", "payload", "priority",
		"status", "attempts", "retry_count", "created_at", "started_at",
		"completed_at", "result", "artifacts", "error", "idempotency_key",
	})
}

func TestInsertJob(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WithArgs("job-1", "example.com", "https://example.com", "navigate_extract",
			"vanilla", []byte(`{"depth":1}`), 2, "pending", 0, 0,
			sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &core.Job{
		ID:        "job-1",
		Domain:    "example.com",
		URL:       "https://example.com",
		Type:      core.TypeNavigateExtract,
		Strategy:  core.StrategyVanilla,
		Payload:   map[string]interface{}{"depth": 1},
		Priority:  core.PriorityNormal,
		Status:    core.StatusPending,
		CreatedAt: time.Now(),
	}
	require.NoError(t, p.InsertJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM jobs WHERE id").
		WithArgs("missing").
		WillReturnRows(jobRows())

	_, err := p.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetJobRoundTrip(t *testing.T) {
	p, mock := newMockStore(t)

	created := time.Now().Add(-time.Minute)
	started := time.Now()
	rows := jobRows().AddRow(
		"job-2", "example.com", "https://example.com/p", "navigate_extract",
		"stealth", []byte(`{"k":"v"}`), 1, "running", 1, 0, created, started,
		nil, nil, nil, nil, "idem-1")

	mock.ExpectQuery("SELECT .* FROM jobs WHERE id").
		WithArgs("job-2").
		WillReturnRows(rows)

	job, err := p.GetJob(context.Background(), "job-2")
	require.NoError(t, err)
	assert.Equal(t, core.StatusRunning, job.Status)
	assert.Equal(t, core.StrategyStealth, job.Strategy)
	assert.Equal(t, core.PriorityHigh, job.Priority)
	assert.Equal(t, "v", job.Payload["k"])
	require.NotNil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)
	assert.Equal(t, "idem-1", job.IdempotencyKey)
}

func TestIncrementAttemptsReturning(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE jobs SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts")).
		WithArgs("job-3").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))

	attempts, err := p.IncrementAttempts(context.Background(), "job-3")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestUpdateJobStatusTerminal(t *testing.T) {
	p, mock := newMockStore(t)

	// encoding/json HTML-escapes inside strings; the driver sees the
	// escaped bytes.
	result, err := json.Marshal(map[string]interface{}{"html": "<html>"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET status = .*completed_at = now").
		WithArgs("completed", result, "job-4").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = p.UpdateJobStatus(context.Background(), "job-4", JobStatusUpdate{
		Status:         core.StatusCompleted,
		Result:         map[string]interface{}{"html": "<html>"},
		SetCompletedAt: true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusClearsError(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("error = NULL")).
		WithArgs("completed", "job-5").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := p.UpdateJobStatus(context.Background(), "job-5", JobStatusUpdate{
		Status:         core.StatusCompleted,
		ClearError:     true,
		SetCompletedAt: true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusGuardsFinalRows(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("status NOT IN ('cancelled', 'dlq')")).
		WithArgs("completed", "job-6").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM jobs WHERE id = $1")).
		WithArgs("job-6").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	err := p.UpdateJobStatus(context.Background(), "job-6", JobStatusUpdate{
		Status:         core.StatusCompleted,
		SetCompletedAt: true,
	})
	assert.ErrorIs(t, err, ErrFinal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusMissingRow(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("queued", "nope").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM jobs WHERE id = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	err := p.UpdateJobStatus(context.Background(), "nope", JobStatusUpdate{Status: core.StatusQueued})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCountJobsByStatus(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 3).
			AddRow("completed", 7))

	counts, err := p.CountJobsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[core.StatusPending])
	assert.Equal(t, 7, counts[core.StatusCompleted])
}
