package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagegrab/backend/internal/circuit"
	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/executor"
	"github.com/pagegrab/backend/internal/idempotency"
	"github.com/pagegrab/backend/internal/kvstore"
	"github.com/pagegrab/backend/internal/orchestrator"
	"github.com/pagegrab/backend/internal/policy"
	"github.com/pagegrab/backend/internal/queue"
	"github.com/pagegrab/backend/internal/ratelimit"
	"github.com/pagegrab/backend/internal/state"
	"github.com/pagegrab/backend/internal/store"
	"github.com/pagegrab/backend/internal/targets"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*core.Job
}

func newMemJobStore() *memJobStore { return &memJobStore{jobs: map[string]*core.Job{}} }

func (s *memJobStore) InsertJob(_ context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

func (s *memJobStore) GetJob(_ context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *memJobStore) GetJobByIdempotencyKey(_ context.Context, key string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.IdempotencyKey == key {
			clone := *job
			return &clone, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memJobStore) UpdateJobStatus(_ context.Context, id string, u store.JobStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status == core.StatusCancelled || job.Status == core.StatusDLQ {
		return store.ErrFinal
	}
	job.Status = u.Status
	if u.Result != nil {
		job.Result = u.Result
	}
	if u.Artifacts != nil {
		job.Artifacts = u.Artifacts
	}
	if u.ClearError {
		job.Error = ""
	} else if u.Error != "" {
		job.Error = u.Error
	}
	now := time.Now()
	if u.SetStartedAt && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if u.SetCompletedAt {
		job.CompletedAt = &now
	}
	return nil
}

func (s *memJobStore) IncrementAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	job.Attempts++
	return job.Attempts, nil
}

func (s *memJobStore) GetJobsByStatus(_ context.Context, status core.JobStatus, limit int) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Job
	for _, job := range s.jobs {
		if job.Status == status {
			clone := *job
			out = append(out, &clone)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memJobStore) CountJobsByStatus(_ context.Context) (map[core.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[core.JobStatus]int{}
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

type memPolicyStore struct {
	mu       sync.Mutex
	policies map[string]*core.DomainPolicy
}

func newMemPolicyStore() *memPolicyStore {
	return &memPolicyStore{policies: map[string]*core.DomainPolicy{}}
}

func (s *memPolicyStore) GetDomainPolicy(_ context.Context, domain string) (*core.DomainPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.policies[domain]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func (s *memPolicyStore) UpsertDomainPolicy(_ context.Context, p *core.DomainPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.Domain] = p
	return nil
}

func (s *memPolicyStore) InsertAudit(_ context.Context, _ *core.AuditEntry) error { return nil }

type memMemories struct{}

func (memMemories) UpsertMemory(_ context.Context, _ *core.JobMemory) (int64, error) {
	return 1, nil
}

type pingResult struct{ err error }

func (p pingResult) Ping(context.Context) error { return p.err }

type apiHarness struct {
	srv     *Server
	queue   *queue.Manager
	orch    *orchestrator.Orchestrator
	adapter *executor.Adapter
	pol     *memPolicyStore
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvstore.NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })

	jobs := newMemJobStore()
	pol := newMemPolicyStore()

	states := state.NewManager(jobs, kv)
	q, err := queue.NewManager(context.Background(), kv, "workers", "worker-test")
	require.NoError(t, err)
	enforcer := policy.New(pol, kv)
	idemp := idempotency.New(kv)
	breaker := circuit.New(kv, circuit.DefaultConfig())
	registry, err := targets.NewRegistry("", breaker, nil)
	require.NoError(t, err)
	limiter := ratelimit.New(kv, registry.Limits)
	registry.SetLimiter(limiter)
	adapter := executor.NewAdapter()

	orch := orchestrator.New(orchestrator.DefaultConfig(), states, q, enforcer,
		idemp, registry, limiter, breaker, adapter, memMemories{}, nil)
	srv := NewServer(orch, nil, pingResult{}, pingResult{}, 8)
	return &apiHarness{srv: srv, queue: q, orch: orch, adapter: adapter, pol: pol}
}

func doJSON(t *testing.T, h http.Handler, method, target string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestCreateJobReturnsCreated(t *testing.T) {
	h := newAPIHarness(t)
	router := h.srv.Router()

	rec, body := doJSON(t, router, "POST",
		"/jobs?domain=example.com&url=https://example.com/page&strategy=vanilla&priority=2",
		map[string]interface{}{"selector": "//h1"})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", body["status"])
	assert.Equal(t, "example.com", body["domain"])
	assert.NotEmpty(t, body["job_id"])
}

func TestCreateJobNormalizesSubdomain(t *testing.T) {
	h := newAPIHarness(t)
	router := h.srv.Router()

	rec, body := doJSON(t, router, "POST",
		"/jobs?domain=shop.example.com&url=https://shop.example.com/item", nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "example.com", body["domain"],
		"hosts collapse to their registered domain")
}

func TestCreateJobValidation(t *testing.T) {
	h := newAPIHarness(t)
	router := h.srv.Router()

	rec, _ := doJSON(t, router, "POST", "/jobs?url=https://example.com", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing domain")

	rec, _ = doJSON(t, router, "POST",
		"/jobs?domain=example.com&url=https://example.com&strategy=warp", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown strategy")

	rec, _ = doJSON(t, router, "POST",
		"/jobs?domain=example.com&url=https://example.com&priority=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "non-numeric priority")

	rec, _ = doJSON(t, router, "POST",
		"/jobs?domain=localhost&url=https://localhost/x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unregistrable host")
}

func TestDeniedSubmissionStillCreated(t *testing.T) {
	h := newAPIHarness(t)
	require.NoError(t, h.pol.UpsertDomainPolicy(context.Background(),
		&core.DomainPolicy{Domain: "blocked.com", Denied: true}))
	router := h.srv.Router()

	rec, body := doJSON(t, router, "POST",
		"/jobs?domain=blocked.com&url=https://blocked.com/x", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body = doJSON(t, router, "GET", "/jobs/"+body["job_id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(core.StatusFailed), body["status"])
	assert.Contains(t, body["error"], core.ReasonDenylist)
}

func TestGetJobLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	h.adapter.Register(core.StrategyVanilla,
		executor.ExecutorFunc(func(context.Context, *core.Job) (*executor.Result, error) {
			return &executor.Result{
				Success: true,
				Data:    map[string]interface{}{"html": "<html>ok</html>"},
			}, nil
		}), 0)
	router := h.srv.Router()

	_, created := doJSON(t, router, "POST",
		"/jobs?domain=example.com&url=https://example.com/page", nil)
	jobID := created["job_id"].(string)

	rec, body := doJSON(t, router, "GET", "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(core.StatusQueued), body["status"])

	msg, err := h.queue.Dequeue(context.Background(), "worker-test", 0)
	require.NoError(t, err)
	h.orch.ProcessJob(context.Background(), msg.JobID)

	rec, body = doJSON(t, router, "GET", "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(core.StatusCompleted), body["status"])
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "<html>ok</html>", result["html"])
	assert.NotEmpty(t, body["started_at"])
	assert.NotEmpty(t, body["completed_at"])
}

func TestGetJobNotFound(t *testing.T) {
	h := newAPIHarness(t)
	rec, _ := doJSON(t, h.srv.Router(), "GET", "/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	h := newAPIHarness(t)
	router := h.srv.Router()

	_, created := doJSON(t, router, "POST",
		"/jobs?domain=example.com&url=https://example.com/page", nil)
	jobID := created["job_id"].(string)

	rec, body := doJSON(t, router, "DELETE", "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["cancelled"])

	// A second cancel hits a final status.
	rec, body = doJSON(t, router, "DELETE", "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["cancelled"])

	rec, _ = doJSON(t, router, "DELETE", "/jobs/no-such-job", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStats(t *testing.T) {
	h := newAPIHarness(t)
	router := h.srv.Router()

	doJSON(t, router, "POST", "/jobs?domain=example.com&url=https://example.com/a", nil)
	doJSON(t, router, "POST", "/jobs?domain=example.com&url=https://example.com/b&priority=1", nil)

	rec, body := doJSON(t, router, "GET", "/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	jobs := body["jobs"].(map[string]interface{})
	assert.EqualValues(t, 2, jobs[string(core.StatusQueued)])
	assert.EqualValues(t, 8, body["workers"])

	streams := body["queue"].(map[string]interface{})
	normal := streams["jobs:stream:normal"].(map[string]interface{})
	assert.EqualValues(t, 1, normal["length"])
	high := streams["jobs:stream:high"].(map[string]interface{})
	assert.EqualValues(t, 1, high["length"])
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	rec, body := doJSON(t, h.srv.Router(), "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthReportsFailedDependency(t *testing.T) {
	h := newAPIHarness(t)
	h.srv.db = pingResult{err: context.DeadlineExceeded}

	rec, body := doJSON(t, h.srv.Router(), "GET", "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Equal(t, "database", body["failed"])
}
