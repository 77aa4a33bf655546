package orchestrator

import (
	"context"
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
	audits   []*core.AuditEntry
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

func (s *memPolicyStore) InsertAudit(_ context.Context, entry *core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

type memMemories struct {
	mu   sync.Mutex
	rows []*core.JobMemory
}

func (m *memMemories) UpsertMemory(_ context.Context, mem *core.JobMemory) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, mem)
	return int64(len(m.rows)), nil
}

type harness struct {
	o       *Orchestrator
	jobs    *memJobStore
	pol     *memPolicyStore
	mems    *memMemories
	queue   *queue.Manager
	breaker *circuit.Breaker
	adapter *executor.Adapter
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvstore.NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })

	jobs := newMemJobStore()
	pol := newMemPolicyStore()
	mems := &memMemories{}

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

	o := New(cfg, states, q, enforcer, idemp, registry, limiter, breaker, adapter, mems, nil)
	return &harness{
		o: o, jobs: jobs, pol: pol, mems: mems,
		queue: q, breaker: breaker, adapter: adapter,
	}
}

func submit(domain string) SubmitRequest {
	return SubmitRequest{
		Domain:   domain,
		URL:      "https://" + domain + "/page",
		Type:     core.TypeNavigateExtract,
		Strategy: core.StrategyVanilla,
		Priority: core.PriorityNormal,
		AuthMode: core.AuthPublic,
		ClientIP: "1.2.3.4",
	}
}

func succeedWith(data map[string]interface{}) executor.ExecutorFunc {
	return func(context.Context, *core.Job) (*executor.Result, error) {
		return &executor.Result{Success: true, Data: data}, nil
	}
}

func failWith(msg string) executor.ExecutorFunc {
	return func(context.Context, *core.Job) (*executor.Result, error) {
		return &executor.Result{Success: false, Error: msg}, nil
	}
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.adapter.Register(core.StrategyVanilla,
		succeedWith(map[string]interface{}{"html": "<html>ok</html>"}), 0)
	ctx := context.Background()

	jobID, err := h.o.CreateJob(ctx, submit("example.com"))
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	depth, err := h.o.GetQueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	msg, err := h.queue.Dequeue(ctx, "worker-test", 0)
	require.NoError(t, err)
	require.NotNil(t, msg)
	h.o.ProcessJob(ctx, msg.JobID)

	job, err := h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.Equal(t, "<html>ok</html>", job.Result["html"])
	assert.Empty(t, job.Error)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)

	require.Len(t, h.mems.rows, 1)
	assert.Equal(t, jobID, h.mems.rows[0].JobID)
}

func TestIdempotentResubmit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	req := submit("example.com")
	req.IdempotencyKey = "k-1"

	first, err := h.o.CreateJob(ctx, req)
	require.NoError(t, err)
	second, err := h.o.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	h.jobs.mu.Lock()
	defer h.jobs.mu.Unlock()
	assert.Len(t, h.jobs.jobs, 1, "exactly one row for the idempotency key")
}

func TestDeniedJobPersistsAsFailed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, h.pol.UpsertDomainPolicy(ctx,
		&core.DomainPolicy{Domain: "blocked.com", Denied: true}))

	jobID, err := h.o.CreateJob(ctx, submit("blocked.com"))
	require.NoError(t, err)

	job, err := h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Contains(t, job.Error, core.ReasonDenylist)

	depth, err := h.o.GetQueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "denied jobs never reach the queue")

	require.NotEmpty(t, h.pol.audits)
	assert.Equal(t, core.ActionDeny, h.pol.audits[len(h.pol.audits)-1].Action)
}

func TestStrategyGatingAtIngress(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	req := submit("example.com")
	req.Strategy = core.StrategyStealth // public mode only allows vanilla

	jobID, err := h.o.CreateJob(ctx, req)
	require.NoError(t, err)
	job, err := h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Contains(t, job.Error, core.ReasonStrategyRestricted)
}

func TestFailureSchedulesRetryWithBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	h := newHarness(t, cfg)
	h.adapter.Register(core.StrategyVanilla, failWith("navigation timeout"), 0)
	ctx := context.Background()

	jobID, err := h.o.CreateJob(ctx, submit("example.com"))
	require.NoError(t, err)

	msg, err := h.queue.Dequeue(ctx, "worker-test", 0)
	require.NoError(t, err)
	h.o.ProcessJob(ctx, msg.JobID)

	job, err := h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, job.Status)
	assert.Equal(t, "navigation timeout", job.Error)
	assert.Equal(t, 1, job.Attempts)

	// The retry is delayed, not immediately dequeueable.
	stats, err := h.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)

	// One failure recorded on the breaker.
	cbState, err := h.breaker.GetState(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, cbState)
	assert.Equal(t, 1, cbState.Failures)
}

func TestRetryAfterFailureCompletesClean(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BaseDelay = 0 // retry lands back on the stream immediately
	h := newHarness(t, cfg)
	ctx := context.Background()

	calls := 0
	h.adapter.Register(core.StrategyVanilla,
		executor.ExecutorFunc(func(context.Context, *core.Job) (*executor.Result, error) {
			calls++
			if calls == 1 {
				return &executor.Result{Success: false, Error: "navigation timeout"}, nil
			}
			return &executor.Result{Success: true,
				Data: map[string]interface{}{"title": "recovered"}}, nil
		}), 0)

	jobID, err := h.o.CreateJob(ctx, submit("example.com"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		msg, err := h.queue.Dequeue(ctx, "worker-test", 0)
		require.NoError(t, err)
		require.NotNil(t, msg)
		h.o.ProcessJob(ctx, msg.JobID)
	}

	job, err := h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, job.Status)
	assert.Empty(t, job.Error, "the first attempt's error must not outlive the recovery")
	assert.Equal(t, "recovered", job.Result["title"])
}

func TestCancelDuringExecutionWins(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	jobID, err := h.o.CreateJob(ctx, submit("example.com"))
	require.NoError(t, err)

	// The job cancels itself mid-flight; whatever the executor returns, the
	// cancellation must stick.
	h.adapter.Register(core.StrategyVanilla,
		executor.ExecutorFunc(func(execCtx context.Context, job *core.Job) (*executor.Result, error) {
			require.NoError(t, h.o.CancelJob(execCtx, job.ID))
			return &executor.Result{Success: true,
				Data: map[string]interface{}{"html": "<html>late</html>"}}, nil
		}), 0)

	msg, err := h.queue.Dequeue(ctx, "worker-test", 0)
	require.NoError(t, err)
	h.o.ProcessJob(ctx, msg.JobID)

	job, err := h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, job.Status,
		"a cancelled job never transitions to completed")
	assert.Empty(t, job.Result)
}

func TestRetriesExhaustedRoutesToDLQ(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	h.adapter.Register(core.StrategyVanilla, failWith("blocked by upstream"), 0)
	ctx := context.Background()

	jobID, err := h.o.CreateJob(ctx, submit("example.com"))
	require.NoError(t, err)

	msg, err := h.queue.Dequeue(ctx, "worker-test", 0)
	require.NoError(t, err)
	h.o.ProcessJob(ctx, msg.JobID)

	job, err := h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDLQ, job.Status)

	stats, err := h.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DLQ)
	assert.Zero(t, stats.Delayed)
}

func TestMissingStrategyFailsWithoutPanic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	jobID, err := h.o.CreateJob(ctx, submit("example.com"))
	require.NoError(t, err)

	msg, err := h.queue.Dequeue(ctx, "worker-test", 0)
	require.NoError(t, err)
	h.o.ProcessJob(ctx, msg.JobID)

	job, err := h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDLQ, job.Status)
	assert.Equal(t, executor.ErrStrategyUnavailable, job.Error)
}

func TestOpenCircuitDefersExecution(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	executed := false
	h.adapter.Register(core.StrategyVanilla,
		executor.ExecutorFunc(func(context.Context, *core.Job) (*executor.Result, error) {
			executed = true
			return &executor.Result{Success: true}, nil
		}), 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := h.breaker.RecordFailure(ctx, "example.com", "timeout")
		require.NoError(t, err)
	}

	jobID, err := h.o.CreateJob(ctx, submit("example.com"))
	require.NoError(t, err)
	msg, err := h.queue.Dequeue(ctx, "worker-test", 0)
	require.NoError(t, err)
	h.o.ProcessJob(ctx, msg.JobID)

	assert.False(t, executed, "open circuit must block execution")
	job, err := h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, job.Status)

	stats, err := h.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed, "deferred job waits out the backoff")
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.adapter.Register(core.StrategyVanilla, succeedWith(nil), 0)
	ctx := context.Background()

	jobID, err := h.o.CreateJob(ctx, submit("example.com"))
	require.NoError(t, err)
	require.NoError(t, h.o.CancelJob(ctx, jobID))

	job, err := h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, job.Status)

	depth, err := h.o.GetQueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth, "cancellation pulls the queued entry")

	// A worker that still holds the message id skips the cancelled job.
	h.o.ProcessJob(ctx, jobID)
	job, err = h.o.GetJobStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, job.Status, "cancelled jobs never complete")
}

func TestCancelCompletedJobFails(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.adapter.Register(core.StrategyVanilla,
		succeedWith(map[string]interface{}{"ok": true}), 0)
	ctx := context.Background()

	jobID, err := h.o.CreateJob(ctx, submit("example.com"))
	require.NoError(t, err)
	msg, err := h.queue.Dequeue(ctx, "worker-test", 0)
	require.NoError(t, err)
	h.o.ProcessJob(ctx, msg.JobID)

	assert.Error(t, h.o.CancelJob(ctx, jobID))
}

func TestBackoffDelayClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDelay = 5 * time.Second
	cfg.MaxDelay = 60 * time.Second
	h := newHarness(t, cfg)

	assert.Equal(t, 10*time.Second, h.o.backoffDelay(1))
	assert.Equal(t, 20*time.Second, h.o.backoffDelay(2))
	assert.Equal(t, 40*time.Second, h.o.backoffDelay(3))
	assert.Equal(t, 60*time.Second, h.o.backoffDelay(4))
	assert.Equal(t, 60*time.Second, h.o.backoffDelay(10), "delay never exceeds the clamp")
}

func TestQueueStatsComposite(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, err := h.o.CreateJob(ctx, submit("example.com"))
	require.NoError(t, err)

	stats, counts, err := h.o.GetQueueStats(ctx)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 1, counts[core.StatusQueued])
}
