// Package orchestrator owns job ingress and the worker pool: it admits
// submissions through policy, drives queued jobs through the executor, applies
// the retry ladder and routes exhausted jobs to the dead-letter stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagegrab/backend/internal/circuit"
	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/executor"
	"github.com/pagegrab/backend/internal/policy"
	"github.com/pagegrab/backend/internal/queue"
	reflectpkg "github.com/pagegrab/backend/internal/reflect"
	"github.com/pagegrab/backend/internal/state"
	"github.com/pagegrab/backend/internal/targets"
)

// Config tunes the orchestrator.
type Config struct {
	MaxConcurrentJobs int
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	DequeueTimeout    time.Duration
	ShutdownGrace     time.Duration
	// ConsumerPrefix names this pod's group consumers; each worker claims
	// under "<prefix>-<n>".
	ConsumerPrefix string
}

// DefaultConfig is the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs: 8,
		MaxRetries:        3,
		BaseDelay:         5 * time.Second,
		MaxDelay:          300 * time.Second,
		DequeueTimeout:    1 * time.Second,
		ShutdownGrace:     60 * time.Second,
		ConsumerPrefix:    "worker",
	}
}

// States is the slice of the state manager the orchestrator uses.
type States interface {
	CreateJob(ctx context.Context, job *core.Job) error
	UpdateStatus(ctx context.Context, id string, status core.JobStatus, opts state.UpdateOptions) error
	GetJobState(ctx context.Context, id string) (*core.Job, error)
	IncrementAttempts(ctx context.Context, id string) (int, error)
	CountJobsByStatus(ctx context.Context) (map[core.JobStatus]int, error)
}

// Queue is the slice of the queue manager the orchestrator uses.
type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority core.Priority, domain, dedupeKey string) (string, error)
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*queue.Message, error)
	Requeue(ctx context.Context, jobID string, priority core.Priority, domain string, delay time.Duration, retry *queue.RetryInfo) error
	RouteToDLQ(ctx context.Context, jobID, reason string) error
	Remove(ctx context.Context, jobID string) (int, error)
	GetStats(ctx context.Context) (*queue.Stats, error)
	GetDepth(ctx context.Context) (int64, error)
}

// Policies gates submissions and owns the concurrency counters.
type Policies interface {
	Check(ctx context.Context, req policy.Request) policy.Decision
	IncrementConcurrency(ctx context.Context, domain string) error
	DecrementConcurrency(ctx context.Context, domain string) error
}

// Idempotency dedups submissions by caller key.
type Idempotency interface {
	Check(ctx context.Context, key string) (string, error)
	Store(ctx context.Context, key, jobID string) error
}

// Safety is the pre-flight composite check (circuit + rate limits). A safe
// verdict holds a concurrency slot until ReleaseSlot.
type Safety interface {
	ValidateSafety(ctx context.Context, domain, clientIP string) (targets.SafetyReport, error)
}

// SlotReleaser frees the rate-limiter slot a safe verdict acquired.
type SlotReleaser interface {
	Release(ctx context.Context, domain string) error
}

// Circuits records execution outcomes against the per-domain breaker.
type Circuits interface {
	RecordFailure(ctx context.Context, domain, errType string) (*circuit.State, error)
	RecordSuccess(ctx context.Context, domain string) error
}

// Exec runs one job and never fails out-of-band.
type Exec interface {
	Execute(ctx context.Context, job *core.Job) *executor.Result
}

// Memories persists execution outcomes.
type Memories interface {
	UpsertMemory(ctx context.Context, mem *core.JobMemory) (int64, error)
}

// Publisher derives reflection signals from outcomes.
type Publisher interface {
	Publish(ctx context.Context, job *core.Job, result *executor.Result) []reflectpkg.Signal
}

// Monitor receives lifecycle counters. All methods are fire-and-forget.
type Monitor interface {
	RecordCompletion(status string)
	RecordExecution(strategy string, success bool, seconds float64)
	RecordPolicyDecision(action string)
	RecordDLQRoute()
	RecordRateLimited(domain string)
	RecordCircuitOpen(domain string)
}

// workerClientIP tags worker-side safety checks in the per-IP window.
const workerClientIP = "internal"

// Orchestrator wires the components together.
type Orchestrator struct {
	cfg     Config
	states  States
	queue   Queue
	policy  Policies
	idemp   Idempotency
	safety  Safety
	limiter SlotReleaser
	circuit Circuits
	exec    Exec
	mems    Memories
	pub     Publisher
	mon     Monitor

	wg       sync.WaitGroup
	pubSlots chan struct{}
}

// SetMonitor attaches lifecycle metrics. Optional; nil disables reporting.
func (o *Orchestrator) SetMonitor(mon Monitor) {
	o.mon = mon
}

// New creates an orchestrator. pub may be nil to disable reflection signals.
func New(cfg Config, states States, q Queue, pol Policies, idemp Idempotency,
	safety Safety, limiter SlotReleaser, cb Circuits, exec Exec, mems Memories,
	pub Publisher) *Orchestrator {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultConfig().MaxConcurrentJobs
	}
	if cfg.ConsumerPrefix == "" {
		cfg.ConsumerPrefix = DefaultConfig().ConsumerPrefix
	}
	return &Orchestrator{
		cfg:     cfg,
		states:  states,
		queue:   q,
		policy:  pol,
		idemp:   idemp,
		safety:  safety,
		limiter: limiter,
		circuit: cb,
		exec:    exec,
		mems:    mems,
		pub:     pub,
		// Reflection publishing is fire-and-forget but bounded.
		pubSlots: make(chan struct{}, 4),
	}
}

// SubmitRequest is one job submission.
type SubmitRequest struct {
	Domain         string
	URL            string
	Type           core.JobType
	Strategy       core.Strategy
	Payload        map[string]interface{}
	Priority       core.Priority
	IdempotencyKey string
	AuthMode       core.AuthMode
	UserID         string
	ClientIP       string
}

// CreateJob admits one submission: idempotency short-circuit, policy check,
// persist, queue. Denied jobs are persisted as failed with the denial reason
// so GET stays the source of truth.
func (o *Orchestrator) CreateJob(ctx context.Context, req SubmitRequest) (string, error) {
	if req.IdempotencyKey != "" {
		existing, err := o.idemp.Check(ctx, req.IdempotencyKey)
		if err != nil {
			return "", fmt.Errorf("create job: %w", err)
		}
		if existing != "" {
			slog.Info("[Orchestrator] Idempotent resubmit", "job_id", existing,
				"idempotency_key", req.IdempotencyKey)
			return existing, nil
		}
	}

	jobID := uuid.NewString()
	job := &core.Job{
		ID:             jobID,
		Domain:         req.Domain,
		URL:            req.URL,
		Type:           req.Type,
		Strategy:       req.Strategy,
		Payload:        req.Payload,
		Priority:       req.Priority.Clamp(),
		Status:         core.StatusPending,
		CreatedAt:      time.Now(),
		IdempotencyKey: req.IdempotencyKey,
	}

	decision := o.policy.Check(ctx, policy.Request{
		JobID:    jobID,
		Domain:   req.Domain,
		URL:      req.URL,
		Strategy: req.Strategy,
		AuthMode: req.AuthMode,
		UserID:   req.UserID,
		IP:       req.ClientIP,
	})
	if o.mon != nil {
		o.mon.RecordPolicyDecision(string(decision.Action))
	}
	if !decision.Allowed {
		job.Status = core.StatusFailed
		job.Error = decision.Reason
		now := time.Now()
		job.CompletedAt = &now
		if err := o.states.CreateJob(ctx, job); err != nil {
			return "", fmt.Errorf("create job: %w", err)
		}
		return jobID, nil
	}

	if err := o.states.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if err := o.states.UpdateStatus(ctx, jobID, core.StatusQueued, state.UpdateOptions{}); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if _, err := o.queue.Enqueue(ctx, jobID, job.Priority, req.Domain, req.IdempotencyKey); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	if req.IdempotencyKey != "" {
		if err := o.idemp.Store(ctx, req.IdempotencyKey, jobID); err != nil {
			slog.Error("[Orchestrator] Idempotency store failed",
				"job_id", jobID, "error", err)
		}
	}

	slog.Info("[Orchestrator] Job created", "job_id", jobID,
		"domain", req.Domain, "strategy", string(req.Strategy),
		"priority", strconv.Itoa(int(job.Priority)))
	return jobID, nil
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight job has finished or the shutdown grace elapses.
func (o *Orchestrator) Run(ctx context.Context) {
	slog.Info("[Orchestrator] Worker pool starting",
		"workers", o.cfg.MaxConcurrentJobs)

	for i := 0; i < o.cfg.MaxConcurrentJobs; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("[Orchestrator] Drained cleanly")
	case <-time.After(o.cfg.ShutdownGrace):
		slog.Warn("[Orchestrator] Shutdown grace elapsed with jobs in flight")
	}
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	consumer := fmt.Sprintf("%s-%d", o.cfg.ConsumerPrefix, id)

	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := o.queue.Dequeue(ctx, consumer, o.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("[Orchestrator] Dequeue failed", "worker", consumer, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}
		o.ProcessJob(ctx, msg.JobID)
	}
}

// ProcessJob drives one job through safety checks, execution and the retry
// ladder. Shared with the workers and exported for supervision replays.
func (o *Orchestrator) ProcessJob(ctx context.Context, jobID string) {
	job, err := o.states.GetJobState(ctx, jobID)
	if err != nil {
		slog.Error("[Orchestrator] Job vanished before processing",
			"job_id", jobID, "error", err)
		return
	}
	if job.Status == core.StatusCancelled || job.Status == core.StatusCompleted {
		slog.Info("[Orchestrator] Skipping settled job",
			"job_id", jobID, "status", string(job.Status))
		return
	}

	report, err := o.safety.ValidateSafety(ctx, job.Domain, workerClientIP)
	if err != nil {
		slog.Error("[Orchestrator] Safety check failed", "job_id", jobID, "error", err)
		o.requeueLater(ctx, job, 5*time.Second)
		return
	}
	if !report.Safe {
		if o.mon != nil {
			switch report.Reason {
			case "circuit_open":
				o.mon.RecordCircuitOpen(job.Domain)
			case "rate_limited":
				o.mon.RecordRateLimited(job.Domain)
			}
		}
		delay := time.Duration(report.RetryAfterSeconds) * time.Second
		if delay <= 0 {
			delay = 5 * time.Second
		}
		slog.Info("[Orchestrator] Deferring unsafe job", "job_id", jobID,
			"reason", report.Reason, "delay_s", int(delay.Seconds()))
		o.requeueLater(ctx, job, delay)
		return
	}
	defer func() {
		if err := o.limiter.Release(ctx, job.Domain); err != nil {
			slog.Error("[Orchestrator] Slot release failed",
				"job_id", jobID, "error", err)
		}
	}()

	if err := o.states.UpdateStatus(ctx, jobID, core.StatusRunning, state.UpdateOptions{}); err != nil {
		slog.Error("[Orchestrator] Could not mark running", "job_id", jobID, "error", err)
		return
	}
	if err := o.policy.IncrementConcurrency(ctx, job.Domain); err != nil {
		slog.Error("[Orchestrator] Concurrency increment failed",
			"job_id", jobID, "error", err)
	}
	defer func() {
		if err := o.policy.DecrementConcurrency(ctx, job.Domain); err != nil {
			slog.Error("[Orchestrator] Concurrency decrement failed",
				"job_id", jobID, "error", err)
		}
	}()

	result := o.exec.Execute(ctx, job)
	if result.Success {
		o.settleSuccess(ctx, job, result)
	} else {
		o.settleFailure(ctx, job, result)
	}
	o.publishSignals(ctx, job, result)
}

func (o *Orchestrator) settleSuccess(ctx context.Context, job *core.Job, result *executor.Result) {
	err := o.states.UpdateStatus(ctx, job.ID, core.StatusCompleted, state.UpdateOptions{
		Result:    result.Data,
		Artifacts: result.Artifacts,
	})
	if err != nil {
		if errors.Is(err, state.ErrFinal) {
			// Cancelled (or dead-lettered) while executing; the settled
			// state wins.
			slog.Info("[Orchestrator] Job settled during execution",
				"job_id", job.ID)
			return
		}
		slog.Error("[Orchestrator] Completion write failed", "job_id", job.ID, "error", err)
		return
	}

	// Memory is best-effort; the job result already persisted.
	if _, err := o.mems.UpsertMemory(ctx, &core.JobMemory{
		JobID:   job.ID,
		Content: result.Data,
		ExecutionContext: map[string]interface{}{
			"strategy":     string(job.Strategy),
			"execution_ms": result.ExecutionTime.Milliseconds(),
		},
	}); err != nil {
		slog.Error("[Orchestrator] Memory write failed", "job_id", job.ID, "error", err)
	}

	if err := o.circuit.RecordSuccess(ctx, job.Domain); err != nil {
		slog.Error("[Orchestrator] Circuit success record failed",
			"job_id", job.ID, "error", err)
	}
	if o.mon != nil {
		o.mon.RecordCompletion(string(core.StatusCompleted))
		o.mon.RecordExecution(string(job.Strategy), true, result.ExecutionTime.Seconds())
	}
	slog.Info("[Orchestrator] Job completed", "job_id", job.ID,
		"execution_ms", result.ExecutionTime.Milliseconds())
}

func (o *Orchestrator) settleFailure(ctx context.Context, job *core.Job, result *executor.Result) {
	if o.mon != nil {
		o.mon.RecordExecution(string(job.Strategy), false, result.ExecutionTime.Seconds())
	}
	errType := reflectpkg.ClassifyError(result.Error)
	if _, err := o.circuit.RecordFailure(ctx, job.Domain, string(errType)); err != nil {
		slog.Error("[Orchestrator] Circuit failure record failed",
			"job_id", job.ID, "error", err)
	}

	attempts, err := o.states.IncrementAttempts(ctx, job.ID)
	if err != nil {
		slog.Error("[Orchestrator] Attempt increment failed", "job_id", job.ID, "error", err)
		attempts = job.Attempts + 1
	}

	if attempts >= o.cfg.MaxRetries {
		// Status first: once a job settles as cancelled it must not reach
		// the dead-letter stream either.
		if err := o.states.UpdateStatus(ctx, job.ID, core.StatusDLQ, state.UpdateOptions{
			Error: result.Error,
		}); err != nil {
			if errors.Is(err, state.ErrFinal) {
				slog.Info("[Orchestrator] Job settled during execution",
					"job_id", job.ID)
				return
			}
			slog.Error("[Orchestrator] DLQ status write failed", "job_id", job.ID, "error", err)
		}
		if err := o.queue.RouteToDLQ(ctx, job.ID, result.Error); err != nil {
			slog.Error("[Orchestrator] DLQ routing failed", "job_id", job.ID, "error", err)
		}
		if o.mon != nil {
			o.mon.RecordDLQRoute()
			o.mon.RecordCompletion(string(core.StatusDLQ))
		}
		slog.Warn("[Orchestrator] Retries exhausted", "job_id", job.ID,
			"attempts", attempts, "error", result.Error)
		return
	}

	if err := o.states.UpdateStatus(ctx, job.ID, core.StatusFailed, state.UpdateOptions{
		Error: result.Error,
	}); err != nil {
		if errors.Is(err, state.ErrFinal) {
			slog.Info("[Orchestrator] Job settled during execution", "job_id", job.ID)
			return
		}
		slog.Error("[Orchestrator] Failure status write failed", "job_id", job.ID, "error", err)
	}
	delay := o.backoffDelay(attempts)
	retry := &queue.RetryInfo{Count: attempts, LastErrorType: string(errType)}
	if err := o.queue.Requeue(ctx, job.ID, job.Priority, job.Domain, delay, retry); err != nil {
		slog.Error("[Orchestrator] Requeue failed", "job_id", job.ID, "error", err)
		return
	}
	slog.Info("[Orchestrator] Retry scheduled", "job_id", job.ID,
		"attempt", attempts, "delay_s", int(delay.Seconds()))
}

// backoffDelay is base_delay doubled per attempt, clamped to max_delay.
func (o *Orchestrator) backoffDelay(attempts int) time.Duration {
	delay := o.cfg.BaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= o.cfg.MaxDelay {
			return o.cfg.MaxDelay
		}
	}
	if delay > o.cfg.MaxDelay {
		return o.cfg.MaxDelay
	}
	return delay
}

func (o *Orchestrator) requeueLater(ctx context.Context, job *core.Job, delay time.Duration) {
	if err := o.states.UpdateStatus(ctx, job.ID, core.StatusQueued, state.UpdateOptions{}); err != nil {
		if errors.Is(err, state.ErrFinal) {
			return
		}
		slog.Error("[Orchestrator] Defer status write failed", "job_id", job.ID, "error", err)
	}
	if err := o.queue.Requeue(ctx, job.ID, job.Priority, job.Domain, delay, nil); err != nil {
		slog.Error("[Orchestrator] Defer requeue failed", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) publishSignals(ctx context.Context, job *core.Job, result *executor.Result) {
	if o.pub == nil {
		return
	}
	select {
	case o.pubSlots <- struct{}{}:
	default:
		slog.Debug("[Orchestrator] Signal publishing saturated", "job_id", job.ID)
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() { <-o.pubSlots }()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		o.pub.Publish(pubCtx, job, result)
	}()
}

// CancelJob cancels a pending, queued or running job and pulls its queued
// entries. Workers also re-check status before executing.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) error {
	job, err := o.states.GetJobState(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case core.StatusPending, core.StatusQueued, core.StatusRunning:
	default:
		return fmt.Errorf("cancel job %s: status %s is final", jobID, job.Status)
	}

	if err := o.states.UpdateStatus(ctx, jobID, core.StatusCancelled, state.UpdateOptions{
		Error: core.ReasonCancelled,
	}); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	if _, err := o.queue.Remove(ctx, jobID); err != nil {
		slog.Error("[Orchestrator] Queue removal failed", "job_id", jobID, "error", err)
	}
	if o.mon != nil {
		o.mon.RecordCompletion(string(core.StatusCancelled))
	}
	slog.Info("[Orchestrator] Job cancelled", "job_id", jobID)
	return nil
}

// GetJobStatus returns the current job row.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (*core.Job, error) {
	return o.states.GetJobState(ctx, jobID)
}

// GetQueueStats returns stream depths plus DB status counts.
func (o *Orchestrator) GetQueueStats(ctx context.Context) (*queue.Stats, map[core.JobStatus]int, error) {
	stats, err := o.queue.GetStats(ctx)
	if err != nil {
		return nil, nil, err
	}
	counts, err := o.states.CountJobsByStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	return stats, counts, nil
}

// GetQueueDepth sums non-DLQ stream lengths.
func (o *Orchestrator) GetQueueDepth(ctx context.Context) (int64, error) {
	return o.queue.GetDepth(ctx)
}
