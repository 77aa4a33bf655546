// Package executor maps a job's strategy to a concrete Executor and shields
// the worker pool from executor misbehavior: the adapter never panics and
// never returns an error, only a failed result.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pagegrab/backend/internal/core"
)

// ErrStrategyUnavailable is the error string reported when no executor is
// registered for a job's strategy.
const ErrStrategyUnavailable = "strategy_unavailable"

// Result is the outcome of one execution attempt.
type Result struct {
	Success       bool                   `json:"success"`
	Data          map[string]interface{} `json:"data,omitempty"`
	Artifacts     map[string]interface{} `json:"artifacts,omitempty"`
	Error         string                 `json:"error,omitempty"`
	ExecutionTime time.Duration          `json:"execution_time"`
}

// Executor runs one job. Implementations must honor ctx cancellation and
// abort work when the deadline passes.
type Executor interface {
	Execute(ctx context.Context, job *core.Job) (*Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *core.Job) (*Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *core.Job) (*Result, error) {
	return f(ctx, job)
}

const defaultJobTimeout = 300 * time.Second

// Adapter resolves strategies to executors and normalizes every failure mode
// into a Result.
type Adapter struct {
	mu        sync.RWMutex
	executors map[core.Strategy]Executor
	timeouts  map[core.Strategy]time.Duration
	now       func() time.Time
}

// NewAdapter creates an empty adapter; register executors before use.
func NewAdapter() *Adapter {
	return &Adapter{
		executors: map[core.Strategy]Executor{},
		timeouts:  map[core.Strategy]time.Duration{},
		now:       time.Now,
	}
}

// Register binds an executor to a strategy. A zero timeout uses the 300s
// default.
func (a *Adapter) Register(strategy core.Strategy, exec Executor, timeout time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executors[strategy] = exec
	if timeout > 0 {
		a.timeouts[strategy] = timeout
	}
}

// Strategies lists the registered strategies.
func (a *Adapter) Strategies() []core.Strategy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]core.Strategy, 0, len(a.executors))
	for s := range a.executors {
		out = append(out, s)
	}
	return out
}

// Execute runs the job under its strategy's executor. It never returns an
// error and never lets a panic escape; unavailability, errors, panics and
// timeouts all come back as failed Results.
func (a *Adapter) Execute(ctx context.Context, job *core.Job) *Result {
	a.mu.RLock()
	exec, ok := a.executors[job.Strategy]
	timeout, hasTimeout := a.timeouts[job.Strategy]
	a.mu.RUnlock()

	if !ok {
		slog.Warn("[Executor] No executor for strategy",
			"job_id", job.ID, "strategy", string(job.Strategy))
		return &Result{Success: false, Error: ErrStrategyUnavailable}
	}
	if !hasTimeout {
		timeout = defaultJobTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := a.now()
	result, err := a.safeExecute(ctx, exec, job)
	elapsed := a.now().Sub(start)

	switch {
	case err != nil:
		if ctx.Err() != nil {
			return &Result{Success: false, Error: "timeout", ExecutionTime: elapsed}
		}
		return &Result{Success: false, Error: err.Error(), ExecutionTime: elapsed}
	case result == nil:
		return &Result{Success: false, Error: "executor returned no result", ExecutionTime: elapsed}
	default:
		result.ExecutionTime = elapsed
		return result
	}
}

func (a *Adapter) safeExecute(ctx context.Context, exec Executor, job *core.Job) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Executor] Recovered panic", "job_id", job.ID, "panic", r)
			result = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, job)
}
