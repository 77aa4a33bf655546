// Package circuit implements the per-domain circuit breaker. State lives in
// the KV store so every worker and pod observes the same circuit.
//
// Failure thresholds trigger graduated backoffs: 3 failures open the circuit
// for an hour, 5 for six hours, 10 for a day. A success closes the circuit
// unconditionally; once a backoff elapses the next Check passes (half-open)
// and resets the ladder.
package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagegrab/backend/internal/kvstore"
)

// Status of a circuit.
type Status string

const (
	StatusClosed Status = "closed"
	StatusOpen   Status = "open"
)

// State is the persisted circuit document.
type State struct {
	Status      Status `json:"status"`
	Failures    int    `json:"failures"`
	LastFailure int64  `json:"last_failure"` // unix seconds
	OpenedAt    int64  `json:"opened_at"`    // unix seconds
	BackoffTime int    `json:"backoff_time"` // seconds
}

// Config carries the failure ladder.
type Config struct {
	FailureThresholds []int // failures that trip the circuit
	BackoffTimes      []int // seconds of backoff per threshold
}

// DefaultConfig is the production ladder.
func DefaultConfig() Config {
	return Config{
		FailureThresholds: []int{3, 5, 10},
		BackoffTimes:      []int{3600, 21600, 86400},
	}
}

// Breaker tracks failure state per domain.
type Breaker struct {
	kv  kvstore.KV
	cfg Config
	ttl time.Duration
	now func() time.Time
}

// New creates a breaker. The state TTL is twice the maximum backoff so stale
// circuits age out of the KV store.
func New(kv kvstore.KV, cfg Config) *Breaker {
	maxBackoff := 0
	for _, b := range cfg.BackoffTimes {
		if b > maxBackoff {
			maxBackoff = b
		}
	}
	return &Breaker{
		kv:  kv,
		cfg: cfg,
		ttl: 2 * time.Duration(maxBackoff) * time.Second,
		now: time.Now,
	}
}

func key(domain string) string { return "circuit:" + domain }

// Check reports whether requests may pass for the domain. When the circuit is
// open it returns false and the seconds remaining in the backoff. An elapsed
// backoff flips the circuit half-open: the call passes and state resets, so
// the next failure restarts the ladder.
func (b *Breaker) Check(ctx context.Context, domain string) (bool, int, error) {
	state, err := b.load(ctx, domain)
	if err != nil {
		return false, 0, err
	}
	if state == nil || state.Status != StatusOpen {
		return true, 0, nil
	}

	elapsed := b.now().Unix() - state.OpenedAt
	remaining := int64(state.BackoffTime) - elapsed
	if remaining > 0 {
		return false, int(remaining), nil
	}

	// Backoff elapsed: half-open. Reset so the next failure restarts the ladder.
	if err := b.kv.Del(ctx, key(domain)); err != nil {
		return false, 0, fmt.Errorf("circuit reset %s: %w", domain, err)
	}
	slog.Info("[Circuit] Half-open, admitting probe", "domain", domain)
	return true, 0, nil
}

// RecordFailure bumps the failure count atomically via CAS and opens the
// circuit when the count reaches a threshold. errType is recorded for
// observability only.
func (b *Breaker) RecordFailure(ctx context.Context, domain, errType string) (*State, error) {
	for {
		state, err := b.load(ctx, domain)
		if err != nil {
			return nil, err
		}
		prev := ""
		if state == nil {
			state = &State{Status: StatusClosed}
		} else {
			data, _ := json.Marshal(state)
			prev = string(data)
		}

		next := *state
		next.Failures++
		next.LastFailure = b.now().Unix()
		for i, threshold := range b.cfg.FailureThresholds {
			if next.Failures == threshold {
				next.Status = StatusOpen
				next.OpenedAt = next.LastFailure
				next.BackoffTime = b.cfg.BackoffTimes[i]
				slog.Warn("[Circuit] Opened", "domain", domain,
					"failures", next.Failures, "backoff_s", next.BackoffTime,
					"error_type", errType)
				break
			}
		}

		ok, err := b.storeCAS(ctx, domain, prev, &next)
		if err != nil {
			return nil, err
		}
		if ok {
			return &next, nil
		}
		// Lost the race; reload and retry until the store succeeds.
	}
}

// RecordSuccess clears the circuit unconditionally.
func (b *Breaker) RecordSuccess(ctx context.Context, domain string) error {
	if err := b.kv.Del(ctx, key(domain)); err != nil {
		return fmt.Errorf("circuit clear %s: %w", domain, err)
	}
	return nil
}

// GetState returns the persisted state, or nil when the circuit is closed
// with no recorded failures.
func (b *Breaker) GetState(ctx context.Context, domain string) (*State, error) {
	return b.load(ctx, domain)
}

func (b *Breaker) load(ctx context.Context, domain string) (*State, error) {
	raw, err := b.kv.Get(ctx, key(domain))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("circuit load %s: %w", domain, err)
	}
	var state State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("circuit decode %s: %w", domain, err)
	}
	return &state, nil
}

// casScript stores the new document only if the current value still matches
// what the caller read (empty prev means the key must not exist).
const casScript = `
local current = redis.call("GET", KEYS[1])
if (current == false and ARGV[1] == "") or current == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "EX", ARGV[3])
  return 1
end
return 0
`

func (b *Breaker) storeCAS(ctx context.Context, domain, prev string, next *State) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("circuit encode %s: %w", domain, err)
	}
	res, err := b.kv.Eval(ctx, casScript, []string{key(domain)},
		prev, string(data), int(b.ttl.Seconds()))
	if err != nil {
		return false, fmt.Errorf("circuit cas %s: %w", domain, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
