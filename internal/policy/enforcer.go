// Package policy enforces the authorization regime: domain deny/allow lists,
// strategy gating per authorization mode, per-policy rate limits and
// concurrency caps. Every decision, allow or not, emits an audit record.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/kvstore"
	"github.com/pagegrab/backend/internal/store"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Action  core.PolicyAction
	Reason  string
	Context map[string]interface{}
}

// Request carries everything a check needs.
type Request struct {
	JobID    string
	Domain   string
	URL      string
	Strategy core.Strategy
	AuthMode core.AuthMode
	UserID   string
	IP       string
}

// strategiesByMode gates which strategies each authorization mode may use.
var strategiesByMode = map[core.AuthMode][]core.Strategy{
	core.AuthPublic:   {core.StrategyVanilla},
	core.AuthInternal: {core.StrategyVanilla, core.StrategyStealth},
	core.AuthPrivileged: {
		core.StrategyVanilla, core.StrategyStealth, core.StrategyUltimateStealth,
		core.StrategyAssault, core.StrategyCustom,
	},
}

// Enforcer applies the rule chain. It owns the concurrency counter namespace
// (`concurrency:{domain}`); the orchestrator calls Increment/Decrement around
// execution.
type Enforcer struct {
	policies store.PolicyStore
	kv       kvstore.KV
	now      func() time.Time
}

// New creates an enforcer.
func New(policies store.PolicyStore, kv kvstore.KV) *Enforcer {
	return &Enforcer{policies: policies, kv: kv, now: time.Now}
}

// Check applies the rules in order; first matching denial wins. It never
// returns an error for the decision itself: infrastructure failures fall back
// to the safe default and are logged.
func (e *Enforcer) Check(ctx context.Context, req Request) Decision {
	decision := e.decide(ctx, req)
	e.audit(ctx, req, decision)
	return decision
}

func (e *Enforcer) decide(ctx context.Context, req Request) Decision {
	policy, err := e.policies.GetDomainPolicy(ctx, req.Domain)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		// Policy store unreachable: fail open on the list checks but still
		// gate strategies, and say so in the audit trail.
		slog.Error("[Policy] Policy lookup failed", "domain", req.Domain, "error", err)
		policy = nil
	}

	// Rule 1: denylist.
	if policy != nil && policy.Denied {
		return Decision{
			Allowed: false,
			Action:  core.ActionDeny,
			Reason:  core.ReasonDenylist,
			Context: map[string]interface{}{"domain": req.Domain},
		}
	}

	// Rule 2: strategy gating by authorization mode, narrowed by the policy's
	// own allowlist when present.
	if !modePermits(req.AuthMode, req.Strategy) ||
		(policy != nil && !policy.PermitsStrategy(req.Strategy)) {
		return Decision{
			Allowed: false,
			Action:  core.ActionStrategyRestricted,
			Reason: fmt.Sprintf("%s: strategy %q not permitted in mode %q",
				core.ReasonStrategyRestricted, req.Strategy, req.AuthMode),
			Context: map[string]interface{}{"strategy": string(req.Strategy)},
		}
	}

	// Rule 3: per-policy submission rate limit (one-minute window).
	if policy != nil && policy.RateLimitPerMinute != nil {
		count, err := e.countAndMarkSubmission(ctx, req.Domain)
		if err != nil {
			slog.Error("[Policy] Rate window check failed", "domain", req.Domain, "error", err)
		} else if count > int64(*policy.RateLimitPerMinute) {
			return Decision{
				Allowed: false,
				Action:  core.ActionRateLimit,
				Reason:  core.ReasonRateLimit,
				Context: map[string]interface{}{
					"limit_per_minute": *policy.RateLimitPerMinute,
				},
			}
		}
	}

	// Rule 4: concurrency cap.
	if policy != nil && policy.MaxConcurrentJobs != nil {
		running, err := e.CurrentConcurrency(ctx, req.Domain)
		if err != nil {
			slog.Error("[Policy] Concurrency check failed", "domain", req.Domain, "error", err)
		} else if running >= int64(*policy.MaxConcurrentJobs) {
			return Decision{
				Allowed: false,
				Action:  core.ActionConcurrencyLimit,
				Reason:  core.ReasonConcurrencyLimit,
				Context: map[string]interface{}{
					"max_concurrent": *policy.MaxConcurrentJobs,
					"running":        running,
				},
			}
		}
	}

	return Decision{Allowed: true, Action: core.ActionAllow, Reason: "allowed"}
}

func modePermits(mode core.AuthMode, strategy core.Strategy) bool {
	allowed, ok := strategiesByMode[mode]
	if !ok {
		// Unknown mode gets the public treatment.
		allowed = strategiesByMode[core.AuthPublic]
	}
	for _, s := range allowed {
		if s == strategy {
			return true
		}
	}
	return false
}

// submissionWindowScript prunes the minute window, records this submission and
// returns the new count, atomically.
const submissionWindowScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, tonumber(ARGV[1]) - 60000)
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[2])
redis.call("EXPIRE", KEYS[1], 60)
return redis.call("ZCARD", KEYS[1])
`

func (e *Enforcer) countAndMarkSubmission(ctx context.Context, domain string) (int64, error) {
	nowMs := e.now().UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()[:8]
	res, err := e.kv.Eval(ctx, submissionWindowScript,
		[]string{"rl:policy:" + domain}, nowMs, member)
	if err != nil {
		return 0, err
	}
	count, _ := res.(int64)
	return count, nil
}

// IncrementConcurrency marks one running job for the domain.
func (e *Enforcer) IncrementConcurrency(ctx context.Context, domain string) error {
	if _, err := e.kv.Incr(ctx, "concurrency:"+domain); err != nil {
		return fmt.Errorf("increment concurrency %s: %w", domain, err)
	}
	// Safety TTL so a crashed worker cannot pin the counter forever.
	return e.kv.Expire(ctx, "concurrency:"+domain, 10*time.Minute)
}

// DecrementConcurrency releases one running job for the domain.
func (e *Enforcer) DecrementConcurrency(ctx context.Context, domain string) error {
	n, err := e.kv.Decr(ctx, "concurrency:"+domain)
	if err != nil {
		return fmt.Errorf("decrement concurrency %s: %w", domain, err)
	}
	if n < 0 {
		// Drifted below zero (e.g. counter expired mid-job); clamp.
		_ = e.kv.Del(ctx, "concurrency:"+domain)
	}
	return nil
}

// CurrentConcurrency reads the running-job counter for a domain.
func (e *Enforcer) CurrentConcurrency(ctx context.Context, domain string) (int64, error) {
	raw, err := e.kv.Get(ctx, "concurrency:"+domain)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("concurrency counter %s corrupt: %w", domain, err)
	}
	return n, nil
}

func (e *Enforcer) audit(ctx context.Context, req Request, d Decision) {
	entry := &core.AuditEntry{
		JobID:             req.JobID,
		Domain:            req.Domain,
		URL:               req.URL,
		Strategy:          req.Strategy,
		AuthorizationMode: req.AuthMode,
		Allowed:           d.Allowed,
		Action:            d.Action,
		Reason:            d.Reason,
		UserID:            req.UserID,
		IPAddress:         req.IP,
		Timestamp:         e.now(),
	}
	if d.Action == core.ActionRateLimit {
		if limit, ok := d.Context["limit_per_minute"].(int); ok {
			entry.RateLimitApplied = &limit
		}
	}
	if d.Action == core.ActionConcurrencyLimit {
		if limit, ok := d.Context["max_concurrent"].(int); ok {
			entry.ConcurrencyLimitApplied = &limit
		}
	}

	if err := e.policies.InsertAudit(ctx, entry); err != nil {
		// The decision stands; losing an audit row is logged, not fatal.
		slog.Error("[Policy] Audit insert failed", "domain", req.Domain,
			"action", string(d.Action), "error", err)
	}
}
