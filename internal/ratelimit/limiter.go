// Package ratelimit enforces per-domain and per-IP sliding windows plus a
// concurrency slot cap. All three checks run inside one server-side script so
// the window can never overshoot under concurrent acquirers.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pagegrab/backend/internal/kvstore"
)

// Limits are the three ceilings applied per acquisition.
type Limits struct {
	DomainPerMinute int
	IPPerHour       int
	Concurrent      int
}

// DefaultLimits apply when no registry override exists for the domain.
var DefaultLimits = Limits{DomainPerMinute: 5, IPPerHour: 100, Concurrent: 20}

// HighRiskLimits apply to domains the registry flags as high risk.
var HighRiskLimits = Limits{DomainPerMinute: 3, IPPerHour: 50, Concurrent: 10}

const (
	domainWindow = 60 * time.Second
	ipWindow     = 3600 * time.Second
	// A crashed worker must not pin a slot forever.
	slotSafetyTTL = 300
)

// Decision is the outcome of one Acquire call.
type Decision struct {
	Allowed           bool
	Remaining         int // minimum headroom across windows
	ResetAfterSeconds int // earliest full-window expiration
}

// LimitsFunc resolves per-domain limits. Returning false falls back to
// DefaultLimits. The target registry provides this at wiring time.
type LimitsFunc func(domain string) (Limits, bool)

// Limiter is the sliding-window rate limiter.
type Limiter struct {
	kv      kvstore.KV
	resolve LimitsFunc
	now     func() time.Time
}

// New creates a limiter. resolve may be nil.
func New(kv kvstore.KV, resolve LimitsFunc) *Limiter {
	return &Limiter{kv: kv, resolve: resolve, now: time.Now}
}

// acquireScript prunes, counts and inserts in one atomic step.
//
// KEYS[1] = domain window zset    KEYS[2] = ip window zset
// KEYS[3] = concurrency counter
// ARGV = now_ms, domain_limit, ip_limit, conc_limit,
//        domain_window_ms, ip_window_ms, member
//
// Returns {allowed, remaining, reset_after_ms}.
var acquireScript = `
local domainKey = KEYS[1]
local ipKey = KEYS[2]
local concKey = KEYS[3]
local now = tonumber(ARGV[1])
local domainLimit = tonumber(ARGV[2])
local ipLimit = tonumber(ARGV[3])
local concLimit = tonumber(ARGV[4])
local domainWindow = tonumber(ARGV[5])
local ipWindow = tonumber(ARGV[6])
local member = ARGV[7]

redis.call("ZREMRANGEBYSCORE", domainKey, 0, now - domainWindow)
redis.call("ZREMRANGEBYSCORE", ipKey, 0, now - ipWindow)

local domainCount = redis.call("ZCARD", domainKey)
local ipCount = redis.call("ZCARD", ipKey)
local concCount = tonumber(redis.call("GET", concKey) or "0")

local function resetAfter()
  local earliest = 0
  local oldest = redis.call("ZRANGE", domainKey, 0, 0, "WITHSCORES")
  if oldest[2] then
    earliest = domainWindow - (now - tonumber(oldest[2]))
  end
  local oldestIP = redis.call("ZRANGE", ipKey, 0, 0, "WITHSCORES")
  if oldestIP[2] then
    local ipReset = ipWindow - (now - tonumber(oldestIP[2]))
    if earliest == 0 or ipReset < earliest then
      earliest = ipReset
    end
  end
  if earliest < 0 then
    earliest = 0
  end
  return earliest
end

if domainCount >= domainLimit or ipCount >= ipLimit or concCount >= concLimit then
  return {0, 0, resetAfter()}
end

redis.call("ZADD", domainKey, now, member)
redis.call("EXPIRE", domainKey, math.ceil(domainWindow / 1000))
redis.call("ZADD", ipKey, now, member)
redis.call("EXPIRE", ipKey, math.ceil(ipWindow / 1000))
redis.call("INCR", concKey)
redis.call("EXPIRE", concKey, ` + fmt.Sprint(slotSafetyTTL) + `)

local remaining = domainLimit - domainCount - 1
local ipRemaining = ipLimit - ipCount - 1
if ipRemaining < remaining then
  remaining = ipRemaining
end
local concRemaining = concLimit - concCount - 1
if concRemaining < remaining then
  remaining = concRemaining
end

return {1, remaining, resetAfter()}
`

// Acquire admits or rejects one request for (domain, clientIP). An admitted
// request holds a concurrency slot until Release is called.
func (l *Limiter) Acquire(ctx context.Context, domain, clientIP string) (Decision, error) {
	limits := l.limitsFor(domain)
	nowMs := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString()[:8])

	keys := []string{
		"rl:domain:" + domain,
		"rl:ip:" + clientIP,
		"concurrency:slots:" + domain,
	}
	res, err := l.kv.Eval(ctx, acquireScript, keys,
		nowMs, limits.DomainPerMinute, limits.IPPerHour, limits.Concurrent,
		domainWindow.Milliseconds(), ipWindow.Milliseconds(), member)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit acquire %s: %w", domain, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("rate limit acquire %s: unexpected script reply %v", domain, res)
	}

	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	resetMs, _ := vals[2].(int64)

	d := Decision{
		Allowed:           allowed == 1,
		Remaining:         int(remaining),
		ResetAfterSeconds: int((resetMs + 999) / 1000),
	}
	if !d.Allowed {
		slog.Debug("[RateLimit] Rejected", "domain", domain, "ip", clientIP,
			"reset_after_s", d.ResetAfterSeconds)
	}
	return d, nil
}

// Release frees the concurrency slot taken by a successful Acquire.
// The counter never goes below zero.
func (l *Limiter) Release(ctx context.Context, domain string) error {
	const releaseScript = `
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`
	_, err := l.kv.Eval(ctx, releaseScript, []string{"concurrency:slots:" + domain})
	if err != nil {
		return fmt.Errorf("rate limit release %s: %w", domain, err)
	}
	return nil
}

func (l *Limiter) limitsFor(domain string) Limits {
	if l.resolve != nil {
		if limits, ok := l.resolve(domain); ok {
			return limits
		}
	}
	return DefaultLimits
}
