package targets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagegrab/backend/internal/circuit"
	"github.com/pagegrab/backend/internal/kvstore"
	"github.com/pagegrab/backend/internal/ratelimit"
)

func writeTargetFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestRegisteredDomain(t *testing.T) {
	cases := map[string]string{
		"foo.bar.co.uk":   "bar.co.uk",
		"www.example.com": "example.com",
		"example.com":     "example.com",
		"a.b.c.github.io": "c.github.io",
	}
	for host, want := range cases {
		got, err := RegisteredDomain(host)
		require.NoError(t, err, host)
		assert.Equal(t, want, got, host)
	}

	_, err := RegisteredDomain("localhost")
	assert.Error(t, err, "hosts without a public suffix are rejected")
}

func TestFileBackedConfigWins(t *testing.T) {
	dir := t.TempDir()
	writeTargetFile(t, dir, "example.com.yaml", `
domain: example.com
risk_level: high
requires_stealth: true
selectors:
  title: "h1.product-title"
wait_seconds: 5
limits:
  domain_per_minute: 2
  ip_per_hour: 40
  concurrent: 4
`)

	r, err := NewRegistry(dir, nil, nil)
	require.NoError(t, err)

	cfg := r.GetConfig("example.com")
	assert.Equal(t, RiskHigh, cfg.RiskLevel)
	assert.True(t, cfg.RequiresStealth)
	assert.Equal(t, "h1.product-title", cfg.Selectors["title"])
	assert.False(t, cfg.Heuristic)

	limits, ok := r.Limits("example.com")
	require.True(t, ok)
	assert.Equal(t, 2, limits.DomainPerMinute)
}

func TestFilenameStemNamesDomain(t *testing.T) {
	dir := t.TempDir()
	writeTargetFile(t, dir, "shop.example.yaml", "risk_level: low\n")

	r, err := NewRegistry(dir, nil, nil)
	require.NoError(t, err)
	cfg := r.GetConfig("shop.example")
	assert.Equal(t, RiskLow, cfg.RiskLevel)
	assert.False(t, cfg.Heuristic)
}

func TestHeuristicVendorDomainsAreHighRisk(t *testing.T) {
	r, err := NewRegistry("", nil, nil)
	require.NoError(t, err)

	for _, domain := range []string{
		"shop-cloudflare.com", "datadome-protected.io", "akamaized.net",
	} {
		cfg := r.GetConfig(domain)
		assert.Equal(t, RiskHigh, cfg.RiskLevel, domain)
		assert.True(t, cfg.RequiresStealth, domain)
		assert.True(t, cfg.Heuristic, domain)

		limits, ok := r.Limits(domain)
		require.True(t, ok, domain)
		assert.Equal(t, ratelimit.HighRiskLimits.DomainPerMinute, limits.DomainPerMinute)
	}
}

func TestHeuristicDefaultIsMedium(t *testing.T) {
	r, err := NewRegistry("", nil, nil)
	require.NoError(t, err)

	cfg := r.GetConfig("plain-site.org")
	assert.Equal(t, RiskMedium, cfg.RiskLevel)
	assert.False(t, cfg.RequiresStealth)

	_, ok := r.Limits("plain-site.org")
	assert.False(t, ok, "medium risk without a file falls through to defaults")
}

func TestConfigCacheExpires(t *testing.T) {
	r, err := NewRegistry("", nil, nil)
	require.NoError(t, err)
	now := time.Now()
	r.now = func() time.Time { return now }

	first := r.GetConfig("plain-site.org")
	second := r.GetConfig("plain-site.org")
	assert.Same(t, first, second, "within the TTL the cached pointer is reused")

	now = now.Add(cacheTTL + time.Second)
	third := r.GetConfig("plain-site.org")
	assert.NotSame(t, first, third, "after the TTL the config is recomputed")
}

func TestValidateSafety(t *testing.T) {
	mr := miniredis.RunT(t)
	kv := kvstore.NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })

	breaker := circuit.New(kv, circuit.DefaultConfig())
	r, err := NewRegistry("", breaker, nil)
	require.NoError(t, err)
	limiter := ratelimit.New(kv, r.Limits)
	r.limiter = limiter
	ctx := context.Background()

	report, err := r.ValidateSafety(ctx, "example.com", "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, report.Safe)
	require.NotNil(t, report.Config)
	require.NoError(t, limiter.Release(ctx, "example.com"))

	// An open circuit blocks before the limiter is consulted.
	for i := 0; i < 3; i++ {
		_, err := breaker.RecordFailure(ctx, "example.com", "timeout")
		require.NoError(t, err)
	}
	report, err = r.ValidateSafety(ctx, "example.com", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, report.Safe)
	assert.Equal(t, "circuit_open", report.Reason)
	assert.Greater(t, report.RetryAfterSeconds, 0)
}

func TestValidateSafetyRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	kv := kvstore.NewRedisKVFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })

	dir := t.TempDir()
	writeTargetFile(t, dir, "tight.com.yaml", `
limits:
  domain_per_minute: 1
  ip_per_hour: 100
  concurrent: 10
`)
	breaker := circuit.New(kv, circuit.DefaultConfig())
	r, err := NewRegistry(dir, breaker, nil)
	require.NoError(t, err)
	r.limiter = ratelimit.New(kv, r.Limits)
	ctx := context.Background()

	report, err := r.ValidateSafety(ctx, "tight.com", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, report.Safe)

	report, err = r.ValidateSafety(ctx, "tight.com", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, report.Safe)
	assert.Equal(t, "rate_limited", report.Reason)
}
