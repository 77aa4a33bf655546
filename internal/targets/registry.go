// Package targets holds per-domain fetch configuration: selectors, waits and
// limits loaded from YAML files, with heuristic defaults for domains we have
// never seen. Domains are always normalized to their registered (eTLD+1) form.
package targets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v2"

	"github.com/pagegrab/backend/internal/circuit"
	"github.com/pagegrab/backend/internal/ratelimit"
)

// RiskLevel buckets how aggressively a domain defends itself.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// protectionVendors are tokens that mark a domain as sitting behind a bot
// mitigation vendor. Heuristic matches get high-risk defaults.
var protectionVendors = []string{"cloudflare", "datadome", "akamai", "incapsula", "f5"}

// LimitsConfig mirrors the rate limiter ceilings in YAML form.
type LimitsConfig struct {
	DomainPerMinute int `yaml:"domain_per_minute"`
	IPPerHour       int `yaml:"ip_per_hour"`
	Concurrent      int `yaml:"concurrent"`
}

// TargetConfig is the per-domain fetch profile.
type TargetConfig struct {
	Domain            string            `yaml:"domain"`
	RiskLevel         RiskLevel         `yaml:"risk_level"`
	RequiresStealth   bool              `yaml:"requires_stealth"`
	Selectors         map[string]string `yaml:"selectors,omitempty"`
	WaitSeconds       int               `yaml:"wait_seconds,omitempty"`
	NavigationTimeout int               `yaml:"navigation_timeout_seconds,omitempty"`
	Limits            *LimitsConfig     `yaml:"limits,omitempty"`
	Heuristic         bool              `yaml:"-"` // true when no file backed this config
}

const cacheTTL = 60 * time.Second

type cachedConfig struct {
	cfg      *TargetConfig
	cachedAt time.Time
}

// Registry serves target configs. Files load once at startup; lookups go
// through a 60s cache so heuristic recomputation stays cheap.
type Registry struct {
	mu      sync.RWMutex
	files   map[string]*TargetConfig
	cache   map[string]cachedConfig
	breaker *circuit.Breaker
	limiter *ratelimit.Limiter
	now     func() time.Time
}

// NewRegistry loads every *.yaml/*.yml file under dir. A missing or empty dir
// is fine; everything then runs on heuristics. breaker and limiter are used by
// ValidateSafety and may be nil in tests that only exercise config lookup.
func NewRegistry(dir string, breaker *circuit.Breaker, limiter *ratelimit.Limiter) (*Registry, error) {
	r := &Registry{
		files:   map[string]*TargetConfig{},
		cache:   map[string]cachedConfig{},
		breaker: breaker,
		limiter: limiter,
		now:     time.Now,
	}
	if dir == "" {
		return r, nil
	}
	if err := r.loadDir(dir); err != nil {
		return nil, err
	}
	slog.Info("[Targets] Registry loaded", "dir", dir, "configs", len(r.files))
	return r, nil
}

func (r *Registry) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read target dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read target file %s: %w", name, err)
		}
		var cfg TargetConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse target file %s: %w", name, err)
		}
		if cfg.Domain == "" {
			// Fall back to the filename stem.
			cfg.Domain = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
		}
		cfg.Domain = strings.ToLower(cfg.Domain)
		if cfg.RiskLevel == "" {
			cfg.RiskLevel = RiskMedium
		}
		r.files[cfg.Domain] = &cfg
	}
	return nil
}

// SetLimiter injects the rate limiter after construction. The limiter needs
// the registry's Limits resolver, so wiring happens in two steps.
func (r *Registry) SetLimiter(limiter *ratelimit.Limiter) {
	r.limiter = limiter
}

// RegisteredDomain reduces a host to its eTLD+1 using the public suffix list,
// so foo.bar.co.uk and bar.co.uk share one config, one circuit and one window.
func RegisteredDomain(host string) (string, error) {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("registered domain for %q: %w", host, err)
	}
	return domain, nil
}

// GetConfig returns the config for a registered domain. File-backed configs
// win; misses compute a heuristic default. Results cache for 60 seconds.
func (r *Registry) GetConfig(domain string) *TargetConfig {
	domain = strings.ToLower(domain)

	r.mu.RLock()
	if entry, ok := r.cache[domain]; ok && r.now().Sub(entry.cachedAt) < cacheTTL {
		r.mu.RUnlock()
		return entry.cfg
	}
	r.mu.RUnlock()

	cfg, ok := r.files[domain]
	if !ok {
		cfg = heuristicConfig(domain)
	}

	r.mu.Lock()
	r.cache[domain] = cachedConfig{cfg: cfg, cachedAt: r.now()}
	r.mu.Unlock()
	return cfg
}

// heuristicConfig builds a default for a domain with no file. Domains that
// name a protection vendor get high-risk treatment.
func heuristicConfig(domain string) *TargetConfig {
	lower := strings.ToLower(domain)
	for _, vendor := range protectionVendors {
		if strings.Contains(lower, vendor) {
			return &TargetConfig{
				Domain:          domain,
				RiskLevel:       RiskHigh,
				RequiresStealth: true,
				Limits: &LimitsConfig{
					DomainPerMinute: ratelimit.HighRiskLimits.DomainPerMinute,
					IPPerHour:       ratelimit.HighRiskLimits.IPPerHour,
					Concurrent:      ratelimit.HighRiskLimits.Concurrent,
				},
				Heuristic: true,
			}
		}
	}
	return &TargetConfig{Domain: domain, RiskLevel: RiskMedium, Heuristic: true}
}

// Limits adapts the registry into the rate limiter's resolver.
func (r *Registry) Limits(domain string) (ratelimit.Limits, bool) {
	cfg := r.GetConfig(domain)
	if cfg.Limits != nil {
		return ratelimit.Limits{
			DomainPerMinute: cfg.Limits.DomainPerMinute,
			IPPerHour:       cfg.Limits.IPPerHour,
			Concurrent:      cfg.Limits.Concurrent,
		}, true
	}
	if cfg.RiskLevel == RiskHigh {
		return ratelimit.HighRiskLimits, true
	}
	return ratelimit.Limits{}, false
}

// SafetyReport is the composed verdict from ValidateSafety.
type SafetyReport struct {
	Safe              bool
	Reason            string
	RetryAfterSeconds int
	Config            *TargetConfig
}

// ValidateSafety composes the circuit breaker, the rate limiter and the config
// lookup into one pre-flight verdict. A passing call holds a concurrency slot;
// the caller releases it via the limiter after execution.
func (r *Registry) ValidateSafety(ctx context.Context, domain, clientIP string) (SafetyReport, error) {
	cfg := r.GetConfig(domain)

	ok, remaining, err := r.breaker.Check(ctx, domain)
	if err != nil {
		return SafetyReport{}, fmt.Errorf("safety check %s: %w", domain, err)
	}
	if !ok {
		return SafetyReport{
			Safe:              false,
			Reason:            "circuit_open",
			RetryAfterSeconds: remaining,
			Config:            cfg,
		}, nil
	}

	decision, err := r.limiter.Acquire(ctx, domain, clientIP)
	if err != nil {
		return SafetyReport{}, fmt.Errorf("safety check %s: %w", domain, err)
	}
	if !decision.Allowed {
		return SafetyReport{
			Safe:              false,
			Reason:            "rate_limited",
			RetryAfterSeconds: decision.ResetAfterSeconds,
			Config:            cfg,
		}, nil
	}

	return SafetyReport{Safe: true, Config: cfg}, nil
}
