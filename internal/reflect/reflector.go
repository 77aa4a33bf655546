package reflect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/memory"
)

// reflectionRule mutates an adapter in response to one incident type and
// names itself for the audit trail. Rules are data; adding one is appending
// to the table.
type reflectionRule struct {
	name    string
	trigger core.IncidentType
	apply   func(adapter *core.SiteAdapter) bool // true when it changed something
}

var reflectionRules = []reflectionRule{
	{
		name:    "fallback_selectors",
		trigger: core.IncidentSelectorMiss,
		apply: func(a *core.SiteAdapter) bool {
			changed := false
			for key, sel := range map[string]string{
				"fallback": "//body//*",
				"text":     "//*[text()]",
			} {
				// First write wins; never clobber a tuned selector.
				if _, exists := a.Selectors[key]; !exists {
					a.Selectors[key] = sel
					changed = true
				}
			}
			return changed
		},
	},
	{
		name:    "patient_waits",
		trigger: core.IncidentTimeout,
		apply: func(a *core.SiteAdapter) bool {
			changed := false
			if idle, _ := a.WaitStrategies["network_idle"].(bool); !idle {
				a.WaitStrategies["network_idle"] = true
				changed = true
			}
			existing := 15000.0
			if v, ok := a.WaitStrategies["timeout_ms"].(float64); ok {
				existing = v
			}
			if existing < 30000 {
				a.WaitStrategies["timeout_ms"] = 30000.0
				changed = true
			}
			return changed
		},
	},
	{
		name:    "stealth_mode",
		trigger: core.IncidentBlocked,
		apply: func(a *core.SiteAdapter) bool {
			if stealth, _ := a.WaitStrategies["stealth"].(bool); stealth {
				return false
			}
			a.WaitStrategies["stealth"] = true
			return true
		},
	},
}

// Reflector applies the rule engine to a domain's adapter based on its
// unreflected incidents.
type Reflector struct {
	repo *memory.Repository
	now  func() time.Time
}

// NewReflector creates a reflector over the memory repository.
func NewReflector(repo *memory.Repository) *Reflector {
	return &Reflector{repo: repo, now: time.Now}
}

const incidentBatch = 50

// ReflectDomain loads the domain's incidents and adapter, applies every
// matching rule, and saves the adapter with its version bumped by exactly one
// when anything changed. Returns the rules that fired.
func (r *Reflector) ReflectDomain(ctx context.Context, domain string) ([]string, error) {
	incidents, err := r.repo.FetchIncidents(ctx, domain, incidentBatch)
	if err != nil {
		return nil, fmt.Errorf("reflect %s: %w", domain, err)
	}

	adapter, err := r.repo.GetAdapter(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("reflect %s: %w", domain, err)
	}
	if adapter == nil {
		adapter = core.NewSiteAdapter(domain)
	}
	if adapter.Selectors == nil {
		adapter.Selectors = map[string]string{}
	}
	if adapter.WaitStrategies == nil {
		adapter.WaitStrategies = map[string]interface{}{}
	}

	pending := map[core.IncidentType][]int64{}
	for _, inc := range incidents {
		if !inc.ReflectionApplied {
			pending[inc.ErrorType] = append(pending[inc.ErrorType], inc.ID)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	applied := []string{}
	var reflectedIDs []int64
	for _, rule := range reflectionRules {
		ids, hit := pending[rule.trigger]
		if !hit {
			continue
		}
		if rule.apply(adapter) {
			applied = append(applied, rule.name)
		}
		// Incidents are consumed even when the rule was a no-op; the adapter
		// already carries the mitigation.
		reflectedIDs = append(reflectedIDs, ids...)
	}
	if len(applied) == 0 {
		if len(reflectedIDs) > 0 {
			if err := r.repo.MarkIncidentsReflected(ctx, reflectedIDs, adapter.Version); err != nil {
				return nil, fmt.Errorf("reflect %s: %w", domain, err)
			}
		}
		return nil, nil
	}

	adapter.Version++
	adapter.AuditTrail = append(adapter.AuditTrail, core.AdapterAudit{
		Timestamp:    r.now(),
		AppliedRules: applied,
		Version:      adapter.Version,
	})

	if err := r.repo.SaveAdapter(ctx, adapter); err != nil {
		return nil, fmt.Errorf("reflect %s: %w", domain, err)
	}
	if err := r.repo.MarkIncidentsReflected(ctx, reflectedIDs, adapter.Version); err != nil {
		return nil, fmt.Errorf("reflect %s: %w", domain, err)
	}

	slog.Info("[Reflect] Adapter mutated", "domain", domain,
		"version", adapter.Version, "rules", applied)
	return applied, nil
}
