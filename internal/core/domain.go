// Package core holds the domain model shared by every subsystem: jobs,
// policies, site adapters, incidents and the enums that appear on the wire.
package core

import "time"

// JobStatus is the lifecycle state of a job. Lowercase tokens are canonical.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
	StatusDLQ       JobStatus = "dlq"
)

// Terminal reports whether the status concludes an execution attempt and
// stamps completed_at. Failed jobs may still be requeued for a retry.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusDLQ
}

// Strategy selects the executor variant for a job.
type Strategy string

const (
	StrategyVanilla         Strategy = "vanilla"
	StrategyStealth         Strategy = "stealth"
	StrategyUltimateStealth Strategy = "ultimate_stealth"
	StrategyAssault         Strategy = "assault"
	StrategyCustom          Strategy = "custom"
)

// Strategies lists every known strategy, in gating order (least to most invasive).
var Strategies = []Strategy{
	StrategyVanilla,
	StrategyStealth,
	StrategyUltimateStealth,
	StrategyAssault,
	StrategyCustom,
}

// Valid reports whether the strategy is a known wire-level token.
func (s Strategy) Valid() bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}

// JobType is the kind of work a job performs.
type JobType string

const (
	// TypeNavigateExtract navigates to a URL and extracts content.
	// Further variants are reserved.
	TypeNavigateExtract JobType = "navigate_extract"
)

// AuthMode is the authorization context a submission arrives under.
type AuthMode string

const (
	AuthPublic     AuthMode = "public"
	AuthInternal   AuthMode = "internal"
	AuthPrivileged AuthMode = "privileged"
)

// Priority orders jobs across the queue streams. 0 is highest.
type Priority int

const (
	PriorityEmergency Priority = 0
	PriorityHigh      Priority = 1
	PriorityNormal    Priority = 2
	PriorityLow       Priority = 3
)

// Clamp forces the priority into the valid 0..3 range.
func (p Priority) Clamp() Priority {
	if p < PriorityEmergency {
		return PriorityEmergency
	}
	if p > PriorityLow {
		return PriorityLow
	}
	return p
}

// Job is a single fetch-and-process request against a (domain, url, strategy)
// triple. Job rows are owned by the State Manager; nothing else mutates them.
type Job struct {
	ID             string                 `json:"id"`
	Domain         string                 `json:"domain"`
	URL            string                 `json:"url"`
	Type           JobType                `json:"type"`
	Strategy       Strategy               `json:"strategy"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Priority       Priority               `json:"priority"`
	Status         JobStatus              `json:"status"`
	Attempts       int                    `json:"attempts"`
	RetryCount     int                    `json:"retry_count"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Artifacts      map[string]interface{} `json:"artifacts,omitempty"`
	Error          string                 `json:"error,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
}

// DomainPolicy governs what may be submitted against a domain.
// Denied beats allowed.
type DomainPolicy struct {
	Domain              string     `json:"domain"`
	Allowed             bool       `json:"allowed"`
	Denied              bool       `json:"denied"`
	RateLimitPerMinute  *int       `json:"rate_limit_per_minute,omitempty"`
	MaxConcurrentJobs   *int       `json:"max_concurrent_jobs,omitempty"`
	PermittedStrategies []Strategy `json:"permitted_strategies,omitempty"`
}

// PermitsStrategy reports whether the policy's strategy allowlist admits s.
// An empty allowlist permits everything.
func (p *DomainPolicy) PermitsStrategy(s Strategy) bool {
	if len(p.PermittedStrategies) == 0 {
		return true
	}
	for _, allowed := range p.PermittedStrategies {
		if allowed == s {
			return true
		}
	}
	return false
}

// PolicyAction is the outcome of a policy check.
type PolicyAction string

const (
	ActionAllow              PolicyAction = "allow"
	ActionDeny               PolicyAction = "deny"
	ActionRateLimit          PolicyAction = "rate_limit"
	ActionConcurrencyLimit   PolicyAction = "concurrency_limit"
	ActionStrategyRestricted PolicyAction = "strategy_restricted"
)

// AuditEntry records one policy decision. Audit logs are append-only.
type AuditEntry struct {
	ID                      string       `json:"id,omitempty"`
	JobID                   string       `json:"job_id"`
	Domain                  string       `json:"domain"`
	URL                     string       `json:"url"`
	Strategy                Strategy     `json:"strategy"`
	AuthorizationMode       AuthMode     `json:"authorization_mode"`
	Allowed                 bool         `json:"allowed"`
	Action                  PolicyAction `json:"action"`
	Reason                  string       `json:"reason"`
	UserID                  string       `json:"user_id,omitempty"`
	IPAddress               string       `json:"ip_address,omitempty"`
	RateLimitApplied        *int         `json:"rate_limit_applied,omitempty"`
	ConcurrencyLimitApplied *int         `json:"concurrency_limit_applied,omitempty"`
	Timestamp               time.Time    `json:"timestamp"`
}

// AdapterAudit is one entry in a site adapter's mutation trail.
type AdapterAudit struct {
	Timestamp    time.Time `json:"timestamp"`
	AppliedRules []string  `json:"applied_rules"`
	Version      int       `json:"version"`
}

// SiteAdapter is the per-domain record of selectors and wait strategies,
// mutated exclusively by the Reflector. Version strictly increases per
// successful mutation.
type SiteAdapter struct {
	Domain           string                 `json:"domain"`
	Selectors        map[string]string      `json:"selectors"`
	WaitStrategies   map[string]interface{} `json:"wait_strategies"`
	Version          int                    `json:"version"`
	AuditTrail       []AdapterAudit         `json:"audit_trail,omitempty"`
	SuccessRate      float64                `json:"success_rate"`
	AvgExecutionTime float64                `json:"avg_execution_time"`
	CommonErrors     map[string]int         `json:"common_errors,omitempty"`
}

// NewSiteAdapter returns an empty adapter at version 1 for a domain.
func NewSiteAdapter(domain string) *SiteAdapter {
	return &SiteAdapter{
		Domain:         domain,
		Selectors:      make(map[string]string),
		WaitStrategies: make(map[string]interface{}),
		Version:        1,
		CommonErrors:   make(map[string]int),
	}
}

// IncidentType classifies a failure for the reflection rule engine.
type IncidentType string

const (
	IncidentSelectorMiss     IncidentType = "selector_miss"
	IncidentTimeout          IncidentType = "timeout"
	IncidentBlocked          IncidentType = "blocked"
	IncidentCaptcha          IncidentType = "captcha"
	IncidentNetwork          IncidentType = "network"
	IncidentNotFound         IncidentType = "not_found"
	IncidentForbidden        IncidentType = "forbidden"
	IncidentInvalid          IncidentType = "invalid"
	IncidentJavascript       IncidentType = "javascript"
	IncidentSelectorNotFound IncidentType = "selector_not_found"
	IncidentGeneric          IncidentType = "generic"
)

// IncidentSeverity grades an incident.
type IncidentSeverity string

const (
	SeverityLow    IncidentSeverity = "low"
	SeverityMedium IncidentSeverity = "medium"
	SeverityHigh   IncidentSeverity = "high"
)

// Incident is a persisted, classified failure record. Append-only; only the
// Reflector flips Resolved / ReflectionApplied after insert.
type Incident struct {
	ID                int64                  `json:"id,omitempty"`
	JobID             string                 `json:"job_id,omitempty"`
	Domain            string                 `json:"domain"`
	ErrorType         IncidentType           `json:"error_type"`
	Message           string                 `json:"message"`
	Severity          IncidentSeverity       `json:"severity"`
	Context           map[string]interface{} `json:"context,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	Resolved          bool                   `json:"resolved"`
	ReflectionApplied bool                   `json:"reflection_applied"`
	ReflectionVersion *int                   `json:"reflection_version,omitempty"`
}

// JobMemory is the persisted outcome of a successful execution. Rows are
// append-only; the row with the highest id wins on read.
type JobMemory struct {
	ID               int64                  `json:"id,omitempty"`
	JobID            string                 `json:"job_id"`
	Content          map[string]interface{} `json:"content,omitempty"`
	ArtifactPaths    []string               `json:"artifact_paths,omitempty"`
	SignedArtifacts  []string               `json:"signed_artifacts,omitempty"`
	AdapterVersion   *int                   `json:"adapter_version,omitempty"`
	ExecutionContext map[string]interface{} `json:"execution_context,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// DomainSummary is a periodic rollup of reflection signals for a domain.
type DomainSummary struct {
	ID        int64                  `json:"id,omitempty"`
	Domain    string                 `json:"domain"`
	Summary   map[string]interface{} `json:"summary"`
	CreatedAt time.Time              `json:"created_at"`
}

// Failure reason tokens surfaced through the API and queue messages.
const (
	ReasonDenylist            = "denylist"
	ReasonStrategyRestricted  = "strategy_restricted"
	ReasonRateLimit           = "rate_limit"
	ReasonConcurrencyLimit    = "concurrency_limit"
	ReasonExecutorUnavailable = "executor_unavailable"
	ReasonExecutorFailed      = "executor_failed"
	ReasonTimeout             = "timeout"
	ReasonCancelled           = "cancelled"
	ReasonDLQ                 = "dlq"
)
