package reflect

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/executor"
	"github.com/pagegrab/backend/internal/kvstore"
	"github.com/pagegrab/backend/internal/memory"
)

// SignalType names one analysis family emitted by the publisher.
type SignalType string

const (
	SignalTiming        SignalType = "timing_analysis"
	SignalError         SignalType = "error_analysis"
	SignalSuccess       SignalType = "success_analysis"
	SignalEvasion       SignalType = "evasion_analysis"
	SignalDomainPattern SignalType = "domain_pattern_analysis"
)

// Signal is one derived observation about a domain's behavior.
type Signal struct {
	Type              SignalType             `json:"type"`
	Domain            string                 `json:"domain"`
	Data              map[string]interface{} `json:"data"`
	RequiresAttention bool                   `json:"requires_attention,omitempty"`
}

const (
	timingHistoryCap = 100
	timingTTL        = 24 * time.Hour
	errorWindowTTL   = 3600 * time.Second
	errorAlertFreq   = 3
	streakTTL        = 3600 * time.Second
	streakThreshold  = 10
	evasionTTL       = 86400 * time.Second
	evasionMinSample = 5
	hourlyTTL        = 86400 * time.Second
)

// evasionLevels maps strategies to how much evasion they spend.
var evasionLevels = map[core.Strategy]int{
	core.StrategyVanilla:         0,
	core.StrategyStealth:         1,
	core.StrategyUltimateStealth: 2,
	core.StrategyAssault:         3,
	core.StrategyCustom:          1,
}

// Publisher derives signals from execution results. It runs off the worker
// path; analysis failures are logged and never surface to callers.
type Publisher struct {
	kv   kvstore.KV
	repo *memory.Repository
	now  func() time.Time
}

// NewPublisher creates a publisher.
func NewPublisher(kv kvstore.KV, repo *memory.Repository) *Publisher {
	return &Publisher{kv: kv, repo: repo, now: time.Now}
}

// Publish runs every analysis over one execution outcome and persists a
// summary of the emitted signals. Individual analysis errors are swallowed;
// a lost signal never costs a job.
func (p *Publisher) Publish(ctx context.Context, job *core.Job, result *executor.Result) []Signal {
	var signals []Signal

	collect := func(s *Signal, err error) {
		if err != nil {
			slog.Error("[Reflect] Analysis failed", "domain", job.Domain, "error", err)
			return
		}
		if s != nil {
			signals = append(signals, *s)
		}
	}

	collect(p.analyzeTiming(ctx, job.Domain, result))
	collect(p.analyzeError(ctx, job, result))
	collect(p.analyzeSuccess(ctx, job.Domain, result))
	collect(p.analyzeEvasion(ctx, job, result))
	collect(p.analyzeDomainPattern(ctx, job.Domain))

	if len(signals) > 0 {
		p.persistSummary(ctx, job.Domain, signals)
	}
	return signals
}

// analyzeTiming appends the execution time to the domain's history (capped,
// 24h TTL) and buckets it by deviation from the moving average.
func (p *Publisher) analyzeTiming(ctx context.Context, domain string, result *executor.Result) (*Signal, error) {
	key := "timing:" + domain
	ms := result.ExecutionTime.Milliseconds()

	if err := p.kv.LPush(ctx, key, strconv.FormatInt(ms, 10)); err != nil {
		return nil, err
	}
	if err := p.kv.LTrim(ctx, key, 0, timingHistoryCap-1); err != nil {
		return nil, err
	}
	if err := p.kv.Expire(ctx, key, timingTTL); err != nil {
		return nil, err
	}

	history, err := p.kv.LRange(ctx, key, 0, timingHistoryCap-1)
	if err != nil {
		return nil, err
	}
	if len(history) < 2 {
		return nil, nil
	}

	var sum float64
	for _, raw := range history[1:] { // exclude the sample being judged
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		sum += v
	}
	avg := sum / float64(len(history)-1)
	if avg == 0 {
		return nil, nil
	}

	deviation := (float64(ms) - avg) / avg
	bucket := "normal"
	switch {
	case deviation > 0.5:
		bucket = "very_slow"
	case deviation > 0.2:
		bucket = "slow"
	case deviation < -0.5:
		bucket = "very_fast"
	case deviation < -0.2:
		bucket = "fast"
	}

	return &Signal{
		Type:   SignalTiming,
		Domain: domain,
		Data: map[string]interface{}{
			"execution_ms": ms,
			"average_ms":   avg,
			"deviation":    deviation,
			"bucket":       bucket,
		},
	}, nil
}

// analyzeError classifies the failure, tracks its hourly frequency and raises
// an incident once the same error type repeats.
func (p *Publisher) analyzeError(ctx context.Context, job *core.Job, result *executor.Result) (*Signal, error) {
	if result.Success || result.Error == "" {
		return nil, nil
	}

	errType, severity := classify(result.Error)
	key := fmt.Sprintf("error:%s:%s", job.Domain, errType)
	freq, err := p.kv.Incr(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := p.kv.Expire(ctx, key, errorWindowTTL); err != nil {
		return nil, err
	}

	signal := &Signal{
		Type:   SignalError,
		Domain: job.Domain,
		Data: map[string]interface{}{
			"error_type": string(errType),
			"frequency":  freq,
			"message":    result.Error,
		},
	}

	if freq >= errorAlertFreq {
		signal.RequiresAttention = true
		incident := &core.Incident{
			JobID:     job.ID,
			Domain:    job.Domain,
			ErrorType: errType,
			Message:   result.Error,
			Severity:  severity,
			Context: map[string]interface{}{
				"frequency":          freq,
				"requires_attention": true,
			},
			CreatedAt: p.now(),
		}
		if err := p.repo.AppendIncidents(ctx, []*core.Incident{incident}); err != nil {
			return signal, err
		}
	}
	return signal, nil
}

// analyzeSuccess keeps a success streak per domain; long streaks hint the
// evasion budget can come down.
func (p *Publisher) analyzeSuccess(ctx context.Context, domain string, result *executor.Result) (*Signal, error) {
	key := "success:streak:" + domain
	if !result.Success {
		if err := p.kv.Del(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}

	streak, err := p.kv.Incr(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := p.kv.Expire(ctx, key, streakTTL); err != nil {
		return nil, err
	}
	if streak < streakThreshold {
		return nil, nil
	}

	return &Signal{
		Type:   SignalSuccess,
		Domain: domain,
		Data: map[string]interface{}{
			"streak":         streak,
			"recommendation": "reduce_evasion",
		},
	}, nil
}

// analyzeEvasion tracks success rates per (domain, evasion level) and
// recommends moving the level once there is enough evidence.
func (p *Publisher) analyzeEvasion(ctx context.Context, job *core.Job, result *executor.Result) (*Signal, error) {
	level := evasionLevels[job.Strategy]
	base := fmt.Sprintf("evasion:%s:%d:", job.Domain, level)
	outcome := "failure"
	if result.Success {
		outcome = "success"
	}

	if _, err := p.kv.Incr(ctx, base+outcome); err != nil {
		return nil, err
	}
	if err := p.kv.Expire(ctx, base+outcome, evasionTTL); err != nil {
		return nil, err
	}

	successes := p.counter(ctx, base+"success")
	failures := p.counter(ctx, base+"failure")
	total := successes + failures
	if total < evasionMinSample {
		return nil, nil
	}

	rate := float64(successes) / float64(total)
	var recommendation string
	switch {
	case rate > 0.8:
		recommendation = "reduce_evasion"
	case rate < 0.3:
		recommendation = "increase_evasion"
	default:
		return nil, nil
	}

	return &Signal{
		Type:   SignalEvasion,
		Domain: job.Domain,
		Data: map[string]interface{}{
			"evasion_level":  level,
			"success_rate":   rate,
			"samples":        total,
			"recommendation": recommendation,
		},
	}, nil
}

// analyzeDomainPattern warns when executions concentrate into one hour of the
// day, which usually means a scheduled scrape worth spreading out.
func (p *Publisher) analyzeDomainPattern(ctx context.Context, domain string) (*Signal, error) {
	hour := p.now().Hour()
	hourKey := fmt.Sprintf("domain:hourly:%s:%d", domain, hour)
	totalKey := "domain:total:" + domain

	hourCount, err := p.kv.Incr(ctx, hourKey)
	if err != nil {
		return nil, err
	}
	if err := p.kv.Expire(ctx, hourKey, hourlyTTL); err != nil {
		return nil, err
	}
	total, err := p.kv.Incr(ctx, totalKey)
	if err != nil {
		return nil, err
	}
	if err := p.kv.Expire(ctx, totalKey, hourlyTTL); err != nil {
		return nil, err
	}

	if total < evasionMinSample {
		return nil, nil
	}
	share := float64(hourCount) / float64(total)
	if share <= 0.3 {
		return nil, nil
	}

	return &Signal{
		Type:   SignalDomainPattern,
		Domain: domain,
		Data: map[string]interface{}{
			"hour":       hour,
			"hour_count": hourCount,
			"total":      total,
			"share":      share,
			"warning":    "hourly_concentration",
		},
	}, nil
}

func (p *Publisher) counter(ctx context.Context, key string) int64 {
	raw, err := p.kv.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

func (p *Publisher) persistSummary(ctx context.Context, domain string, signals []Signal) {
	summary := map[string]interface{}{}
	for _, s := range signals {
		summary[string(s.Type)] = s.Data
	}
	err := p.repo.AddSummary(ctx, &core.DomainSummary{
		Domain:    domain,
		Summary:   summary,
		CreatedAt: p.now(),
	})
	if err != nil {
		slog.Error("[Reflect] Summary persist failed", "domain", domain, "error", err)
	}
}
