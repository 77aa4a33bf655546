package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pagegrab/backend/internal/core"
)

// EvasionTraits tune how hard a webhook execution tries to look human. The
// stealth strategies are the same executor with progressively heavier traits.
type EvasionTraits struct {
	Level            int  `json:"level"`
	RandomizeAgent   bool `json:"randomize_agent"`
	HumanizeTiming   bool `json:"humanize_timing"`
	BlockTrackers    bool `json:"block_trackers"`
	SpoofFingerprint bool `json:"spoof_fingerprint"`
}

// VanillaTraits is a plain fetch with no evasion.
var VanillaTraits = EvasionTraits{Level: 0}

// StealthTraits randomizes the agent and paces interactions.
var StealthTraits = EvasionTraits{Level: 1, RandomizeAgent: true, HumanizeTiming: true}

// UltimateStealthTraits adds tracker blocking and fingerprint spoofing.
var UltimateStealthTraits = EvasionTraits{
	Level: 2, RandomizeAgent: true, HumanizeTiming: true,
	BlockTrackers: true, SpoofFingerprint: true,
}

// AssaultTraits trades subtlety for throughput: full spoofing, no pacing.
var AssaultTraits = EvasionTraits{
	Level: 3, RandomizeAgent: true, BlockTrackers: true, SpoofFingerprint: true,
}

const webhookTimeout = 30 * time.Second

// Webhook executes jobs by POSTing them to an external fetch service and
// decoding its verdict. One Webhook per strategy, differing only in traits.
type Webhook struct {
	endpoint string
	traits   EvasionTraits
	client   *http.Client
}

// NewWebhook creates a webhook executor against endpoint.
func NewWebhook(endpoint string, traits EvasionTraits) *Webhook {
	return &Webhook{
		endpoint: endpoint,
		traits:   traits,
		client:   &http.Client{Timeout: webhookTimeout},
	}
}

type webhookRequest struct {
	JobID   string                 `json:"job_id"`
	Domain  string                 `json:"domain"`
	URL     string                 `json:"url"`
	Type    core.JobType           `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Evasion EvasionTraits          `json:"evasion"`
}

type webhookResponse struct {
	Success   bool                   `json:"success"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Artifacts map[string]interface{} `json:"artifacts,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Execute POSTs the job and maps the service's reply onto a Result.
func (w *Webhook) Execute(ctx context.Context, job *core.Job) (*Result, error) {
	body, err := json.Marshal(webhookRequest{
		JobID:   job.ID,
		Domain:  job.Domain,
		URL:     job.URL,
		Type:    job.Type,
		Payload: job.Payload,
		Evasion: w.traits,
	})
	if err != nil {
		return nil, fmt.Errorf("encode webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("webhook upstream error: status %d", resp.StatusCode)
	}

	var decoded webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode webhook response: %w", err)
	}
	return &Result{
		Success:   decoded.Success,
		Data:      decoded.Data,
		Artifacts: decoded.Artifacts,
		Error:     decoded.Error,
	}, nil
}

// RegisterWebhookStrategies wires one webhook executor per strategy against
// the same endpoint, graded by evasion traits.
func RegisterWebhookStrategies(a *Adapter, endpoint string) {
	a.Register(core.StrategyVanilla, NewWebhook(endpoint, VanillaTraits), 0)
	a.Register(core.StrategyStealth, NewWebhook(endpoint, StealthTraits), 0)
	a.Register(core.StrategyUltimateStealth, NewWebhook(endpoint, UltimateStealthTraits), 0)
	a.Register(core.StrategyAssault, NewWebhook(endpoint, AssaultTraits), 0)
}
