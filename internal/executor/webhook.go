package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miradorstack/mirador-incident/internal/models"
	"github.com/miradorstack/mirador-incident/internal/utils"
)

// WebhookExecutor delivers remediation actions to an external executor over
// HTTP. The collaborator answers 2xx for success; 5xx and transport errors
// count as transient, 4xx as permanent rejection.
type WebhookExecutor struct {
	baseURL    string
	httpClient *http.Client
}

// NewWebhookExecutor constructs a webhook client targeting the configured
// executor endpoint.
func NewWebhookExecutor(baseURL string, timeout time.Duration) *WebhookExecutor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type webhookRequest struct {
	Action   models.RemediationAction `json:"action"`
	Incident webhookIncident          `json:"incident"`
}

type webhookIncident struct {
	ID               string          `json:"incidentId"`
	Severity         models.Severity `json:"severity"`
	CorrelationScore float64         `json:"correlationScore"`
	Resources        []string        `json:"resources"`
}

type webhookResponse struct {
	Detail string `json:"detail"`
}

// Execute posts the action and interprets the response.
func (w *WebhookExecutor) Execute(ctx context.Context, action models.RemediationAction, incident models.Incident) (Outcome, error) {
	if w.baseURL == "" {
		return Outcome{}, utils.NewAppError("executor.webhook", "base URL not configured", nil)
	}

	payload := webhookRequest{
		Action: action,
		Incident: webhookIncident{
			ID:               incident.ID,
			Severity:         incident.Severity,
			CorrelationScore: incident.CorrelationScore,
			Resources:        incident.Resources(),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return Outcome{}, Transient(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var decoded webhookResponse
		detail := strings.TrimSpace(string(raw))
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Detail != "" {
			detail = decoded.Detail
		}
		return Outcome{Succeeded: true, Detail: detail}, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Outcome{}, Transient(fmt.Errorf("executor returned %d: %s", resp.StatusCode, raw))
	default:
		return Outcome{Detail: string(raw)}, fmt.Errorf("executor rejected action with %d", resp.StatusCode)
	}
}
