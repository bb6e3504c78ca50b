package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/liveactivity"
)

const defaultWebhookTimeout = 10 * time.Second

// WebhookConfig points the reporter at an operator endpoint.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// Secret, when set, is sent as a bearer token.
	Secret string
}

// WebhookReporter POSTs each cycle summary as JSON.
type WebhookReporter struct {
	client *http.Client
	url    string
	secret string
	logger *zap.Logger
}

// NewWebhookReporter creates a webhook reporter
func NewWebhookReporter(logger *zap.Logger, cfg WebhookConfig) *WebhookReporter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultWebhookTimeout
	}

	return &WebhookReporter{
		client: &http.Client{Timeout: timeout},
		url:    cfg.URL,
		secret: cfg.Secret,
		logger: logger,
	}
}

// Report sends one summary. Any non-2xx status is an error.
func (w *WebhookReporter) Report(ctx context.Context, result liveactivity.FanOutResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "classpush/1.0")
	req.Header.Set("X-Classpush-Cycle-ID", result.CycleID)
	req.Header.Set("X-Classpush-Event", string(result.Event))
	if w.secret != "" {
		req.Header.Set("Authorization", "Bearer "+w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	w.logger.Debug("cycle report delivered",
		zap.String("cycle_id", result.CycleID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}
