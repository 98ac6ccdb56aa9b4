package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type WebhookConfig struct {
	URL     string
	Token   string        // sent as a bearer token when set
	Timeout time.Duration // defaults to 30s
}

// WebhookTransport posts rendered emails as JSON to an HTTP email API.
type WebhookTransport struct {
	client *http.Client
	cfg    WebhookConfig
	logger *zap.Logger
}

// NewWebhookTransport creates a webhook transport.
func NewWebhookTransport(cfg WebhookConfig, logger *zap.Logger) *WebhookTransport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &WebhookTransport{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger,
	}
}

func (w *WebhookTransport) Name() string { return "webhook" }

type webhookResponse struct {
	ID string `json:"id"`
}

// Send posts email and treats any 2xx as accepted. The message id is read
// from a JSON {"id": ...} body or the X-Message-Id header.
func (w *WebhookTransport) Send(ctx context.Context, email Email) (string, error) {
	body, err := json.Marshal(email)
	if err != nil {
		return "", fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "alerter/1.0")
	if w.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	if id := email.Tags["subscription_id"]; id != "" {
		req.Header.Set("X-Subscription-ID", id)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(respBody))
	}

	messageID := resp.Header.Get("X-Message-Id")
	var parsed webhookResponse
	if err := json.Unmarshal(respBody, &parsed); err == nil && parsed.ID != "" {
		messageID = parsed.ID
	}

	w.logger.Debug("email accepted by webhook",
		zap.String("to", email.To),
		zap.Int("status_code", resp.StatusCode),
		zap.String("message_id", messageID),
	)

	return messageID, nil
}
