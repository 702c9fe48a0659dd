package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"signal-radar/internal/model"
)

// WebhookChannel sends digests to a generic HTTP webhook endpoint.
type WebhookChannel struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel.
// url: The HTTP endpoint to POST digests to.
func NewWebhookChannel(name, url string) *WebhookChannel {
	if name == "" {
		name = "webhook"
	}
	return &WebhookChannel{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string { return w.name }

// webhookPayload is the JSON body posted to the endpoint.
type webhookPayload struct {
	Level   string              `json:"level"`
	Bucket  string              `json:"bucket,omitempty"`
	Subject string              `json:"subject"`
	Body    string              `json:"body"`
	Events  []model.SignalEvent `json:"events,omitempty"`
	TS      string              `json:"ts"`
}

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{
		Level:   string(msg.Level),
		Bucket:  msg.Bucket,
		Subject: msg.Subject,
		Body:    msg.Body,
		Events:  msg.Events,
		TS:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return &PermanentError{Channel: w.name, Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Channel: w.name, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(w.name, resp.StatusCode)
	}

	slog.DebugContext(ctx, "[webhook] sent digest", "url", w.url, "subject", msg.Subject)
	return nil
}
