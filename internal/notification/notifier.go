// Package notification delivers rendered digests to external channels
// (Telegram, email, webhooks, Kafka, the WebSocket feed) and runs the
// per-channel retrying Dispatcher.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"signal-radar/internal/model"
)

// AlertLevel represents the severity of a message.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Message is a rendered digest (or an operational alert) ready for delivery.
// Channels only read Subject/Body/HTML; Events ride along for structured sinks.
type Message struct {
	Level   AlertLevel          `json:"level"`
	Bucket  string              `json:"bucket,omitempty"`
	Subject string              `json:"subject"`
	Body    string              `json:"body"`
	HTML    string              `json:"-"`
	Events  []model.SignalEvent `json:"events,omitempty"`
}

// FromBatch builds an INFO message from a rendered batch.
func FromBatch(b model.NotificationBatch) Message {
	return Message{
		Level:   AlertInfo,
		Bucket:  b.Bucket,
		Subject: b.Subject,
		Body:    b.Body,
		HTML:    b.HTML,
		Events:  b.Events,
	}
}

// Channel is the interface for all notification backends.
type Channel interface {
	// Name identifies the channel in config, logs and metrics.
	Name() string

	// Send delivers a message. Errors wrapped with Permanent are not retried.
	Send(ctx context.Context, msg Message) error
}

// PermanentError marks a delivery failure that retrying cannot fix
// (bad credentials, rejected payload).
type PermanentError struct {
	Channel string
	Err     error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: permanent: %v", e.Channel, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a *PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// statusError classifies an HTTP status: 429 and 5xx are retryable, any other
// non-2xx is permanent.
func statusError(channel string, status int) error {
	err := fmt.Errorf("%s: unexpected status %d", channel, status)
	if status == 429 || status >= 500 {
		return err
	}
	return &PermanentError{Channel: channel, Err: err}
}

// LogChannel writes messages to the structured log (useful for development
// and dry runs).
type LogChannel struct {
	name string
}

// NewLogChannel creates a log-based channel.
func NewLogChannel(name string) *LogChannel {
	if name == "" {
		name = "log"
	}
	return &LogChannel{name: name}
}

func (n *LogChannel) Name() string { return n.name }

func (n *LogChannel) Send(ctx context.Context, msg Message) error {
	slog.InfoContext(ctx, "[notify] "+msg.Subject,
		"level", msg.Level, "bucket", msg.Bucket, "events", len(msg.Events), "body", msg.Body)
	return nil
}
