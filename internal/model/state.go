package model

import "time"

// DedupRecord marks a fingerprint as already reported.
type DedupRecord struct {
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// ChannelBucket is the persisted send history of one cooldown bucket.
type ChannelBucket struct {
	Key             string    `json:"bucket_key"`
	LastSentAt      time.Time `json:"last_sent_at"`
	CooldownSeconds int       `json:"cooldown_seconds"`
}

// NotificationBatch is the in-memory digest for one bucket. Never persisted.
type NotificationBatch struct {
	Bucket  string        `json:"bucket"`
	Events  []SignalEvent `json:"events"`
	Subject string        `json:"subject"`
	Body    string        `json:"body"`
	HTML    string        `json:"html,omitempty"`
}

// Fingerprints returns the fingerprints of all events in the batch.
func (b *NotificationBatch) Fingerprints() []string {
	fps := make([]string, len(b.Events))
	for i, e := range b.Events {
		fps[i] = e.Fingerprint
	}
	return fps
}
