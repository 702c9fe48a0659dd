// Package digest routes signal events into cooldown buckets and renders each
// bucket into a NotificationBatch (subject, plain-text body, HTML table).
package digest

import (
	"fmt"

	"signal-radar/internal/model"
)

// BucketConfig declares one cooldown bucket. Empty Kinds or Markets match
// everything.
type BucketConfig struct {
	Name            string       `yaml:"name" validate:"required"`
	CooldownSeconds int          `yaml:"cooldown_seconds" validate:"gte=0"`
	Kinds           []model.Kind `yaml:"kinds"`
	Markets         []string     `yaml:"markets"`
	Channels        []string     `yaml:"channels" validate:"required,min=1"`
}

// Matches reports whether e belongs to this bucket.
func (b *BucketConfig) Matches(e *model.SignalEvent) bool {
	return matchKind(b.Kinds, e.Kind) && matchString(b.Markets, e.Market)
}

func matchKind(kinds []model.Kind, k model.Kind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func matchString(set []string, s string) bool {
	if len(set) == 0 {
		return true
	}
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// Route assigns every event to the first bucket (in declaration order) that
// matches it, so each fingerprint belongs to exactly one batch per run.
// Events matching no bucket are returned separately.
func Route(buckets []BucketConfig, events []model.SignalEvent) (routed map[string][]model.SignalEvent, unrouted []model.SignalEvent) {
	routed = make(map[string][]model.SignalEvent, len(buckets))
	for _, e := range events {
		placed := false
		for i := range buckets {
			if buckets[i].Matches(&e) {
				routed[buckets[i].Name] = append(routed[buckets[i].Name], e)
				placed = true
				break
			}
		}
		if !placed {
			unrouted = append(unrouted, e)
		}
	}
	return routed, unrouted
}

// ValidateBuckets checks names are unique and kinds are known.
func ValidateBuckets(buckets []BucketConfig) error {
	seen := make(map[string]bool, len(buckets))
	for _, b := range buckets {
		if seen[b.Name] {
			return fmt.Errorf("digest: duplicate bucket name %q", b.Name)
		}
		seen[b.Name] = true
		for _, k := range b.Kinds {
			if !k.Valid() {
				return fmt.Errorf("digest: bucket %q: unknown kind %q", b.Name, k)
			}
		}
	}
	return nil
}
