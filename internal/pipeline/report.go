package pipeline

import (
	"time"

	"signal-radar/internal/model"
)

// SymbolResult is the outcome of fetching and classifying one symbol.
// Err is set for fetch/compute failures; Skipped marks ErrNoData.
type SymbolResult struct {
	Symbol  string
	Market  string
	Events  []model.SignalEvent // new events only (passed dedup)
	Total   int                 // events before dedup
	Err     error
	Skipped bool
}

// Bucket statuses.
const (
	BucketSent       = "sent"
	BucketSuppressed = "suppressed"
	BucketFailed     = "failed"
)

// ChannelReport is one channel's delivery result.
type ChannelReport struct {
	Channel  string `json:"channel"`
	OK       bool   `json:"ok"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// BucketReport summarises one bucket of the run.
type BucketReport struct {
	Bucket   string          `json:"bucket"`
	Events   int             `json:"events"`
	Status   string          `json:"status"`
	Subject  string          `json:"subject,omitempty"`
	Channels []ChannelReport `json:"channels,omitempty"`
}

// RunReport summarises one pipeline run.
type RunReport struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Symbols    int            `json:"symbols"`
	Scanned    int            `json:"scanned"`
	NoData     int            `json:"no_data"`
	Failed     int            `json:"failed"`
	Classified int            `json:"classified"`
	New        int            `json:"new"`
	Duplicates int            `json:"duplicates"`
	Unrouted   int            `json:"unrouted"`
	Buckets    []BucketReport `json:"buckets"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
}

// Run statuses.
const (
	RunOK     = "ok"
	RunFailed = "failed"
)

// Sent returns the number of buckets delivered this run.
func (r *RunReport) Sent() int {
	n := 0
	for _, b := range r.Buckets {
		if b.Status == BucketSent {
			n++
		}
	}
	return n
}
