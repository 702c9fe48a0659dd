// Package metrics holds the scanner's Prometheus metrics and its health status.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the scanner.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec // labels: status=ok|failed|skipped
	RunDuration   prometheus.Histogram
	LastRunUnix   prometheus.Gauge
	SymbolsTotal  *prometheus.CounterVec // labels: outcome=scanned|no_data|error
	FetchDuration prometheus.Histogram

	// Classification and dedup
	SignalEvents    *prometheus.CounterVec // labels: kind (new events only)
	EventsNew       prometheus.Counter
	EventsDuplicate prometheus.Counter
	EventsUnrouted  prometheus.Counter
	DedupSize       prometheus.Gauge

	// Cooldown and dispatch
	BatchesSuppressed *prometheus.CounterVec   // labels: bucket
	ChannelSends      *prometheus.CounterVec   // labels: channel, outcome=ok|failed
	DispatchAttempts  *prometheus.CounterVec   // labels: channel
	DispatchDuration  *prometheus.HistogramVec // labels: channel

	// State backend
	StateBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	StateErrors       *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_runs_total",
			Help: "Pipeline runs by final status",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radar_run_duration_seconds",
			Help:    "Wall time of one pipeline run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		LastRunUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
		SymbolsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_symbols_total",
			Help: "Symbols processed by outcome",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radar_fetch_duration_seconds",
			Help:    "Bar fetch latency per symbol",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		SignalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_signal_events_total",
			Help: "New signal events by kind",
		}, []string{"kind"}),
		EventsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_events_new_total",
			Help: "Events that passed the dedup filter",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_events_duplicate_total",
			Help: "Events dropped as already seen",
		}),
		EventsUnrouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radar_events_unrouted_total",
			Help: "New events that matched no bucket",
		}),
		DedupSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_dedup_store_size",
			Help: "Fingerprints held by the dedup store",
		}),
		BatchesSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_batches_suppressed_total",
			Help: "Batches skipped because the bucket was cooling down",
		}, []string{"bucket"}),
		ChannelSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_channel_sends_total",
			Help: "Channel deliveries by outcome",
		}, []string{"channel", "outcome"}),
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_dispatch_attempts_total",
			Help: "Send attempts including retries",
		}, []string{"channel"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "radar_dispatch_duration_seconds",
			Help:    "Time to deliver (or give up) per channel",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
		StateBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radar_state_circuit_breaker_state",
			Help: "Redis state backend breaker state (0=closed, 1=open, 2=half-open)",
		}),
		StateErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radar_state_errors_total",
			Help: "State backend failures by operation",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.RunsTotal, m.RunDuration, m.LastRunUnix, m.SymbolsTotal, m.FetchDuration,
		m.SignalEvents, m.EventsNew, m.EventsDuplicate, m.EventsUnrouted, m.DedupSize,
		m.BatchesSuppressed, m.ChannelSends, m.DispatchAttempts, m.DispatchDuration,
		m.StateBreakerState, m.StateErrors,
	)
	return m
}

// ObserveSend records one finished channel delivery.
func (m *Metrics) ObserveSend(channel string, attempts int, ok bool, took time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.ChannelSends.WithLabelValues(channel, outcome).Inc()
	m.DispatchAttempts.WithLabelValues(channel).Add(float64(attempts))
	m.DispatchDuration.WithLabelValues(channel).Observe(took.Seconds())
}

// ── Health ──

// HealthStatus tracks the scanner's dependencies and last run.
type HealthStatus struct {
	mu sync.RWMutex

	StartedAt      time.Time
	StateBackend   string
	StateOK        bool
	StateLatencyMs float64
	StateErr       string
	LastRunAt      time.Time
	LastRunStatus  string
	LastCheckAt    time.Time
}

// NewHealthStatus creates a HealthStatus for the named state backend.
func NewHealthStatus(backend string) *HealthStatus {
	return &HealthStatus{
		StartedAt:    time.Now(),
		StateBackend: backend,
		StateOK:      true,
	}
}

// SetLastRun records the finish time and status of a run.
func (h *HealthStatus) SetLastRun(at time.Time, status string) {
	h.mu.Lock()
	h.LastRunAt = at
	h.LastRunStatus = status
	h.mu.Unlock()
}

// CheckState runs check and records latency + health.
func (h *HealthStatus) CheckState(ctx context.Context, check func(ctx context.Context) error) {
	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.StateOK = err == nil
	h.StateErr = ""
	if err != nil {
		h.StateErr = err.Error()
	}
	h.StateLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic state backend checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, check func(ctx context.Context) error, interval time.Duration) {
	if check == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.CheckState(checkCtx, check)
				cancel()
			}
		}
	}()
}

// HealthReport is the JSON shape of the health endpoint.
type HealthReport struct {
	Status         string  `json:"status"`
	Uptime         string  `json:"uptime"`
	StateBackend   string  `json:"state_backend"`
	StateOK        bool    `json:"state_ok"`
	StateLatencyMs float64 `json:"state_latency_ms"`
	StateError     string  `json:"state_error,omitempty"`
	LastRunAt      string  `json:"last_run_at,omitempty"`
	LastRunStatus  string  `json:"last_run_status,omitempty"`
	LastCheckAt    string  `json:"last_check_at,omitempty"`
}

// Report snapshots the health state. Healthy means the state backend answers
// and the last run did not fail.
func (h *HealthStatus) Report() (HealthReport, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	healthy := true
	if h.LastRunStatus == "failed" {
		status = "degraded"
	}
	if !h.StateOK {
		status = "unhealthy"
		healthy = false
	}

	r := HealthReport{
		Status:         status,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		StateBackend:   h.StateBackend,
		StateOK:        h.StateOK,
		StateLatencyMs: h.StateLatencyMs,
		StateError:     h.StateErr,
		LastRunStatus:  h.LastRunStatus,
	}
	if !h.LastRunAt.IsZero() {
		r.LastRunAt = h.LastRunAt.Format(time.RFC3339)
	}
	if !h.LastCheckAt.IsZero() {
		r.LastCheckAt = h.LastCheckAt.Format(time.RFC3339)
	}
	return r, healthy
}
