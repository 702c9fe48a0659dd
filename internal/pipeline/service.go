// Package pipeline runs one scan pass: fetch bars for the universe, compute
// indicators, classify, dedup, route into buckets, apply cooldowns, dispatch
// and commit state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"signal-radar/internal/classifier"
	"signal-radar/internal/cooldown"
	"signal-radar/internal/dedup"
	"signal-radar/internal/digest"
	"signal-radar/internal/indicator"
	"signal-radar/internal/logger"
	"signal-radar/internal/metrics"
	"signal-radar/internal/model"
	"signal-radar/internal/notification"
)

var (
	// ErrTotalDispatchFailure means every channel of at least one bucket failed.
	ErrTotalDispatchFailure = errors.New("pipeline: all channels failed")

	// ErrRunInProgress is returned when Run is called while another run is active.
	ErrRunInProgress = errors.New("pipeline: run already in progress")

	// ErrStateUnavailable wraps state load failures that abort the run.
	ErrStateUnavailable = errors.New("pipeline: state unavailable")
)

// Deps are the collaborators of a Service.
type Deps struct {
	Universe   model.Universe
	Source     model.BarSource
	Engine     *indicator.Engine
	Classifier *classifier.Classifier
	Dedup      *dedup.Store
	Cooldown   *cooldown.Scheduler
	Dispatcher *notification.Dispatcher
	State      model.StateBackend // optional, wiped on reset_on_corrupt if it can be

	Buckets  []digest.BucketConfig
	Channels map[string]notification.Channel
	Fallback notification.Channel // optional, receives CRITICAL state alerts
	Digest   digest.Options
	Location *time.Location // digest date; nil = UTC

	Metrics *metrics.Metrics // optional
	Now     func() time.Time // nil = time.Now
}

// Service orchestrates scan runs. Run is not reentrant; overlapping calls
// return ErrRunInProgress.
type Service struct {
	cfg Config
	d   Deps

	running atomic.Bool
	mu      sync.RWMutex
	last    *RunReport
}

// New validates the wiring and creates a Service.
func New(cfg Config, d Deps) (*Service, error) {
	if d.Universe == nil || d.Source == nil || d.Engine == nil || d.Classifier == nil ||
		d.Dedup == nil || d.Cooldown == nil || d.Dispatcher == nil {
		return nil, errors.New("pipeline: missing dependency")
	}
	for _, b := range d.Buckets {
		for _, name := range b.Channels {
			if _, ok := d.Channels[name]; !ok {
				return nil, fmt.Errorf("pipeline: bucket %q references unknown channel %q", b.Name, name)
			}
		}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.ShardTotal < 1 {
		cfg.ShardTotal = 1
	}
	if cfg.ShardIndex < 1 {
		cfg.ShardIndex = 1
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	return &Service{cfg: cfg, d: d}, nil
}

// LastReport returns the report of the most recent finished run, or nil.
func (s *Service) LastReport() *RunReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Buckets returns the persisted cooldown bucket state.
func (s *Service) Buckets() []model.ChannelBucket { return s.d.Cooldown.Buckets() }

// DedupSize returns the number of committed fingerprints.
func (s *Service) DedupSize() int { return s.d.Dedup.Len() }

// Running reports whether a run is active.
func (s *Service) Running() bool { return s.running.Load() }

// Run executes one full scan pass. The returned report is never nil unless
// the error is ErrRunInProgress. Per-symbol and per-channel failures are
// recorded in the report; only state failures, a cancelled run and buckets
// whose every channel failed surface as errors.
func (s *Service) Run(ctx context.Context) (*RunReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer s.running.Store(false)

	runID := logger.NewRunID()
	ctx = logger.WithRunID(ctx, runID)
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	rep := &RunReport{RunID: runID, StartedAt: s.d.Now()}
	err := s.run(ctx, rep)
	rep.FinishedAt = s.d.Now()
	rep.Status = RunOK
	if err != nil {
		rep.Status = RunFailed
		rep.Error = err.Error()
	}

	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
	s.observeRun(rep)

	slog.InfoContext(ctx, "[pipeline] run finished",
		"status", rep.Status, "symbols", rep.Symbols, "scanned", rep.Scanned,
		"no_data", rep.NoData, "failed", rep.Failed, "classified", rep.Classified,
		"new", rep.New, "buckets_sent", rep.Sent(), "took", rep.FinishedAt.Sub(rep.StartedAt))
	return rep, err
}

func (s *Service) run(ctx context.Context, rep *RunReport) error {
	if err := s.loadState(ctx); err != nil {
		return err
	}

	instruments, err := s.d.Universe.Instruments(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: universe: %w", err)
	}
	instruments = Shard(instruments, s.cfg.ShardIndex, s.cfg.ShardTotal)
	rep.Symbols = len(instruments)
	slog.InfoContext(ctx, "[pipeline] run started",
		"symbols", len(instruments), "shard", fmt.Sprintf("%d/%d", s.cfg.ShardIndex, s.cfg.ShardTotal))

	results := s.scan(ctx, instruments)

	var fresh []model.SignalEvent
	for _, r := range results {
		switch {
		case r.Skipped:
			rep.NoData++
		case r.Err != nil:
			rep.Failed++
		default:
			rep.Scanned++
		}
		rep.Classified += r.Total
		rep.New += len(r.Events)
		fresh = append(fresh, r.Events...)
	}
	rep.Duplicates = rep.Classified - rep.New

	if err := ctx.Err(); err != nil {
		s.d.Dedup.Release(fresh)
		return fmt.Errorf("pipeline: scan aborted: %w", err)
	}

	return s.deliver(ctx, fresh, rep)
}

// loadState loads dedup and cooldown state. Unreadable state aborts the run
// and raises a CRITICAL alert unless ResetOnCorrupt is set.
func (s *Service) loadState(ctx context.Context) error {
	err := s.d.Dedup.Load(ctx)
	if err == nil {
		err = s.d.Cooldown.Load(ctx)
	}
	if err == nil {
		return nil
	}
	if s.d.Metrics != nil {
		s.d.Metrics.StateErrors.WithLabelValues("load").Inc()
	}

	if errors.Is(err, model.ErrCorruptState) && s.cfg.ResetOnCorrupt {
		rerr := s.resetState(ctx)
		if rerr == nil {
			slog.WarnContext(ctx, "[pipeline] state corrupt, continuing with empty state (reset_on_corrupt)", "error", err)
			return nil
		}
		err = fmt.Errorf("%w (reset failed: %v)", err, rerr)
	}
	slog.ErrorContext(ctx, "[pipeline] state load failed, aborting run", "error", err)
	s.alert(ctx, "state store unavailable",
		fmt.Sprintf("The scan was aborted because persisted state could not be loaded.\n\n%v\n\n"+
			"Fix or remove the state, or set state.reset_on_corrupt to run over it.", err))
	return fmt.Errorf("%w: %w", ErrStateUnavailable, err)
}

// resetState empties the in-memory stores and, when the backend supports it,
// the storage behind them.
func (s *Service) resetState(ctx context.Context) error {
	if r, ok := s.d.State.(stateResetter); ok {
		if err := r.Reset(ctx); err != nil {
			return err
		}
	}
	s.d.Dedup.Reset()
	s.d.Cooldown.Reset()
	return nil
}

// stateResetter is implemented by backends that can discard damaged storage.
type stateResetter interface {
	Reset(ctx context.Context) error
}

// alert sends a CRITICAL message through the fallback channel, if any.
func (s *Service) alert(ctx context.Context, subject, body string) {
	if s.d.Fallback == nil {
		return
	}
	title := s.d.Digest.Title
	if title == "" {
		title = "Signal Radar"
	}
	msg := notification.Message{
		Level:   notification.AlertCritical,
		Subject: fmt.Sprintf("%s: %s", title, subject),
		Body:    body,
	}
	out := s.d.Dispatcher.Send(ctx, msg, []notification.Channel{s.d.Fallback})
	if !out.AnySucceeded() {
		slog.ErrorContext(ctx, "[pipeline] fallback alert failed", "error", out.Err())
	}
}

// scan processes instruments in batches of BatchSize with a bounded worker
// pool, sleeping BatchDelay between batches. Results keep universe order.
func (s *Service) scan(ctx context.Context, instruments []model.Instrument) []SymbolResult {
	results := make([]SymbolResult, 0, len(instruments))

	for start := 0; start < len(instruments); start += s.cfg.BatchSize {
		if start > 0 && s.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.BatchDelay):
			}
		}
		if ctx.Err() != nil {
			break
		}

		end := start + s.cfg.BatchSize
		if end > len(instruments) {
			end = len(instruments)
		}
		batch := instruments[start:end]
		out := make([]SymbolResult, len(batch))

		jobs := make(chan int)
		var wg sync.WaitGroup
		workers := s.cfg.Workers
		if workers > len(batch) {
			workers = len(batch)
		}
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range jobs {
					out[i] = s.processSymbol(ctx, batch[i])
				}
			}()
		}
		for i := range batch {
			jobs <- i
		}
		close(jobs)
		wg.Wait()

		results = append(results, out...)
		slog.DebugContext(ctx, "[pipeline] batch done", "from", start, "to", end)
	}
	return results
}

// processSymbol fetches, classifies and dedups one symbol. It never panics
// the run: a panic in indicator or rule code becomes the symbol's Err.
func (s *Service) processSymbol(ctx context.Context, inst model.Instrument) (res SymbolResult) {
	res.Symbol, res.Market = inst.Symbol, inst.Market
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("panic: %v", p)
			res.Events = nil
		}
		s.logSymbol(ctx, res)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	start := time.Now()
	bars, err := s.d.Source.GetBars(ctx, inst.Symbol, s.cfg.LookbackDays)
	if s.d.Metrics != nil {
		s.d.Metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}
	if errors.Is(err, model.ErrNoData) {
		res.Skipped = true
		return res
	}
	if err != nil {
		res.Err = fmt.Errorf("fetch: %w", err)
		return res
	}

	snaps, err := s.d.Engine.Latest(inst.Symbol, bars, s.d.Classifier.Window())
	if err != nil {
		res.Err = fmt.Errorf("indicators: %w", err)
		return res
	}

	market := inst.Market
	if market == "" && len(bars) > 0 {
		market = bars[len(bars)-1].Market
		res.Market = market
	}
	events := s.d.Classifier.Classify(inst.Symbol, market, snaps)
	for i := range events {
		events[i].Name = inst.Name
	}
	res.Total = len(events)
	res.Events = s.d.Dedup.Filter(events)
	return res
}

func (s *Service) logSymbol(ctx context.Context, r SymbolResult) {
	m := s.d.Metrics
	switch {
	case r.Skipped:
		slog.DebugContext(ctx, "[pipeline] no data, skipping", "symbol", r.Symbol)
		if m != nil {
			m.SymbolsTotal.WithLabelValues("no_data").Inc()
		}
	case r.Err != nil:
		slog.WarnContext(ctx, "[pipeline] symbol failed", "symbol", r.Symbol, "error", r.Err)
		if m != nil {
			m.SymbolsTotal.WithLabelValues("error").Inc()
		}
	default:
		if m != nil {
			m.SymbolsTotal.WithLabelValues("scanned").Inc()
			m.EventsNew.Add(float64(len(r.Events)))
			m.EventsDuplicate.Add(float64(r.Total - len(r.Events)))
		}
		for _, e := range r.Events {
			slog.DebugContext(ctx, "[pipeline] new signal", "symbol", e.Symbol, "kind", string(e.Kind), "ts", e.TS)
			if m != nil {
				m.SignalEvents.WithLabelValues(string(e.Kind)).Inc()
			}
		}
	}
}

// deliver routes fresh events into buckets and dispatches each bucket that
// is not cooling down. Delivered events are committed; suppressed, failed
// and unrouted ones are released for a later run.
func (s *Service) deliver(ctx context.Context, fresh []model.SignalEvent, rep *RunReport) error {
	if len(fresh) == 0 {
		return nil
	}

	routed, unrouted := digest.Route(s.d.Buckets, fresh)
	if len(unrouted) > 0 {
		rep.Unrouted = len(unrouted)
		s.d.Dedup.Release(unrouted)
		if s.d.Metrics != nil {
			s.d.Metrics.EventsUnrouted.Add(float64(len(unrouted)))
		}
		slog.WarnContext(ctx, "[pipeline] events matched no bucket", "count", len(unrouted))
	}

	now := s.d.Now()
	var failedBuckets []string
	var stateErrs []error

	for _, b := range s.d.Buckets {
		events := routed[b.Name]
		if len(events) == 0 {
			continue
		}
		br := BucketReport{Bucket: b.Name, Events: len(events)}

		if !s.d.Cooldown.ShouldSend(b.Name, b.CooldownSeconds) {
			s.d.Dedup.Release(events)
			br.Status = BucketSuppressed
			rep.Buckets = append(rep.Buckets, br)
			if s.d.Metrics != nil {
				s.d.Metrics.BatchesSuppressed.WithLabelValues(b.Name).Inc()
			}
			slog.InfoContext(ctx, "[pipeline] bucket cooling down, skipped",
				"bucket", b.Name, "events", len(events),
				"remaining", s.d.Cooldown.Remaining(b.Name, b.CooldownSeconds).Round(time.Second))
			continue
		}

		batch := digest.Render(b.Name, events, s.d.Digest, now.In(s.d.Location))
		br.Subject = batch.Subject
		outcome := s.d.Dispatcher.Dispatch(ctx, batch, s.channels(b))
		for _, r := range outcome.Results {
			cr := ChannelReport{Channel: r.Channel, OK: r.OK(), Attempts: r.Attempts}
			if r.Err != nil {
				cr.Error = r.Err.Error()
			}
			br.Channels = append(br.Channels, cr)
		}

		if !outcome.AnySucceeded() {
			s.d.Dedup.Release(events)
			br.Status = BucketFailed
			rep.Buckets = append(rep.Buckets, br)
			failedBuckets = append(failedBuckets, b.Name)
			slog.ErrorContext(ctx, "[pipeline] bucket undelivered, events stay new", "bucket", b.Name, "error", outcome.Err())
			continue
		}

		br.Status = BucketSent
		rep.Buckets = append(rep.Buckets, br)
		if err := s.commit(ctx, b, events); err != nil {
			stateErrs = append(stateErrs, err...)
		}
	}

	var errs []error
	if len(failedBuckets) > 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrTotalDispatchFailure, strings.Join(failedBuckets, ", ")))
	}
	errs = append(errs, stateErrs...)
	return errors.Join(errs...)
}

// commitTimeout bounds the state writes that follow a delivered bucket.
const commitTimeout = 10 * time.Second

// commit records a delivered bucket. It runs detached from the run deadline:
// once a message is out, an expired run must not leave its events unmarked.
func (s *Service) commit(ctx context.Context, b digest.BucketConfig, events []model.SignalEvent) []error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	var errs []error
	if err := s.d.Dedup.Commit(cctx, events); err != nil {
		errs = append(errs, err)
		s.stateError(ctx, "save_seen", err)
	}
	if err := s.d.Cooldown.MarkSent(cctx, b.Name, b.CooldownSeconds); err != nil {
		errs = append(errs, err)
		s.stateError(ctx, "save_buckets", err)
	}
	return errs
}

func (s *Service) stateError(ctx context.Context, op string, err error) {
	slog.ErrorContext(ctx, "[pipeline] state save failed", "op", op, "error", err)
	if s.d.Metrics != nil {
		s.d.Metrics.StateErrors.WithLabelValues(op).Inc()
	}
}

func (s *Service) channels(b digest.BucketConfig) []notification.Channel {
	out := make([]notification.Channel, 0, len(b.Channels))
	for _, name := range b.Channels {
		out = append(out, s.d.Channels[name])
	}
	return out
}

func (s *Service) observeRun(rep *RunReport) {
	m := s.d.Metrics
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(rep.Status).Inc()
	m.RunDuration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
	m.LastRunUnix.Set(float64(rep.FinishedAt.Unix()))
	m.DedupSize.Set(float64(s.d.Dedup.Len()))
}

// Shard returns the part of instruments (sorted by symbol) that belongs to
// shard index of total, 1-based.
func Shard(instruments []model.Instrument, index, total int) []model.Instrument {
	sorted := append([]model.Instrument(nil), instruments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })
	if total <= 1 {
		return sorted
	}
	var out []model.Instrument
	for i, in := range sorted {
		if i%total == index-1 {
			out = append(out, in)
		}
	}
	return out
}
