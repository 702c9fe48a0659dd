package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"signal-radar/config"
	"signal-radar/internal/api"
	"signal-radar/internal/barsource"
	"signal-radar/internal/classifier"
	"signal-radar/internal/cooldown"
	"signal-radar/internal/dedup"
	"signal-radar/internal/gateway"
	"signal-radar/internal/indicator"
	"signal-radar/internal/markethours"
	"signal-radar/internal/metrics"
	"signal-radar/internal/model"
	"signal-radar/internal/notification"
	"signal-radar/internal/pipeline"
	filestore "signal-radar/internal/store/file"
	"signal-radar/internal/store/memory"
	redisstore "signal-radar/internal/store/redis"
	"signal-radar/internal/store/sqlite"
)

// app holds everything main needs to run and shut down.
type app struct {
	svc      *pipeline.Service
	calendar *markethours.Calendar
	health   *metrics.HealthStatus
	registry *prometheus.Registry
	hub      *gateway.Hub

	closers []func() error
}

func (a *app) apiOptions() []api.Option {
	opts := []api.Option{api.WithGatherer(a.registry)}
	if a.hub != nil {
		opts = append(opts, api.WithFeed(http.HandlerFunc(a.hub.ServeWS)))
	}
	return opts
}

// Close releases resources in reverse order of creation. Safe to call twice.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("[scanner] close", "error", err)
		}
	}
	a.closers = nil
}

func build(ctx context.Context, cfg *config.Config, dryRun bool) (_ *app, err error) {
	a := &app{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(a.registry)

	a.calendar, err = markethours.New(cfg.Calendar)
	if err != nil {
		return nil, err
	}

	dbs := map[string]*sqlite.Store{}
	openDB := func(path string) (*sqlite.Store, error) {
		if st, ok := dbs[path]; ok {
			return st, nil
		}
		st, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		dbs[path] = st
		a.closers = append(a.closers, st.Close)
		return st, nil
	}

	backend, ping, err := openState(ctx, cfg.State, m, openDB)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	a.closers = append(a.closers, backend.Close)
	a.health = metrics.NewHealthStatus(cfg.State.Backend)
	if ping != nil {
		a.health.CheckState(ctx, ping)
		a.health.StartLivenessChecker(ctx, ping, 30*time.Second)
	}

	var (
		universe model.Universe
		source   model.BarSource
	)
	switch cfg.Source.Kind {
	case "sqlite":
		st, err := openDB(cfg.Source.Path)
		if err != nil {
			return nil, fmt.Errorf("bar source: %w", err)
		}
		universe, source = st, st
	default:
		csv := barsource.NewCSV(cfg.Source.Path)
		universe, source = csv, csv
	}

	channels, err := buildChannels(cfg, dryRun, a)
	if err != nil {
		return nil, err
	}
	var fallback notification.Channel
	if cfg.State.FallbackChannel != "" {
		fallback = channels[cfg.State.FallbackChannel]
	}

	dispatcher := notification.NewDispatcher(cfg.Dispatch, notification.WithObserver(
		func(_ string, r notification.Result) {
			m.ObserveSend(r.Channel, r.Attempts, r.OK(), r.Duration)
		}))

	pcfg := cfg.Pipeline
	pcfg.ResetOnCorrupt = cfg.State.ResetOnCorrupt
	a.svc, err = pipeline.New(pcfg, pipeline.Deps{
		Universe:   universe,
		Source:     barsource.WithRetry(source, cfg.Fetch),
		Engine:     indicator.NewEngine(cfg.Indicators),
		Classifier: classifier.New(cfg.Rules),
		Dedup:      dedup.New(backend, cfg.Dedup.MaxSize),
		Cooldown:   cooldown.New(backend, nil),
		Dispatcher: dispatcher,
		State:      backend,
		Buckets:    cfg.Buckets,
		Channels:   channels,
		Fallback:   fallback,
		Digest:     cfg.Digest,
		Location:   a.calendar.Location(),
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("[scanner] ready",
		"source", cfg.Source.Kind, "state", cfg.State.Backend, "channels", len(channels),
		"buckets", len(cfg.Buckets), "shard", fmt.Sprintf("%d/%d", pcfg.ShardIndex, pcfg.ShardTotal),
		"dry_run", dryRun)
	return a, nil
}

// openState builds the configured state backend and a liveness ping for it.
func openState(ctx context.Context, sc config.StateConfig, m *metrics.Metrics,
	openDB func(string) (*sqlite.Store, error)) (model.StateBackend, func(context.Context) error, error) {

	switch sc.Backend {
	case "memory":
		return memory.New(), nil, nil
	case "sqlite":
		st, err := openDB(sc.Path)
		if err != nil {
			return nil, nil, err
		}
		// The store is closed through openDB's closer.
		return nopClose{st}, func(ctx context.Context) error { return st.DB().PingContext(ctx) }, nil
	case "redis":
		b := redisstore.New(sc.Redis)
		b.Breaker().OnStateChange = func(from, to redisstore.BreakerState) {
			m.StateBreakerState.Set(float64(to))
			slog.Warn("[scanner] redis breaker", "from", from.String(), "to", to.String())
		}
		return b, func(ctx context.Context) error { return b.Client().Ping(ctx).Err() }, nil
	default:
		b, err := filestore.New(sc.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, func(context.Context) error {
			_, err := os.Stat(b.Dir())
			return err
		}, nil
	}
}

// nopClose shields a shared store from a second Close.
type nopClose struct{ *sqlite.Store }

func (nopClose) Close() error { return nil }

// buildChannels instantiates every configured channel. In dry-run mode each
// one is replaced by a log channel under the same name.
func buildChannels(cfg *config.Config, dryRun bool, a *app) (map[string]notification.Channel, error) {
	out := make(map[string]notification.Channel, len(cfg.Channels))
	for _, cc := range cfg.Channels {
		if dryRun {
			out[cc.Name] = notification.NewLogChannel(cc.Name)
			continue
		}
		switch cc.Type {
		case config.ChannelTelegram:
			out[cc.Name] = notification.NewTelegramChannel(cc.Name, cc.Telegram.BotToken, cc.Telegram.ChatID, cc.Telegram.APIBase)
		case config.ChannelWebhook:
			out[cc.Name] = notification.NewWebhookChannel(cc.Name, cc.Webhook.URL)
		case config.ChannelEmail:
			out[cc.Name] = notification.NewEmailChannel(cc.Name, *cc.Email)
		case config.ChannelKafka:
			k := notification.NewKafkaChannel(cc.Name, *cc.Kafka)
			a.closers = append(a.closers, k.Close)
			out[cc.Name] = k
		case config.ChannelWebsocket:
			a.hub = gateway.NewHub(cc.Name, cc.Websocket.ReplaySize, cc.Websocket.RequireClients)
			a.closers = append(a.closers, a.hub.Close)
			out[cc.Name] = a.hub
		case config.ChannelLog:
			out[cc.Name] = notification.NewLogChannel(cc.Name)
		default:
			return nil, fmt.Errorf("channel %q: unknown type %q", cc.Name, cc.Type)
		}
	}
	return out, nil
}

// runImport loads a bars CSV into the sqlite database named by source.path.
func runImport(ctx context.Context, cfg *config.Config, csvPath string) error {
	if cfg.Source.Kind != "sqlite" {
		return fmt.Errorf("import needs source.kind sqlite, got %q", cfg.Source.Kind)
	}
	csv := barsource.NewCSV(csvPath)
	series, err := csv.All(ctx)
	if err != nil {
		return err
	}
	instruments, err := csv.Instruments(ctx)
	if err != nil {
		return err
	}

	st, err := sqlite.Open(cfg.Source.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.UpsertInstruments(ctx, instruments); err != nil {
		return err
	}
	total := 0
	for _, bars := range series {
		if err := st.InsertBars(ctx, bars); err != nil {
			return err
		}
		total += len(bars)
	}
	slog.Info("[scanner] import done", "path", csvPath, "db", cfg.Source.Path,
		"symbols", len(instruments), "bars", total)
	return nil
}
