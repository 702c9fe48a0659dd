package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"signal-radar/config"
	"signal-radar/internal/api"
	"signal-radar/internal/logger"
	"signal-radar/internal/pipeline"
	"signal-radar/internal/schedule"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	daemon := flag.Bool("daemon", false, "keep running and scan on the configured schedule")
	dryRun := flag.Bool("dry-run", false, "use in-memory state and log digests instead of sending them")
	importCSV := flag.String("import", "", "import a bars CSV into the sqlite source and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[scanner] config: %v\n", err)
		os.Exit(2)
	}
	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(cfg.Service, level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("[scanner] shutdown signal", "signal", sig.String())
		cancel()
	}()

	if *importCSV != "" {
		if err := runImport(ctx, cfg, *importCSV); err != nil {
			slog.Error("[scanner] import failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if *dryRun {
		cfg.State.Backend = "memory"
	}
	rt, err := build(ctx, cfg, *dryRun)
	if err != nil {
		slog.Error("[scanner] init failed", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	if cfg.API.Enabled {
		srv := api.NewServer(ctx, cfg.API.Config, rt.svc, rt.health, rt.apiOptions()...)
		srv.Start()
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
			defer stop()
			if err := srv.Stop(stopCtx); err != nil {
				slog.Error("[scanner] api stop", "error", err)
			}
		}()
	}

	if *daemon {
		if err := runDaemon(ctx, cfg, rt); err != nil {
			slog.Error("[scanner] daemon failed", "error", err)
			os.Exit(1)
		}
		return
	}

	rep, err := rt.svc.Run(ctx)
	if rep != nil {
		rt.health.SetLastRun(rep.FinishedAt, rep.Status)
	}
	if err != nil {
		slog.Error("[scanner] run failed", "error", err)
		rt.Close()
		os.Exit(exitCode(err))
	}
}

func runDaemon(ctx context.Context, cfg *config.Config, rt *app) error {
	sched, err := schedule.New(cfg.Schedule, rt.calendar, rt.svc)
	if err != nil {
		return err
	}
	sched.OnRun = func(rep *pipeline.RunReport, _ error) {
		if rep != nil {
			rt.health.SetLastRun(rep.FinishedAt, rep.Status)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	slog.Info("[scanner] daemon running", "next_run", sched.NextRun().Format(time.RFC3339))

	<-ctx.Done()
	sched.Stop()
	return nil
}

// exitCode separates state failures (3) from other run failures (1).
func exitCode(err error) int {
	if errors.Is(err, pipeline.ErrStateUnavailable) {
		return 3
	}
	return 1
}
