package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"storyboard-sync/internal/app"
	"storyboard-sync/internal/config"
	"storyboard-sync/internal/logging"
	"storyboard-sync/internal/telemetry"
)

// The worker drains the queue without serving the control API. Connectivity
// comes from CONNECTIVITY_PROBE_URL when set, otherwise it is assumed online.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "prod")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.Env)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build worker")
	}
	defer a.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	a.Start(ctx)
	log.Info().
		Dur("sync_interval", cfg.SyncInterval).
		Dur("backoff_initial", cfg.BackoffInitial).
		Int("max_retries", cfg.MaxRetries).
		Msg("worker started")

	<-ctx.Done()
	log.Info().Msg("worker stopping")
}
