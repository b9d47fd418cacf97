// Package app assembles the sync service from configuration. The API, the
// worker and the admin CLI share this wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"storyboard-sync/internal/artifacts"
	"storyboard-sync/internal/config"
	"storyboard-sync/internal/connectivity"
	"storyboard-sync/internal/coordinator"
	"storyboard-sync/internal/engine"
	"storyboard-sync/internal/events"
	"storyboard-sync/internal/queue"
	"storyboard-sync/internal/ratelimit"
	"storyboard-sync/internal/remote"
	"storyboard-sync/internal/store"
)

const leaseKey = "storyboard-sync:drain-lease"

// App holds the wired components.
type App struct {
	Config      config.Config
	Log         zerolog.Logger
	Store       *store.Store
	Queue       *queue.Queue
	Engine      *engine.Engine
	Bus         *events.Bus
	Coordinator *coordinator.Coordinator

	// Monitor is the connectivity source. Manual is set when connectivity is
	// reported through the API rather than probed.
	Monitor connectivity.Monitor
	Manual  *connectivity.Manual
	prober  *connectivity.Prober

	closers []func() error
}

// Build opens the store and wires every component. Nothing runs in the
// background until Start.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	dsn := cfg.SQLitePath
	if store.Driver(cfg.StoreDriver) == store.DriverPostgres {
		dsn = cfg.PostgresDSN
	}
	st, err := store.Open(ctx, store.Options{Driver: store.Driver(cfg.StoreDriver), DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.Store = st
	a.closers = append(a.closers, st.Close)
	a.Queue = queue.New(st)

	if cfg.ProbeURL != "" {
		a.prober = connectivity.NewProber(cfg.ProbeURL, cfg.ProbeInterval, log)
		a.Monitor = a.prober
	} else {
		a.Manual = connectivity.NewManual(true)
		a.Monitor = a.Manual
	}

	a.Engine = engine.New(a.Queue, a.Monitor, log, engine.Options{
		MaxRetries:     cfg.MaxRetries,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		ActionTimeout:  cfg.ActionTimeout,
	})

	scenes := remote.New(cfg.RemoteBaseURL, cfg.RemoteAPIKey, cfg.RemoteTimeout)
	renderer := remote.NewRenderer(cfg.RenderBaseURL, cfg.RemoteAPIKey, cfg.RenderTimeout)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)
		a.Engine.SetLease(queue.NewRedisLease(rdb, leaseKey, cfg.DrainLeaseTTL))

		limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		scenes.SetLimiter(limiter)
		renderer.SetLimiter(limiter)
		log.Info().Str("redis", cfg.RedisAddr).Msg("drain lease and remote rate limit enabled")
	}

	uploader, err := artifacts.New(ctx, artifacts.Options{
		Backend:        cfg.ArtifactBackend,
		Dir:            cfg.ArtifactDir,
		S3Bucket:       cfg.S3Bucket,
		S3Region:       cfg.S3Region,
		S3Endpoint:     cfg.S3Endpoint,
		S3PathStyle:    cfg.S3PathStyle,
		MinIOEndpoint:  cfg.MinIOEndpoint,
		MinIOAccessKey: cfg.MinIOAccessKey,
		MinIOSecretKey: cfg.MinIOSecretKey,
		MinIOBucket:    cfg.MinIOBucket,
		MinIOUseSSL:    cfg.MinIOUseSSL,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("init artifact storage: %w", err)
	}

	engine.RegisterDefaults(a.Engine, engine.Deps{
		Store:      st,
		Scenes:     scenes,
		Images:     scenes,
		Videos:     renderer,
		Artifacts:  uploader,
		Thumbnails: artifacts.NewThumbnailer(cfg.ThumbnailWidth, cfg.RemoteTimeout),
		Now:        a.Queue.Now,
		Log:        log,
	})

	a.Bus = events.NewBus(log)
	if len(cfg.KafkaBrokers) > 0 {
		pub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.Bus.AddSink(pub)
		a.closers = append(a.closers, pub.Close)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing notifications to kafka")
	}

	a.Coordinator = coordinator.New(a.Engine, a.Queue, a.Monitor, a.Bus, log, coordinator.Options{
		SyncInterval:    cfg.SyncInterval,
		CleanupInterval: cfg.CleanupInterval,
		Retention:       cfg.Retention,
	})
	return a, nil
}

// Start runs the connectivity prober, if any, and the coordinator loops.
func (a *App) Start(ctx context.Context) {
	if a.prober != nil {
		go a.prober.Run(ctx)
	}
	a.Coordinator.Start(ctx)
}

// Close stops the coordinator and releases resources in reverse order.
func (a *App) Close() error {
	if a.Coordinator != nil {
		a.Coordinator.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
