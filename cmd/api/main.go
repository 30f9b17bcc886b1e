package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/quotaline/quotaline/internal/api"
	"github.com/quotaline/quotaline/internal/config"
	"github.com/quotaline/quotaline/internal/database"
	"github.com/quotaline/quotaline/internal/events"
	"github.com/quotaline/quotaline/internal/quota"
	iredis "github.com/quotaline/quotaline/internal/redis"
	"github.com/quotaline/quotaline/internal/server"
	"github.com/quotaline/quotaline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("validating config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// Activity sink (optional NATS)
	var sink quota.ActivitySink = quota.NopSink{}
	if cfg.NATS.Enabled {
		natsClient, err := events.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		sink = events.NewPublisher(natsClient.JetStream())
	}

	// Engine
	store := quota.NewPostgresStore(pool)
	cache := quota.NewSnapshotCache(redisClient, cfg.Quota.SnapshotTTL)
	engine := quota.NewEngine(store, cache, sink)
	manager := quota.NewReservationManager(store, engine, cfg.Quota.ReservationTTL, sink)
	handler := quota.NewHandler(engine, manager)

	// Background sweep
	sweeper := worker.NewSweeper(manager, cfg.Quota.SweepInterval)
	go sweeper.Run(ctx)

	// Router
	router := api.NewRouter(pool, api.RouterConfig{CORSAllowedOrigins: cfg.CORS.AllowedOrigins}, api.HandlerSet{
		CanConsume: handler.CanConsume,
		Consume:    handler.Consume,
		Rollback:   handler.Rollback,
		Snapshot:   handler.Snapshot,

		Reserve:            handler.Reserve,
		ConfirmReservation: handler.Confirm,
		CancelReservation:  handler.Cancel,
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
