package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/songzhibin97/billflow/config"
	"github.com/songzhibin97/billflow/events"
	"github.com/songzhibin97/billflow/httpapi"
	"github.com/songzhibin97/billflow/storage"
	"github.com/songzhibin97/billflow/workflow"
)

func main() {
	configPath := flag.String("config", os.Getenv("BILLFLOW_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger(os.Stdout)
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	store, closeStore, err := newStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to initialise storage")
	}
	defer closeStore()

	ids, err := newIDGenerator(cfg.IDs)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialise ID generator")
	}

	bus := events.NewEventBus(events.WithErrorHandler(func(event events.Event, err error) {
		logger.Error().Err(err).Str("event", event.Type).Str("bill_id", event.BillID).Msg("event handler failed")
	}))

	engine, err := workflow.NewEngine(store, cfg.Stages,
		workflow.WithIDGenerator(ids),
		workflow.WithEventBus(bus),
		workflow.WithLogger(logger.With().Str("component", "engine").Logger()),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create engine")
	}

	audit := logger.With().Str("component", "audit").Logger()
	bus.SubscribeFunc(events.Any, func(ctx context.Context, event events.Event) error {
		audit.Info().Str("event", event.Type).Str("bill_id", event.BillID).Fields(event.Data).Msg("bill event")
		return nil
	})

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: httpapi.NewRouter(engine, logger.With().Str("component", "http").Logger()),
	}

	go func() {
		logger.Info().
			Str("addr", cfg.HTTP.Addr).
			Str("storage", cfg.Storage.Backend).
			Str("ids", cfg.IDs.Generator).
			Int("stages", len(cfg.Stages)).
			Msg("Starting billflow server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := engine.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Engine stop failed")
	}
	bus.Stop()

	logger.Info().Int64("dropped_events", bus.Dropped()).Msg("Server exited")
}

func newStore(cfg config.StorageConfig) (storage.Repository, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		store, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return storage.NewMemoryStorage(), func() {}, nil
	}
}

func newIDGenerator(cfg config.IDConfig) (workflow.IDGenerator, error) {
	if cfg.Generator == config.IDsSnowflake {
		return workflow.DefaultSnowflake(cfg.MachineID)
	}
	return workflow.UUIDs{}, nil
}
