// Package main provides the HTTP server for dataops.
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

	"github.com/raphaelgruber/dataops-go/internal/cache"
	"github.com/raphaelgruber/dataops-go/internal/config"
	"github.com/raphaelgruber/dataops-go/internal/db"
	"github.com/raphaelgruber/dataops-go/internal/events"
	"github.com/raphaelgruber/dataops-go/internal/lock"
	"github.com/raphaelgruber/dataops-go/internal/metrics"
	"github.com/raphaelgruber/dataops-go/internal/server"
	"github.com/raphaelgruber/dataops-go/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("dataops-server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, closeLog := config.SetupLogger(cfg.LogFile, cfg.SlogLevel())
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	client, err := db.NewClient(connectCtx, db.Config{
		URL:       cfg.Surreal.URL,
		Namespace: cfg.Surreal.Namespace,
		Database:  cfg.Surreal.Database,
		Username:  cfg.Surreal.Username,
		Password:  cfg.Surreal.Password,
		AuthLevel: cfg.Surreal.AuthLevel,
	}, logger)
	if err != nil {
		cancel()
		return fmt.Errorf("connect to database: %w", err)
	}
	err = client.InitSchema(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(context.Background()); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()
	client.SetMetrics(collector)

	if *wipeDB || os.Getenv("DATAOPS_WIPE_DB") == "true" {
		if err := client.WipeData(ctx); err != nil {
			return fmt.Errorf("wipe database: %w", err)
		}
	}

	store, err := openCache(ctx, cfg, client, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close cache", "error", err)
		}
	}()

	publisher, err := buildPublisher(cfg, client, collector, logger)
	if err != nil {
		return err
	}

	locker := lock.New(store, logger,
		lock.WithTTL(cfg.Cache.TTL),
		lock.WithMaxAttempts(cfg.Lock.MaxAttempts),
		lock.WithMetrics(collector),
	)
	ledger := service.NewJobLedger(store, logger,
		service.WithLedgerTTL(cfg.Cache.TTL),
		service.WithLedgerMetrics(collector),
	)
	dispatcher := service.NewDispatcher(service.Dependencies{
		Graph:     db.NewGraphStore(client, logger),
		Ledger:    ledger,
		Locker:    locker,
		Publisher: publisher,
		Storage: service.StorageConfig{
			GreenroomRoot: cfg.Storage.GreenroomRoot,
			CoreRoot:      cfg.Storage.CoreRoot,
		},
		Metrics: collector,
		Logger:  logger,
	})

	srv := server.New(server.Deps{
		Locker:     locker,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Metrics:    collector,
		Health:     client.Ping,
		Logger:     logger,
	})

	logger.Info("starting dataops-server",
		"addr", cfg.HTTP.Addr,
		"cache_backend", cfg.Cache.Backend,
		"surreal_url", cfg.Surreal.URL,
	)
	return srv.Run(ctx, cfg.HTTP.Addr, cfg.HTTP.ShutdownTimeout)
}

// openCache opens the store shared by locks and the job ledger.
func openCache(ctx context.Context, cfg *config.Config, client *db.Client, logger *slog.Logger) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "surreal":
		store := db.NewCacheStore(client, logger)
		go store.RunJanitor(ctx, cfg.Cache.PurgeInterval)
		return store, nil
	default:
		store, err := cache.OpenBadger(cache.BadgerConfig{Dir: cfg.Cache.Dir, InMemory: cfg.Cache.InMemory}, logger)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		return store, nil
	}
}

// buildPublisher fans events out to the queue endpoint and the outbox table,
// whichever are enabled.
func buildPublisher(cfg *config.Config, client *db.Client, m *metrics.Collector, logger *slog.Logger) (events.Publisher, error) {
	var pubs events.Multi
	if cfg.Events.SendMessageURL != "" {
		pubs = append(pubs, events.NewHTTPPublisher(cfg.Events.SendMessageURL, cfg.Events.Timeout, m, logger))
	}
	if cfg.Events.Outbox {
		pubs = append(pubs, db.NewOutbox(client, logger))
	}
	if len(pubs) == 0 {
		return nil, errors.New("no event publisher configured: set events.send_message_url or enable events.outbox")
	}
	return pubs, nil
}
