// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/api"
	"github.com/JakeFAU/media-scraper/internal/broker"
	brokermem "github.com/JakeFAU/media-scraper/internal/broker/memory"
	brokerredis "github.com/JakeFAU/media-scraper/internal/broker/redis"
	"github.com/JakeFAU/media-scraper/internal/config"
	"github.com/JakeFAU/media-scraper/internal/extractor"
	"github.com/JakeFAU/media-scraper/internal/media"
	"github.com/JakeFAU/media-scraper/internal/pipeline"
	storemem "github.com/JakeFAU/media-scraper/internal/store/memory"
	"github.com/JakeFAU/media-scraper/internal/store/postgres"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// App holds the shared services built from one Config.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	broker     broker.Broker
	store      media.Store
	controller *pipeline.Controller
	observer   *pipeline.Observer
	started    bool
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Broker exposes the configured broker.
func (a *App) Broker() broker.Broker { return a.broker }

// Store exposes the configured media store.
func (a *App) Store() media.Store { return a.store }

// Controller returns the pipeline controller.
func (a *App) Controller() *pipeline.Controller { return a.controller }

// Observer returns the queue observer.
func (a *App) Observer() *pipeline.Observer { return a.observer }

// New builds the broker, store, extractor and pipeline described by cfg. It
// fails fast when a configured backend cannot be reached. Nothing is started.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("initializing application services",
		zap.String("broker", cfg.Broker.Driver),
		zap.String("store", cfg.Store.Driver),
	)

	b, err := newBroker(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		if cerr := b.Close(); cerr != nil {
			logger.Warn("close broker after store failure", zap.Error(cerr))
		}
		return nil, err
	}

	ex := extractor.New(cfg.ExtractorConfig(), logger.Named("extractor"))
	return &App{
		cfg:        cfg,
		logger:     logger,
		broker:     b,
		store:      store,
		controller: pipeline.NewController(b, ex, store, cfg.PipelineConfig(), logger.Named("pipeline")),
		observer:   pipeline.NewObserver(b),
	}, nil
}

func newBroker(cfg config.Config, logger *zap.Logger) (broker.Broker, error) {
	switch cfg.Broker.Driver {
	case config.DriverMemory:
		logger.Info("using in-process broker; jobs do not survive a restart")
		return brokermem.New(brokermem.WithPollInterval(cfg.PollInterval())), nil
	case config.DriverRedis:
		logger.Info("using redis broker", zap.String("addr", cfg.Broker.Redis.Addr))
		return brokerredis.New(cfg.RedisConfig()), nil
	default:
		return nil, fmt.Errorf("unknown broker driver: %s", cfg.Broker.Driver)
	}
}

func newStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (media.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Info("using in-process media store; records do not survive a restart")
		return storemem.New(), nil
	case config.DriverPostgres:
		if cfg.Store.MigrateOnStart {
			if _, err := postgres.Migrate(ctx, cfg.Store.DSN, logger.Named("migrate")); err != nil {
				return nil, fmt.Errorf("migrate store: %w", err)
			}
		}
		store, err := postgres.New(ctx, cfg.PostgresConfig())
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("connected to postgres", zap.Int("max_conns", cfg.Store.MaxConns))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Store.Driver)
	}
}

// Connect opens the broker without starting workers, for inspection commands.
func (a *App) Connect(ctx context.Context) error {
	if err := a.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	return nil
}

// Start connects the broker and starts both worker pools.
func (a *App) Start(ctx context.Context) error {
	if err := a.controller.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	a.started = true
	return nil
}

// Server builds the HTTP API over the pipeline, store and queues. Readiness
// probes the broker and, when it supports it, the store.
func (a *App) Server() *api.Server {
	checks := []api.ReadinessCheck{{Name: "broker", Check: a.controller.Ping}}
	if p, ok := a.store.(pinger); ok {
		checks = append(checks, api.ReadinessCheck{Name: "store", Check: p.Ping})
	}
	return api.NewServer(a.controller, a.store, a.observer, a.cfg.APIConfig(), a.logger.Named("api"), checks...)
}

// Close drains the pipeline when it was started, otherwise closes the broker
// directly, then releases the store.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.started {
		if err := a.controller.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown pipeline: %w", err))
		}
	} else if err := a.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}
	a.store.Close()
	return errors.Join(errs...)
}
