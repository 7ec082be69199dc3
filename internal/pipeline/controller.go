// Package pipeline wires the scrape and save stages onto the broker. The
// Controller owns the broker connection and both worker pools; the Observer
// gives read-only access to queue state.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/dedup"
	"github.com/JakeFAU/media-scraper/internal/jobkey"
	"github.com/JakeFAU/media-scraper/internal/media"
	"github.com/JakeFAU/media-scraper/internal/worker"
)

// ErrNotRunning is returned when jobs are enqueued outside Start/Shutdown.
var ErrNotRunning = errors.New("pipeline not running")

// StageConfig configures one queue and its worker pool.
type StageConfig struct {
	Concurrency   int
	Attempts      int
	Backoff       time.Duration
	Timeout       time.Duration
	KeepCompleted int
	KeepFailed    int
	StallInterval time.Duration
	MaxStalled    int
}

// JobOptions returns the broker options applied to every job on the stage.
func (s StageConfig) JobOptions() broker.Options {
	return broker.Options{
		Attempts:      s.Attempts,
		Backoff:       broker.Backoff{Type: broker.BackoffExponential, Delay: s.Backoff},
		Timeout:       s.Timeout,
		KeepCompleted: s.KeepCompleted,
		KeepFailed:    s.KeepFailed,
	}.Normalize()
}

func (s StageConfig) poolConfig(queue string) worker.Config {
	return worker.Config{
		Queue:         queue,
		Concurrency:   s.Concurrency,
		StallInterval: s.StallInterval,
		MaxStalled:    s.MaxStalled,
		JobTimeout:    s.Timeout,
	}
}

// Config holds both stage configurations.
type Config struct {
	Scrape StageConfig
	Save   StageConfig
	// DedupParallelism bounds concurrent existence checks per page.
	DedupParallelism int
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Scrape: StageConfig{
			Concurrency:   4,
			Attempts:      2,
			Backoff:       2 * time.Second,
			Timeout:       8 * time.Second,
			KeepCompleted: 1000,
			KeepFailed:    -1,
			StallInterval: 5 * time.Second,
			MaxStalled:    2,
		},
		Save: StageConfig{
			Concurrency:   2,
			Attempts:      2,
			Backoff:       2 * time.Second,
			Timeout:       10 * time.Second,
			KeepCompleted: 5000,
			KeepFailed:    -1,
			StallInterval: 5 * time.Second,
			MaxStalled:    2,
		},
		DedupParallelism: 4,
	}
}

// Store is what the pipeline needs from the relational store.
type Store interface {
	media.ExistenceChecker
	media.BatchWriter
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateDraining
	stateStopped
)

// Controller starts and stops both stages together and accepts new work.
type Controller struct {
	broker broker.Broker
	cfg    Config
	logger *zap.Logger

	scrapeKeys *jobkey.Generator
	saveKeys   *jobkey.Generator
	scrape     *worker.Pool
	save       *worker.Pool

	mu     sync.Mutex
	state  state
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Controller.
type Option func(*controllerOptions)

type controllerOptions struct {
	clock media.Clock
}

// WithClock sets the time source for job keys and record timestamps.
func WithClock(c media.Clock) Option {
	return func(o *controllerOptions) { o.clock = c }
}

// NewController wires extractor, dedup and store into two worker pools on b.
func NewController(
	b broker.Broker,
	extractor media.Extractor,
	store Store,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := controllerOptions{clock: media.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Controller{
		broker:     b,
		cfg:        cfg,
		logger:     logger,
		scrapeKeys: jobkey.New(o.clock),
		saveKeys:   jobkey.New(o.clock, jobkey.WithPrefix("save"), jobkey.WithDigestChars(12)),
	}
	filter := dedup.New(store, logger.Named("dedup"), dedup.WithParallelism(cfg.DedupParallelism))
	scrape := NewScrapeStage(extractor, filter, c, logger.Named("scrape-worker"))
	save := NewSaveStage(store, o.clock, logger.Named("save-worker"))
	c.scrape = worker.New(b, scrape.Handle, cfg.Scrape.poolConfig(ScrapeQueue), logger.Named("scrape-pool"))
	c.save = worker.New(b, save.Handle, cfg.Save.poolConfig(SaveQueue), logger.Named("save-pool"))
	return c
}

// Start connects the broker and starts both pools. Calling Start on a running
// controller is a no-op. A connection failure is returned wrapped in
// media.ErrBroker and leaves the controller idle.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateRunning:
		return nil
	case stateDraining, stateStopped:
		return fmt.Errorf("start: %w", ErrNotRunning)
	}
	if err := c.broker.Connect(ctx); err != nil {
		if !errors.Is(err, media.ErrBroker) {
			err = fmt.Errorf("%w: %w", media.ErrBroker, err)
		}
		return fmt.Errorf("connect broker: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, p := range []*worker.Pool{c.scrape, c.save} {
		wg.Add(1)
		go func(p *worker.Pool) {
			defer wg.Done()
			p.Run(runCtx)
		}(p)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	c.cancel = cancel
	c.done = done
	c.state = stateRunning
	c.logger.Info("pipeline started",
		zap.Int("scrape_concurrency", c.cfg.Scrape.Concurrency),
		zap.Int("save_concurrency", c.cfg.Save.Concurrency),
	)
	return nil
}

// EnqueueScrape queues one page for scraping and returns without waiting for
// it to run. URL scheme validation is the caller's job.
func (c *Controller) EnqueueScrape(ctx context.Context, url string) (broker.Handle, error) {
	p := ScrapePayload{URL: strings.TrimSpace(url)}
	if err := p.Validate(); err != nil {
		return broker.Handle{}, err
	}
	return c.enqueue(ctx, ScrapeQueue, scrapeJobName, c.scrapeKeys, p, c.cfg.Scrape.JobOptions(), false)
}

// EnqueueSave queues one batch for persistence. It keeps working while the
// controller drains so in-flight scrape jobs can hand off their batches.
func (c *Controller) EnqueueSave(ctx context.Context, batch []media.Candidate) (broker.Handle, error) {
	p := SavePayload{Media: batch}
	if err := p.Validate(); err != nil {
		return broker.Handle{}, err
	}
	return c.enqueue(ctx, SaveQueue, saveJobName, c.saveKeys, p, c.cfg.Save.JobOptions(), true)
}

func (c *Controller) enqueue(
	ctx context.Context,
	queue, name string,
	keys *jobkey.Generator,
	payload any,
	opts broker.Options,
	duringDrain bool,
) (broker.Handle, error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st != stateRunning && (!duringDrain || st != stateDraining) {
		return broker.Handle{}, fmt.Errorf("enqueue %s: %w", queue, ErrNotRunning)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return broker.Handle{}, fmt.Errorf("encode %s payload: %w", queue, err)
	}
	h, err := c.broker.Enqueue(ctx, queue, broker.NewJob{
		ID:      keys.Derive(data),
		Name:    name,
		Payload: data,
		Options: opts,
	})
	if err != nil {
		return broker.Handle{}, fmt.Errorf("enqueue %s: %w", queue, err)
	}
	if h.Duplicate {
		c.logger.Warn("duplicate submission collapsed onto existing job",
			zap.String("queue", queue),
			zap.String("job_id", h.ID),
		)
	}
	return h, nil
}

// Shutdown stops both pools from leasing, waits for in-flight jobs until ctx
// ends, closes both queues and finally the broker. Jobs still running when
// ctx ends are left to stall recovery.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return nil
	}
	c.state = stateDraining
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	c.logger.Info("pipeline stopping")

	cancel()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for in-flight jobs: %w", ctx.Err()))
		c.logger.Warn("shutdown deadline reached with jobs in flight", zap.Error(ctx.Err()))
	}

	c.mu.Lock()
	c.state = stateStopped
	c.mu.Unlock()
	for _, q := range []string{ScrapeQueue, SaveQueue} {
		if err := c.broker.CloseQueue(q); err != nil {
			errs = append(errs, fmt.Errorf("close queue %s: %w", q, err))
		}
	}
	if err := c.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close broker: %w", err))
	}
	c.logger.Info("pipeline stopped")
	return errors.Join(errs...)
}

// Ping reports broker health for readiness checks.
func (c *Controller) Ping(ctx context.Context) error {
	if err := c.broker.Ping(ctx); err != nil {
		return fmt.Errorf("ping broker: %w", err)
	}
	return nil
}
