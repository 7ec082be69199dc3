// Package worker runs bounded pools of consumers that lease jobs from a broker
// queue, keep their leases alive while a handler runs, and report the outcome
// back so the broker owns every retry decision.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/metrics"
)

// Handler processes one leased job and returns the result stored on completion.
type Handler func(ctx context.Context, job broker.Job) ([]byte, error)

// Config controls Pool behavior.
type Config struct {
	Queue       string
	Concurrency int
	// StallInterval is the lease length; heartbeats renew it at half this period.
	StallInterval time.Duration
	MaxStalled    int
	// JobTimeout applies when a job carries no timeout of its own.
	JobTimeout time.Duration
	// ErrorBackoff is the pause after a lease error before retrying.
	ErrorBackoff time.Duration
	// BrokerTimeout bounds complete/fail/heartbeat calls.
	BrokerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.StallInterval <= 0 {
		c.StallInterval = 5 * time.Second
	}
	if c.MaxStalled < 0 {
		c.MaxStalled = 0
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.BrokerTimeout <= 0 {
		c.BrokerTimeout = 5 * time.Second
	}
	return c
}

// Pool consumes one queue with a fixed number of workers.
type Pool struct {
	broker  broker.Broker
	handler Handler
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Pool.
func New(b broker.Broker, handler Handler, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pool{
		broker:  b,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(zap.String("queue", cfg.Queue)),
	}
}

// Queue returns the queue this pool consumes.
func (p *Pool) Queue() string {
	return p.cfg.Queue
}

// Run starts the workers and the stall recovery loop and blocks until ctx is
// done and every in-flight job has been reported to the broker. Cancelling ctx
// stops new leases only; jobs already leased run to completion or timeout.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.cfg.Concurrency {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.work(ctx, id)
		}(fmt.Sprintf("%s-%d", p.cfg.Queue, i+1))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.recoverLoop(ctx)
	}()
	<-ctx.Done()
	wg.Wait()
}

func (p *Pool) work(ctx context.Context, workerID string) {
	logger := p.logger.With(zap.String("worker_id", workerID))
	for {
		job, err := p.broker.Lease(ctx, p.cfg.Queue, workerID, p.cfg.StallInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, broker.ErrQueueClosed) || errors.Is(err, broker.ErrBrokerClosed) {
				logger.Info("queue closed, worker exiting")
				return
			}
			logger.Error("lease failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}
		p.process(ctx, job, logger)
	}
}

func (p *Pool) process(parent context.Context, job broker.Job, logger *zap.Logger) {
	logger = logger.With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.AttemptsMade+1),
	)
	metrics.IncActiveWorkers(p.cfg.Queue)
	defer metrics.DecActiveWorkers(p.cfg.Queue)

	timeout := job.Options.Timeout
	if timeout <= 0 {
		timeout = p.cfg.JobTimeout
	}
	// Leased jobs outlive a stop request; only the job timeout bounds them.
	base := context.WithoutCancel(parent)
	jobCtx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, job, logger)
	}()

	start := time.Now()
	result, err := p.invoke(jobCtx, job)
	cancel()
	<-hbDone
	elapsed := time.Since(start)

	reportCtx, reportCancel := context.WithTimeout(base, p.cfg.BrokerTimeout)
	defer reportCancel()

	if err == nil {
		if cerr := p.broker.Complete(reportCtx, p.cfg.Queue, job.ID, job.Token, result); cerr != nil {
			logger.Error("complete failed", zap.Error(cerr))
			metrics.ObserveJob(p.cfg.Queue, "lost", elapsed)
			return
		}
		metrics.ObserveJob(p.cfg.Queue, "completed", elapsed)
		logger.Info("job completed", zap.Duration("duration", elapsed))
		return
	}

	out, ferr := p.broker.Fail(reportCtx, p.cfg.Queue, job.ID, job.Token, err)
	if ferr != nil {
		logger.Error("fail report failed", zap.NamedError("cause", err), zap.Error(ferr))
		metrics.ObserveJob(p.cfg.Queue, "lost", elapsed)
		return
	}
	if out.Retry {
		metrics.ObserveJob(p.cfg.Queue, "retried", elapsed)
		logger.Warn("job failed, retry scheduled",
			zap.Error(err),
			zap.Int("attempts_made", out.AttemptsMade),
			zap.Duration("delay", out.Delay),
		)
		return
	}
	metrics.ObserveJob(p.cfg.Queue, "failed", elapsed)
	logger.Error("job failed permanently", zap.Error(err), zap.Int("attempts_made", out.AttemptsMade))
}

// invoke runs the handler, turning a panic into a job failure.
func (p *Pool) invoke(ctx context.Context, job broker.Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, job)
}

func (p *Pool) heartbeat(ctx context.Context, job broker.Job, logger *zap.Logger) {
	ticker := time.NewTicker(p.cfg.StallInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, p.cfg.BrokerTimeout)
			err := p.broker.Heartbeat(hbCtx, p.cfg.Queue, job.ID, job.Token, p.cfg.StallInterval)
			cancel()
			if err == nil {
				continue
			}
			if errors.Is(err, broker.ErrLeaseLost) || errors.Is(err, broker.ErrJobNotFound) {
				logger.Warn("lease lost during processing", zap.Error(err))
				return
			}
			if ctx.Err() == nil {
				logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StallInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := p.broker.RecoverStalled(ctx, p.cfg.Queue, p.cfg.MaxStalled)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("stall recovery failed", zap.Error(err))
				}
				continue
			}
			metrics.ObserveStalled(p.cfg.Queue, res.Requeued, res.Failed)
			if res.Requeued > 0 || res.Failed > 0 {
				p.logger.Warn("recovered stalled jobs",
					zap.Int("requeued", res.Requeued),
					zap.Int("failed", res.Failed),
				)
			}
		}
	}
}
