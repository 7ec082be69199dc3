// Package redis implements the durable broker on Redis. Each queue is a set
// of keys under a shared prefix; all state transitions run as Lua scripts so
// several processes can lease from the same queue safely.
//
// The broker targets a single Redis node (or a primary with replicas). The
// scripts build per-job keys from the prefix passed in ARGV rather than
// declaring them in KEYS, so Redis Cluster is not supported.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/media"
)

const (
	defaultPrefix       = "media"
	defaultPollInterval = 250 * time.Millisecond
)

// Config holds connection settings.
type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PollInterval time.Duration
}

// Broker implements broker.Broker on Redis.
type Broker struct {
	client       redis.UniversalClient
	ownsClient   bool
	prefix       string
	pollInterval time.Duration
	clock        media.Clock

	mu     sync.Mutex
	closed bool
	shut   map[string]bool
}

// Option customizes a Broker.
type Option func(*Broker)

// WithClock overrides the time source used for scores and timestamps.
func WithClock(c media.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// New builds a Broker that owns its client. No connection is made until Connect.
func New(cfg Config, opts ...Option) *Broker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	b := NewWithClient(client, cfg, opts...)
	b.ownsClient = true
	return b
}

// NewWithClient wraps an existing client, which the caller keeps ownership of.
func NewWithClient(client redis.UniversalClient, cfg Config, opts ...Option) *Broker {
	b := &Broker{
		client:       client,
		prefix:       cfg.KeyPrefix,
		pollInterval: cfg.PollInterval,
		clock:        media.SystemClock{},
		shut:         make(map[string]bool),
	}
	if b.prefix == "" {
		b.prefix = defaultPrefix
	}
	if b.pollInterval <= 0 {
		b.pollInterval = defaultPollInterval
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ broker.Broker = (*Broker)(nil)

type queueKeys struct {
	wait, active, delayed, completed, failed, leases, jobPrefix string
}

func (b *Broker) keys(queue string) queueKeys {
	base := b.prefix + ":" + queue + ":"
	return queueKeys{
		wait:      base + "wait",
		active:    base + "active",
		delayed:   base + "delayed",
		completed: base + "completed",
		failed:    base + "failed",
		leases:    base + "leases",
		jobPrefix: base + "job:",
	}
}

// Connect verifies the server is reachable.
func (b *Broker) Connect(ctx context.Context) error {
	return b.Ping(ctx)
}

// Ping checks the connection.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %w", media.ErrBroker, err)
	}
	return nil
}

// Enqueue stores the job hash and pushes its id onto the wait list.
func (b *Broker) Enqueue(ctx context.Context, queue string, job broker.NewJob) (broker.Handle, error) {
	if err := job.Validate(); err != nil {
		return broker.Handle{}, err
	}
	if err := b.checkQueue(queue); err != nil {
		return broker.Handle{}, err
	}
	k := b.keys(queue)
	o := job.Options.Normalize()
	added, err := enqueueScript.Run(ctx, b.client,
		[]string{k.jobPrefix + job.ID, k.wait},
		job.ID, job.Name, string(job.Payload), millis(b.clock.Now()),
		o.Attempts, string(o.Backoff.Type), o.Backoff.Delay.Milliseconds(),
		o.Timeout.Milliseconds(), o.KeepCompleted, o.KeepFailed,
	).Int64()
	if err != nil {
		return broker.Handle{}, fmt.Errorf("%w: enqueue %s: %w", media.ErrBroker, queue, err)
	}
	return broker.Handle{ID: job.ID, Queue: queue, Duplicate: added == 0}, nil
}

// Lease polls the wait list until a job is claimed or ctx ends.
func (b *Broker) Lease(ctx context.Context, queue, workerID string, leaseFor time.Duration) (broker.Job, error) {
	k := b.keys(queue)
	for {
		if err := b.checkQueue(queue); err != nil {
			return broker.Job{}, err
		}
		now := b.clock.Now()
		token := workerID + ":" + uuid.NewString()
		id, err := leaseScript.Run(ctx, b.client,
			[]string{k.wait, k.active, k.delayed, k.leases},
			millis(now), millis(now.Add(leaseFor)), token, k.jobPrefix,
		).Text()
		switch {
		case err == nil:
			return b.load(ctx, queue, id)
		case !errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return broker.Job{}, fmt.Errorf("lease canceled: %w", ctx.Err())
			}
			return broker.Job{}, fmt.Errorf("%w: lease %s: %w", media.ErrBroker, queue, err)
		}

		timer := time.NewTimer(b.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return broker.Job{}, fmt.Errorf("lease canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// Heartbeat extends the lease held by token.
func (b *Broker) Heartbeat(ctx context.Context, queue, jobID, token string, extendBy time.Duration) error {
	k := b.keys(queue)
	code, err := heartbeatScript.Run(ctx, b.client,
		[]string{k.jobPrefix + jobID, k.leases},
		token, millis(b.clock.Now().Add(extendBy)), jobID,
	).Int64()
	return b.scriptResult(queue, jobID, "heartbeat", code, err)
}

// Complete moves the job to the completed set and trims retention.
func (b *Broker) Complete(ctx context.Context, queue, jobID, token string, result []byte) error {
	k := b.keys(queue)
	code, err := completeScript.Run(ctx, b.client,
		[]string{k.jobPrefix + jobID, k.active, k.leases, k.completed},
		token, millis(b.clock.Now()), string(result), jobID, k.jobPrefix,
	).Int64()
	return b.scriptResult(queue, jobID, "complete", code, err)
}

// Fail records the attempt. The retry decision is made here from the stored
// options; the script re-checks the token so the decision applies atomically.
func (b *Broker) Fail(ctx context.Context, queue, jobID, token string, cause error) (broker.FailOutcome, error) {
	k := b.keys(queue)
	fields, err := b.client.HGetAll(ctx, k.jobPrefix+jobID).Result()
	if err != nil {
		return broker.FailOutcome{}, fmt.Errorf("%w: fail %s/%s: %w", media.ErrBroker, queue, jobID, err)
	}
	if len(fields) == 0 {
		return broker.FailOutcome{}, fmt.Errorf("%s/%s: %w", queue, jobID, broker.ErrJobNotFound)
	}
	job := decodeJob(queue, jobID, fields)
	if job.State != broker.StateActive || job.Token != token {
		return broker.FailOutcome{}, fmt.Errorf("%s/%s: %w", queue, jobID, broker.ErrLeaseLost)
	}

	now := b.clock.Now()
	out := broker.FailOutcome{AttemptsMade: job.AttemptsMade + 1}
	if out.AttemptsMade < job.Options.Attempts && !errors.Is(cause, broker.ErrUnrecoverable) {
		out.Retry = true
		out.Delay = job.Options.Backoff.Next(out.AttemptsMade)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	retry := "0"
	if out.Retry {
		retry = "1"
	}
	code, err := failScript.Run(ctx, b.client,
		[]string{k.jobPrefix + jobID, k.active, k.leases, k.delayed, k.failed},
		token, millis(now), reason, jobID, out.AttemptsMade, retry, millis(now.Add(out.Delay)), k.jobPrefix,
	).Int64()
	if err := b.scriptResult(queue, jobID, "fail", code, err); err != nil {
		return broker.FailOutcome{}, err
	}
	return out, nil
}

// RecoverStalled requeues jobs whose lease score has passed.
func (b *Broker) RecoverStalled(ctx context.Context, queue string, maxStalled int) (broker.RecoverResult, error) {
	if err := b.checkOpen(); err != nil {
		return broker.RecoverResult{}, err
	}
	k := b.keys(queue)
	counts, err := recoverScript.Run(ctx, b.client,
		[]string{k.leases, k.active, k.wait, k.failed},
		millis(b.clock.Now()), maxStalled, k.jobPrefix, broker.StalledReason,
	).Int64Slice()
	if err != nil {
		return broker.RecoverResult{}, fmt.Errorf("%w: recover %s: %w", media.ErrBroker, queue, err)
	}
	if len(counts) != 2 {
		return broker.RecoverResult{}, fmt.Errorf("%w: recover %s: unexpected reply %v", media.ErrBroker, queue, counts)
	}
	return broker.RecoverResult{Requeued: int(counts[0]), Failed: int(counts[1])}, nil
}

// Stats reads list and set cardinalities in one round trip.
func (b *Broker) Stats(ctx context.Context, queue string) (broker.Stats, error) {
	k := b.keys(queue)
	var waiting, active, completed, failed, delayed *redis.IntCmd
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, k.wait)
		active = p.LLen(ctx, k.active)
		completed = p.ZCard(ctx, k.completed)
		failed = p.ZCard(ctx, k.failed)
		delayed = p.ZCard(ctx, k.delayed)
		return nil
	})
	if err != nil {
		return broker.Stats{}, fmt.Errorf("%w: stats %s: %w", media.ErrBroker, queue, err)
	}
	return broker.Stats{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}.Sum(), nil
}

// ListFailed returns the most recently failed jobs first.
func (b *Broker) ListFailed(ctx context.Context, queue string, limit int) ([]broker.FailedJob, error) {
	if limit <= 0 {
		limit = broker.DefaultFailedLimit
	}
	k := b.keys(queue)
	ids, err := b.client.ZRevRange(ctx, k.failed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list failed %s: %w", media.ErrBroker, queue, err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, k.jobPrefix+id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list failed %s: %w", media.ErrBroker, queue, err)
	}
	out := make([]broker.FailedJob, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		out = append(out, broker.FailedJobFrom(decodeJob(queue, id, fields)))
	}
	return out, nil
}

// Clean removes waiting, delayed, completed and failed jobs.
func (b *Broker) Clean(ctx context.Context, queue string) (broker.CleanResult, error) {
	k := b.keys(queue)
	counts, err := cleanScript.Run(ctx, b.client,
		[]string{k.wait, k.delayed, k.completed, k.failed}, k.jobPrefix,
	).Int64Slice()
	if err != nil {
		return broker.CleanResult{}, fmt.Errorf("%w: clean %s: %w", media.ErrBroker, queue, err)
	}
	if len(counts) != 3 {
		return broker.CleanResult{}, fmt.Errorf("%w: clean %s: unexpected reply %v", media.ErrBroker, queue, counts)
	}
	return broker.CleanResult{Drained: counts[0], Completed: counts[1], Failed: counts[2]}, nil
}

// CloseQueue stops this process from enqueueing to or leasing from queue.
// Other processes sharing the server are unaffected.
func (b *Broker) CloseQueue(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shut[queue] = true
	return nil
}

// Close releases the client if the broker created it.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	if !b.ownsClient {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("%w: close: %w", media.ErrBroker, err)
	}
	return nil
}

// Job loads a stored job, for inspection in tests and tooling.
func (b *Broker) Job(ctx context.Context, queue, jobID string) (broker.Job, error) {
	return b.load(ctx, queue, jobID)
}

func (b *Broker) load(ctx context.Context, queue, id string) (broker.Job, error) {
	fields, err := b.client.HGetAll(ctx, b.keys(queue).jobPrefix+id).Result()
	if err != nil {
		return broker.Job{}, fmt.Errorf("%w: load %s/%s: %w", media.ErrBroker, queue, id, err)
	}
	if len(fields) == 0 {
		return broker.Job{}, fmt.Errorf("%s/%s: %w", queue, id, broker.ErrJobNotFound)
	}
	return decodeJob(queue, id, fields), nil
}

func (b *Broker) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: %w", media.ErrBroker, broker.ErrBrokerClosed)
	}
	return nil
}

func (b *Broker) checkQueue(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: %w", media.ErrBroker, broker.ErrBrokerClosed)
	}
	if b.shut[queue] {
		return fmt.Errorf("%s: %w", queue, broker.ErrQueueClosed)
	}
	return nil
}

func (b *Broker) scriptResult(queue, jobID, op string, code int64, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s %s/%s: %w", media.ErrBroker, op, queue, jobID, err)
	}
	switch code {
	case -1:
		return fmt.Errorf("%s/%s: %w", queue, jobID, broker.ErrJobNotFound)
	case -2:
		return fmt.Errorf("%s/%s: %w", queue, jobID, broker.ErrLeaseLost)
	}
	return nil
}

func decodeJob(queue, id string, f map[string]string) broker.Job {
	return broker.Job{
		ID:      id,
		Queue:   queue,
		Name:    f["name"],
		Payload: []byte(f["data"]),
		Options: broker.Options{
			Attempts: atoi(f["attempts"]),
			Backoff: broker.Backoff{
				Type:  broker.BackoffType(f["backoffType"]),
				Delay: time.Duration(atoi64(f["backoffDelay"])) * time.Millisecond,
			},
			Timeout:       time.Duration(atoi64(f["timeout"])) * time.Millisecond,
			KeepCompleted: atoi(f["keepCompleted"]),
			KeepFailed:    atoi(f["keepFailed"]),
		},
		State:          broker.State(f["state"]),
		AttemptsMade:   atoi(f["attemptsMade"]),
		StalledCount:   atoi(f["stalledCount"]),
		FailedReason:   f["failedReason"],
		Result:         []byte(f["returnvalue"]),
		Token:          f["token"],
		Timestamp:      fromMillis(f["timestamp"]),
		ProcessedOn:    fromMillis(f["processedOn"]),
		FinishedOn:     fromMillis(f["finishedOn"]),
		RunAt:          fromMillis(f["runAt"]),
		LeaseExpiresAt: fromMillis(f["leaseExpiresAt"]),
	}
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	return time.UnixMilli(atoi64(s)).UTC()
}

func atoi(s string) int { return int(atoi64(s)) }

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
