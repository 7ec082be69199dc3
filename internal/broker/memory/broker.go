// Package memory provides an in-process broker for local development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/media"
)

const defaultPollInterval = 100 * time.Millisecond

// Broker implements broker.Broker in memory. Lease arbitration is a single
// mutex, so a job never has two active lease holders.
type Broker struct {
	mu           sync.Mutex
	queues       map[string]*queueState
	notify       chan struct{}
	closed       bool
	clock        media.Clock
	pollInterval time.Duration
}

type queueState struct {
	jobs      map[string]*broker.Job
	waiting   []string
	active    map[string]struct{}
	delayed   map[string]struct{}
	completed []string
	failed    []string
	closed    bool
}

// Option customizes a Broker.
type Option func(*Broker)

// WithClock overrides the time source.
func WithClock(c media.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithPollInterval sets how often a blocked Lease rechecks delayed jobs.
func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// New constructs an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		queues:       make(map[string]*queueState),
		notify:       make(chan struct{}),
		clock:        media.SystemClock{},
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ broker.Broker = (*Broker)(nil)

// Connect is a no-op unless the broker was closed.
func (b *Broker) Connect(ctx context.Context) error {
	return b.Ping(ctx)
}

// Ping reports whether the broker is still open.
func (b *Broker) Ping(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: %w", media.ErrBroker, broker.ErrBrokerClosed)
	}
	return nil
}

// Enqueue stores job at the tail of the waiting list.
func (b *Broker) Enqueue(_ context.Context, queue string, job broker.NewJob) (broker.Handle, error) {
	if err := job.Validate(); err != nil {
		return broker.Handle{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.openQueue(queue)
	if err != nil {
		return broker.Handle{}, err
	}
	if _, exists := q.jobs[job.ID]; exists {
		return broker.Handle{ID: job.ID, Queue: queue, Duplicate: true}, nil
	}
	q.jobs[job.ID] = &broker.Job{
		ID:        job.ID,
		Queue:     queue,
		Name:      job.Name,
		Payload:   append([]byte(nil), job.Payload...),
		Options:   job.Options.Normalize(),
		State:     broker.StateWaiting,
		Timestamp: b.clock.Now(),
	}
	q.waiting = append(q.waiting, job.ID)
	b.broadcastLocked()
	return broker.Handle{ID: job.ID, Queue: queue}, nil
}

// Lease pops the oldest waiting job, promoting due delayed jobs first.
func (b *Broker) Lease(ctx context.Context, queue, workerID string, leaseFor time.Duration) (broker.Job, error) {
	for {
		b.mu.Lock()
		q, err := b.openQueue(queue)
		if err != nil {
			b.mu.Unlock()
			return broker.Job{}, err
		}
		now := b.clock.Now()
		b.promoteDueLocked(q, now)
		if len(q.waiting) > 0 {
			id := q.waiting[0]
			q.waiting = q.waiting[1:]
			job := q.jobs[id]
			job.State = broker.StateActive
			job.Token = workerID + ":" + uuid.NewString()
			job.ProcessedOn = now
			job.LeaseExpiresAt = now.Add(leaseFor)
			q.active[id] = struct{}{}
			out := cloneJob(job)
			b.mu.Unlock()
			return out, nil
		}
		wake := b.notify
		b.mu.Unlock()

		timer := time.NewTimer(b.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return broker.Job{}, fmt.Errorf("lease canceled: %w", ctx.Err())
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Heartbeat extends the lease held by token.
func (b *Broker) Heartbeat(_ context.Context, queue, jobID, token string, extendBy time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, err := b.leasedLocked(queue, jobID, token)
	if err != nil {
		return err
	}
	job.LeaseExpiresAt = b.clock.Now().Add(extendBy)
	return nil
}

// Complete marks the job completed and trims retention.
func (b *Broker) Complete(_ context.Context, queue, jobID, token string, result []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, err := b.leasedLocked(queue, jobID, token)
	if err != nil {
		return err
	}
	q := b.queues[queue]
	delete(q.active, jobID)
	job.State = broker.StateCompleted
	job.Token = ""
	job.FinishedOn = b.clock.Now()
	job.Result = append([]byte(nil), result...)
	q.completed = append(q.completed, jobID)
	q.completed = q.trimLocked(q.completed, job.Options.KeepCompleted)
	return nil
}

// Fail records the attempt and schedules a retry while attempts remain.
func (b *Broker) Fail(_ context.Context, queue, jobID, token string, cause error) (broker.FailOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, err := b.leasedLocked(queue, jobID, token)
	if err != nil {
		return broker.FailOutcome{}, err
	}
	q := b.queues[queue]
	delete(q.active, jobID)
	job.Token = ""
	job.AttemptsMade++
	if cause != nil {
		job.FailedReason = cause.Error()
	}
	now := b.clock.Now()
	outcome := broker.FailOutcome{AttemptsMade: job.AttemptsMade}
	if job.AttemptsMade < job.Options.Attempts && !errors.Is(cause, broker.ErrUnrecoverable) {
		outcome.Retry = true
		outcome.Delay = job.Options.Backoff.Next(job.AttemptsMade)
		job.State = broker.StateDelayed
		job.RunAt = now.Add(outcome.Delay)
		q.delayed[jobID] = struct{}{}
		return outcome, nil
	}
	b.failLocked(q, job, now)
	return outcome, nil
}

// RecoverStalled requeues expired leases at the head of the waiting list.
func (b *Broker) RecoverStalled(_ context.Context, queue string, maxStalled int) (broker.RecoverResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.RecoverResult{}, fmt.Errorf("%w: %w", media.ErrBroker, broker.ErrBrokerClosed)
	}
	q := b.queueLocked(queue)
	now := b.clock.Now()

	var expired []*broker.Job
	for id := range q.active {
		job := q.jobs[id]
		if now.After(job.LeaseExpiresAt) {
			expired = append(expired, job)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ProcessedOn.Before(expired[j].ProcessedOn) })

	var res broker.RecoverResult
	var requeue []string
	for _, job := range expired {
		delete(q.active, job.ID)
		job.Token = ""
		job.StalledCount++
		if job.StalledCount > maxStalled {
			job.FailedReason = broker.StalledReason
			b.failLocked(q, job, now)
			res.Failed++
			continue
		}
		job.State = broker.StateWaiting
		requeue = append(requeue, job.ID)
		res.Requeued++
	}
	if len(requeue) > 0 {
		q.waiting = append(requeue, q.waiting...)
		b.broadcastLocked()
	}
	return res, nil
}

// Stats counts jobs per state.
func (b *Broker) Stats(_ context.Context, queue string) (broker.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(queue)
	return broker.Stats{
		Queue:     queue,
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
		Delayed:   int64(len(q.delayed)),
	}.Sum(), nil
}

// ListFailed returns the most recently failed jobs first.
func (b *Broker) ListFailed(_ context.Context, queue string, limit int) ([]broker.FailedJob, error) {
	if limit <= 0 {
		limit = broker.DefaultFailedLimit
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(queue)
	out := make([]broker.FailedJob, 0, min(limit, len(q.failed)))
	for i := len(q.failed) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, broker.FailedJobFrom(*q.jobs[q.failed[i]]))
	}
	return out, nil
}

// Clean drains waiting and delayed jobs and prunes completed and failed ones.
func (b *Broker) Clean(_ context.Context, queue string) (broker.CleanResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(queue)
	res := broker.CleanResult{
		Drained:   int64(len(q.waiting) + len(q.delayed)),
		Completed: int64(len(q.completed)),
		Failed:    int64(len(q.failed)),
	}
	for _, id := range q.waiting {
		delete(q.jobs, id)
	}
	for id := range q.delayed {
		delete(q.jobs, id)
	}
	for _, id := range q.completed {
		delete(q.jobs, id)
	}
	for _, id := range q.failed {
		delete(q.jobs, id)
	}
	q.waiting = nil
	q.delayed = make(map[string]struct{})
	q.completed = nil
	q.failed = nil
	return res, nil
}

// CloseQueue rejects further enqueues and leases on queue.
func (b *Broker) CloseQueue(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueLocked(queue).closed = true
	b.broadcastLocked()
	return nil
}

// Close shuts the broker down and wakes blocked leases.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.broadcastLocked()
	return nil
}

// Job returns a copy of a stored job, for inspection in tests and tooling.
func (b *Broker) Job(queue, jobID string) (broker.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.queueLocked(queue).jobs[jobID]
	if !ok {
		return broker.Job{}, false
	}
	return cloneJob(job), true
}

func (b *Broker) queueLocked(name string) *queueState {
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{
			jobs:    make(map[string]*broker.Job),
			active:  make(map[string]struct{}),
			delayed: make(map[string]struct{}),
		}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) openQueue(name string) (*queueState, error) {
	if b.closed {
		return nil, fmt.Errorf("%w: %w", media.ErrBroker, broker.ErrBrokerClosed)
	}
	q := b.queueLocked(name)
	if q.closed {
		return nil, fmt.Errorf("%s: %w", name, broker.ErrQueueClosed)
	}
	return q, nil
}

func (b *Broker) leasedLocked(queue, jobID, token string) (*broker.Job, error) {
	job, ok := b.queueLocked(queue).jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", queue, jobID, broker.ErrJobNotFound)
	}
	if job.State != broker.StateActive || job.Token != token {
		return nil, fmt.Errorf("%s/%s: %w", queue, jobID, broker.ErrLeaseLost)
	}
	return job, nil
}

func (b *Broker) promoteDueLocked(q *queueState, now time.Time) {
	var due []*broker.Job
	for id := range q.delayed {
		job := q.jobs[id]
		if !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	for _, job := range due {
		delete(q.delayed, job.ID)
		job.State = broker.StateWaiting
		q.waiting = append(q.waiting, job.ID)
	}
}

func (b *Broker) failLocked(q *queueState, job *broker.Job, now time.Time) {
	job.State = broker.StateFailed
	job.FinishedOn = now
	q.failed = append(q.failed, job.ID)
	q.failed = q.trimLocked(q.failed, job.Options.KeepFailed)
}

// trimLocked drops the oldest ids beyond keep; a negative keep retains all.
func (q *queueState) trimLocked(ids []string, keep int) []string {
	if keep < 0 || len(ids) <= keep {
		return ids
	}
	drop := len(ids) - keep
	for _, id := range ids[:drop] {
		delete(q.jobs, id)
	}
	return append([]string(nil), ids[drop:]...)
}

func (b *Broker) broadcastLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func cloneJob(j *broker.Job) broker.Job {
	out := *j
	out.Payload = append([]byte(nil), j.Payload...)
	out.Result = append([]byte(nil), j.Result...)
	return out
}
