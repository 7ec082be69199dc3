// Package broker defines the durable job queue contract used by the pipeline:
// leased at-least-once delivery, exponential retry scheduling, stalled-job
// recovery and read-only inspection. Implementations live in subpackages.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Broker sentinel errors.
var (
	ErrQueueClosed   = errors.New("queue closed")
	ErrBrokerClosed  = errors.New("broker closed")
	ErrLeaseLost     = errors.New("lease lost")
	ErrJobNotFound   = errors.New("job not found")
	ErrUnknownQueue  = errors.New("unknown queue")
	ErrUnrecoverable = errors.New("unrecoverable job failure")
	ErrInvalidJob    = errors.New("invalid job")
)

// StalledReason is recorded on jobs failed by stall recovery.
const StalledReason = "job stalled more than allowable limit"

// Broker is the durable queue collaborator.
type Broker interface {
	// Connect establishes the underlying connection. It is safe to call more than once.
	Connect(ctx context.Context) error
	// Ping checks the connection is usable.
	Ping(ctx context.Context) error
	// Enqueue durably stores a job. An ID that already exists is not added
	// again; its handle is returned with Duplicate set.
	Enqueue(ctx context.Context, queue string, job NewJob) (Handle, error)
	// Lease blocks until a job is available for workerID or ctx ends. The
	// lease lasts for leaseFor unless extended by Heartbeat.
	Lease(ctx context.Context, queue, workerID string, leaseFor time.Duration) (Job, error)
	// Heartbeat extends an active lease.
	Heartbeat(ctx context.Context, queue, jobID, token string, extendBy time.Duration) error
	// Complete marks a leased job done and applies completed-job retention.
	Complete(ctx context.Context, queue, jobID, token string, result []byte) error
	// Fail records a failed attempt and either schedules a retry or marks the
	// job permanently failed.
	Fail(ctx context.Context, queue, jobID, token string, cause error) (FailOutcome, error)
	// RecoverStalled requeues jobs whose lease expired without a heartbeat.
	RecoverStalled(ctx context.Context, queue string, maxStalled int) (RecoverResult, error)
	// Stats returns job counts per state without mutating the queue.
	Stats(ctx context.Context, queue string) (Stats, error)
	// ListFailed returns up to limit permanently failed jobs, most recent first.
	ListFailed(ctx context.Context, queue string, limit int) ([]FailedJob, error)
	// Clean drains waiting and delayed jobs and prunes completed and failed ones.
	Clean(ctx context.Context, queue string) (CleanResult, error)
	// CloseQueue stops the queue from accepting new jobs or leases.
	CloseQueue(queue string) error
	// Close releases the connection.
	Close() error
}

// BackoffType selects the retry delay curve.
type BackoffType string

// Backoff curves.
const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Backoff describes the delay before a retry.
type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the delay before the retry that follows attemptsMade failed attempts.
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Delay <= 0 || attemptsMade < 1 {
		return 0
	}
	if b.Type == BackoffFixed {
		return b.Delay
	}
	return time.Duration(float64(b.Delay) * math.Pow(2, float64(attemptsMade-1)))
}

// Options are the per-job delivery settings.
type Options struct {
	Attempts int           `json:"attempts"`
	Backoff  Backoff       `json:"backoff"`
	Timeout  time.Duration `json:"timeout"`
	// KeepCompleted bounds retained completed jobs; negative keeps all.
	KeepCompleted int `json:"keepCompleted"`
	// KeepFailed bounds retained failed jobs; negative keeps all.
	KeepFailed int `json:"keepFailed"`
}

// Normalize fills in minimum values.
func (o Options) Normalize() Options {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	return o
}

// NewJob is a job to enqueue.
type NewJob struct {
	ID      string
	Name    string
	Payload []byte
	Options Options
}

// Validate checks the job can be stored.
func (j NewJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidJob)
	}
	if len(j.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidJob)
	}
	return nil
}

// Handle identifies an enqueued job.
type Handle struct {
	ID        string `json:"id"`
	Queue     string `json:"queue"`
	Duplicate bool   `json:"duplicate"`
}

// State is a job's position in its lifecycle.
type State string

// Job states.
const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is a leased or stored job.
type Job struct {
	ID             string
	Queue          string
	Name           string
	Payload        []byte
	Options        Options
	State          State
	AttemptsMade   int
	StalledCount   int
	FailedReason   string
	Result         []byte
	Token          string
	Timestamp      time.Time
	ProcessedOn    time.Time
	FinishedOn     time.Time
	RunAt          time.Time
	LeaseExpiresAt time.Time
}

// FailOutcome reports what Fail decided.
type FailOutcome struct {
	Retry        bool
	Delay        time.Duration
	AttemptsMade int
}

// RecoverResult reports a stall recovery pass.
type RecoverResult struct {
	Requeued int
	Failed   int
}

// Stats are per-state job counts.
type Stats struct {
	Queue     string `json:"name"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Total     int64  `json:"total"`
}

// Sum fills in Total.
func (s Stats) Sum() Stats {
	s.Total = s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
	return s
}

// FailedJob is the inspection view of a permanently failed job.
type FailedJob struct {
	ID           string          `json:"id"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"maxAttempts"`
	FailedReason string          `json:"failedReason"`
	Timestamp    time.Time       `json:"timestamp"`
}

// CleanResult counts what Clean removed.
type CleanResult struct {
	Drained   int64 `json:"drained"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Unrecoverable wraps err so Fail skips remaining attempts.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// FailedJobFrom builds the inspection view of j.
func FailedJobFrom(j Job) FailedJob {
	data := json.RawMessage(j.Payload)
	if !json.Valid(data) {
		quoted, _ := json.Marshal(string(j.Payload))
		data = quoted
	}
	return FailedJob{
		ID:           j.ID,
		Data:         data,
		AttemptsMade: j.AttemptsMade,
		MaxAttempts:  j.Options.Attempts,
		FailedReason: j.FailedReason,
		Timestamp:    j.Timestamp,
	}
}

// DefaultFailedLimit is used when ListFailed is called with a non-positive limit.
const DefaultFailedLimit = 10
