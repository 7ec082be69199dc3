package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/broker/memory"
)

const testQueue = "media-worker-test"

func newBroker() *memory.Broker {
	return memory.New(memory.WithPollInterval(5 * time.Millisecond))
}

func enqueue(t *testing.T, b broker.Broker, id string, opts broker.Options) {
	t.Helper()
	_, err := b.Enqueue(context.Background(), testQueue, broker.NewJob{
		ID:      id,
		Payload: []byte(fmt.Sprintf(`{"id":%q}`, id)),
		Options: opts,
	})
	require.NoError(t, err)
}

func startPool(t *testing.T, b broker.Broker, h Handler, cfg Config) (stop func()) {
	t.Helper()
	cfg.Queue = testQueue
	pool := New(b, h, cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Error("pool did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func stats(t *testing.T, b broker.Broker) broker.Stats {
	t.Helper()
	s, err := b.Stats(context.Background(), testQueue)
	require.NoError(t, err)
	return s
}

func TestPoolCompletesJobsAndStoresResult(t *testing.T) {
	t.Parallel()

	b := newBroker()
	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, b, id, broker.Options{Attempts: 1, KeepCompleted: -1})
	}
	startPool(t, b, func(_ context.Context, job broker.Job) ([]byte, error) {
		return []byte(fmt.Sprintf(`{"seen":%q}`, job.ID)), nil
	}, Config{Concurrency: 2})

	require.Eventually(t, func() bool { return stats(t, b).Completed == 3 }, 2*time.Second, 10*time.Millisecond)
	job, ok := b.Job(testQueue, "b")
	require.True(t, ok)
	require.JSONEq(t, `{"seen":"b"}`, string(job.Result))
}

func TestPoolFailureRetriesThenFails(t *testing.T) {
	t.Parallel()

	b := newBroker()
	enqueue(t, b, "flaky", broker.Options{
		Attempts:   2,
		Backoff:    broker.Backoff{Type: broker.BackoffExponential, Delay: 10 * time.Millisecond},
		KeepFailed: -1,
	})
	var calls atomic.Int32
	startPool(t, b, func(context.Context, broker.Job) ([]byte, error) {
		calls.Add(1)
		return nil, errors.New("fetch error: connection refused")
	}, Config{Concurrency: 1})

	require.Eventually(t, func() bool { return stats(t, b).Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), calls.Load())

	failed, err := b.ListFailed(context.Background(), testQueue, 5)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 2, failed[0].AttemptsMade)
	require.Contains(t, failed[0].FailedReason, "connection refused")
}

func TestPoolPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	b := newBroker()
	enqueue(t, b, "boom", broker.Options{Attempts: 1, KeepFailed: -1})
	startPool(t, b, func(context.Context, broker.Job) ([]byte, error) {
		panic("nil map")
	}, Config{})

	require.Eventually(t, func() bool { return stats(t, b).Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	job, ok := b.Job(testQueue, "boom")
	require.True(t, ok)
	require.Contains(t, job.FailedReason, "handler panic: nil map")
}

func TestPoolRespectsConcurrency(t *testing.T) {
	t.Parallel()

	b := newBroker()
	for i := range 6 {
		enqueue(t, b, fmt.Sprintf("j%d", i), broker.Options{Attempts: 1, KeepCompleted: -1})
	}
	var current, peak atomic.Int32
	startPool(t, b, func(context.Context, broker.Job) ([]byte, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	}, Config{Concurrency: 2})

	require.Eventually(t, func() bool { return stats(t, b).Completed == 6 }, 3*time.Second, 10*time.Millisecond)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolStopWaitsForInFlightJob(t *testing.T) {
	t.Parallel()

	b := newBroker()
	enqueue(t, b, "slow", broker.Options{Attempts: 1, Timeout: 5 * time.Second, KeepCompleted: -1})
	started := make(chan struct{})
	release := make(chan struct{})
	stop := startPool(t, b, func(ctx context.Context, _ broker.Job) ([]byte, error) {
		close(started)
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, Config{Concurrency: 1})

	<-started
	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("pool stopped while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-stopped
	require.Equal(t, int64(1), stats(t, b).Completed)
}

func TestPoolEnforcesJobTimeout(t *testing.T) {
	t.Parallel()

	b := newBroker()
	enqueue(t, b, "hang", broker.Options{Attempts: 1, Timeout: 20 * time.Millisecond, KeepFailed: -1})
	startPool(t, b, func(ctx context.Context, _ broker.Job) ([]byte, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("extract: %w", ctx.Err())
	}, Config{})

	require.Eventually(t, func() bool { return stats(t, b).Failed == 1 }, 2*time.Second, 10*time.Millisecond)
	job, _ := b.Job(testQueue, "hang")
	require.Contains(t, job.FailedReason, context.DeadlineExceeded.Error())
}

func TestPoolHeartbeatPreventsStallRecovery(t *testing.T) {
	t.Parallel()

	b := newBroker()
	enqueue(t, b, "long", broker.Options{Attempts: 1, Timeout: 5 * time.Second, KeepCompleted: -1})
	var calls atomic.Int32
	startPool(t, b, func(context.Context, broker.Job) ([]byte, error) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	}, Config{Concurrency: 1, StallInterval: 60 * time.Millisecond})

	require.Eventually(t, func() bool { return stats(t, b).Completed == 1 }, 2*time.Second, 10*time.Millisecond)
	job, _ := b.Job(testQueue, "long")
	require.Zero(t, job.StalledCount)
	require.Equal(t, int32(1), calls.Load())
}

func TestPoolExitsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	b := newBroker()
	var calls atomic.Int32
	startPool(t, b, func(context.Context, broker.Job) ([]byte, error) {
		calls.Add(1)
		return nil, nil
	}, Config{Concurrency: 2})

	require.NoError(t, b.CloseQueue(testQueue))
	_, err := b.Enqueue(context.Background(), testQueue, broker.NewJob{ID: "late", Payload: []byte(`{}`)})
	require.ErrorIs(t, err, broker.ErrQueueClosed)
	require.Zero(t, calls.Load())
}
