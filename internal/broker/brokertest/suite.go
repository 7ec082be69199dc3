// Package brokertest holds a behavioural test suite shared by broker implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-scraper/internal/broker"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a Clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh broker driven by clock.
type Factory func(t *testing.T, clock *Clock) broker.Broker

const queue = "media-test"

// Run exercises the broker contract against factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	cases := map[string]func(*testing.T, broker.Broker, *Clock){
		"EnqueueLeaseComplete":      testEnqueueLeaseComplete,
		"DuplicateIDIsDetected":     testDuplicateID,
		"FIFOOrder":                 testFIFOOrder,
		"RetryWithExponentialDelay": testRetryWithExponentialDelay,
		"UnrecoverableSkipsRetries": testUnrecoverable,
		"CompletedRetention":        testCompletedRetention,
		"StalledJobRequeued":        testStalledRequeued,
		"StalledTooOftenFails":      testStalledTooOften,
		"HeartbeatKeepsLease":       testHeartbeat,
		"StaleTokenRejected":        testStaleToken,
		"LeaseBlocksUntilCanceled":  testLeaseBlocks,
		"ListFailedMostRecentFirst": testListFailed,
		"CleanDrainsAndPrunes":      testClean,
		"ClosedQueueRejectsEnqueue": testClosedQueue,
		"StatsDoNotMutate":          testStatsReadOnly,
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			clock := NewClock(time.Unix(1700000000, 0).UTC())
			b := factory(t, clock)
			t.Cleanup(func() { _ = b.Close() })
			require.NoError(t, b.Connect(context.Background()))
			fn(t, b, clock)
		})
	}
}

func opts(attempts int) broker.Options {
	return broker.Options{
		Attempts:      attempts,
		Backoff:       broker.Backoff{Type: broker.BackoffExponential, Delay: 2 * time.Second},
		Timeout:       time.Second,
		KeepCompleted: 100,
		KeepFailed:    -1,
	}
}

func enqueue(t *testing.T, b broker.Broker, id string, o broker.Options) {
	t.Helper()
	h, err := b.Enqueue(context.Background(), queue, broker.NewJob{
		ID:      id,
		Name:    "test",
		Payload: []byte(fmt.Sprintf(`{"id":%q}`, id)),
		Options: o,
	})
	require.NoError(t, err)
	require.False(t, h.Duplicate)
	require.Equal(t, id, h.ID)
}

func lease(t *testing.T, b broker.Broker) broker.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := b.Lease(ctx, queue, "w1", 5*time.Second)
	require.NoError(t, err)
	return job
}

func stats(t *testing.T, b broker.Broker) broker.Stats {
	t.Helper()
	s, err := b.Stats(context.Background(), queue)
	require.NoError(t, err)
	return s
}

func testEnqueueLeaseComplete(t *testing.T, b broker.Broker, _ *Clock) {
	ctx := context.Background()
	enqueue(t, b, "job-1", opts(2))
	require.Equal(t, int64(1), stats(t, b).Waiting)

	job := lease(t, b)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, "test", job.Name)
	require.JSONEq(t, `{"id":"job-1"}`, string(job.Payload))
	require.Equal(t, 2, job.Options.Attempts)
	require.NotEmpty(t, job.Token)
	require.Equal(t, int64(1), stats(t, b).Active)

	require.NoError(t, b.Complete(ctx, queue, job.ID, job.Token, []byte(`{"ok":true}`)))
	s := stats(t, b)
	require.Equal(t, int64(0), s.Active)
	require.Equal(t, int64(1), s.Completed)
	require.Equal(t, int64(1), s.Total)
}

func testDuplicateID(t *testing.T, b broker.Broker, _ *Clock) {
	enqueue(t, b, "dup", opts(1))
	h, err := b.Enqueue(context.Background(), queue, broker.NewJob{ID: "dup", Payload: []byte(`{}`), Options: opts(1)})
	require.NoError(t, err)
	require.True(t, h.Duplicate)
	require.Equal(t, int64(1), stats(t, b).Waiting)
}

func testFIFOOrder(t *testing.T, b broker.Broker, _ *Clock) {
	for _, id := range []string{"a", "b", "c"} {
		enqueue(t, b, id, opts(1))
	}
	for _, want := range []string{"a", "b", "c"} {
		require.Equal(t, want, lease(t, b).ID)
	}
}

func testRetryWithExponentialDelay(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	enqueue(t, b, "flaky", opts(3))

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		job := lease(t, b)
		require.Equal(t, attempt-1, job.AttemptsMade)
		out, err := b.Fail(ctx, queue, job.ID, job.Token, errors.New("fetch error: boom"))
		require.NoError(t, err)
		require.Equal(t, attempt, out.AttemptsMade)
		if attempt < 3 {
			require.True(t, out.Retry)
			require.Equal(t, int64(1), stats(t, b).Delayed)
			delays = append(delays, out.Delay)

			shortCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
			_, err := b.Lease(shortCtx, queue, "w1", time.Second)
			cancel()
			require.Error(t, err, "delayed job must not be leased before its backoff elapses")

			clock.Advance(out.Delay)
			continue
		}
		require.False(t, out.Retry)
	}
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)

	s := stats(t, b)
	require.Equal(t, int64(1), s.Failed)
	require.Equal(t, int64(0), s.Delayed)

	failed, err := b.ListFailed(ctx, queue, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "flaky", failed[0].ID)
	require.Equal(t, 3, failed[0].AttemptsMade)
	require.Equal(t, 3, failed[0].MaxAttempts)
	require.Contains(t, failed[0].FailedReason, "boom")
}

func testUnrecoverable(t *testing.T, b broker.Broker, _ *Clock) {
	enqueue(t, b, "bad", opts(5))
	job := lease(t, b)
	out, err := b.Fail(context.Background(), queue, job.ID, job.Token, broker.Unrecoverable(errors.New("malformed payload")))
	require.NoError(t, err)
	require.False(t, out.Retry)
	require.Equal(t, int64(1), stats(t, b).Failed)
}

func testCompletedRetention(t *testing.T, b broker.Broker, _ *Clock) {
	o := opts(1)
	o.KeepCompleted = 2
	for _, id := range []string{"r1", "r2", "r3"} {
		enqueue(t, b, id, o)
	}
	for range 3 {
		job := lease(t, b)
		require.NoError(t, b.Complete(context.Background(), queue, job.ID, job.Token, nil))
	}
	require.Equal(t, int64(2), stats(t, b).Completed)
}

func testStalledRequeued(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	enqueue(t, b, "crashy", opts(2))
	first := lease(t, b)

	res, err := b.RecoverStalled(ctx, queue, 2)
	require.NoError(t, err)
	require.Zero(t, res.Requeued, "lease has not expired yet")

	clock.Advance(6 * time.Second)
	res, err = b.RecoverStalled(ctx, queue, 2)
	require.NoError(t, err)
	require.Equal(t, 1, res.Requeued)
	require.Equal(t, int64(1), stats(t, b).Waiting)

	second := lease(t, b)
	require.Equal(t, "crashy", second.ID)
	require.Equal(t, 1, second.StalledCount)
	require.NotEqual(t, first.Token, second.Token)

	err = b.Complete(ctx, queue, first.ID, first.Token, nil)
	require.ErrorIs(t, err, broker.ErrLeaseLost)
	require.NoError(t, b.Complete(ctx, queue, second.ID, second.Token, nil))
}

func testStalledTooOften(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	enqueue(t, b, "doomed", opts(2))
	for range 2 {
		lease(t, b)
		clock.Advance(6 * time.Second)
		res, err := b.RecoverStalled(ctx, queue, 1)
		require.NoError(t, err)
		if res.Failed == 1 {
			break
		}
		require.Equal(t, 1, res.Requeued)
	}
	failed, err := b.ListFailed(ctx, queue, 5)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, broker.StalledReason, failed[0].FailedReason)
}

func testHeartbeat(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	enqueue(t, b, "slow", opts(1))
	job := lease(t, b)

	clock.Advance(4 * time.Second)
	require.NoError(t, b.Heartbeat(ctx, queue, job.ID, job.Token, 5*time.Second))
	clock.Advance(4 * time.Second)

	res, err := b.RecoverStalled(ctx, queue, 2)
	require.NoError(t, err)
	require.Zero(t, res.Requeued)
	require.NoError(t, b.Complete(ctx, queue, job.ID, job.Token, nil))
}

func testStaleToken(t *testing.T, b broker.Broker, _ *Clock) {
	ctx := context.Background()
	enqueue(t, b, "tok", opts(1))
	job := lease(t, b)
	require.ErrorIs(t, b.Heartbeat(ctx, queue, job.ID, "other", time.Second), broker.ErrLeaseLost)
	_, err := b.Fail(ctx, queue, job.ID, "other", errors.New("x"))
	require.ErrorIs(t, err, broker.ErrLeaseLost)
	require.ErrorIs(t, b.Complete(ctx, queue, "missing", job.Token, nil), broker.ErrJobNotFound)
}

func testLeaseBlocks(t *testing.T, b broker.Broker, _ *Clock) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Lease(ctx, queue, "w1", time.Second)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("lease returned before cancel: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("lease did not return after cancel")
	}
}

func testListFailed(t *testing.T, b broker.Broker, clock *Clock) {
	ctx := context.Background()
	for _, id := range []string{"f1", "f2", "f3"} {
		enqueue(t, b, id, opts(1))
	}
	for range 3 {
		job := lease(t, b)
		_, err := b.Fail(ctx, queue, job.ID, job.Token, errors.New("nope"))
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	failed, err := b.ListFailed(ctx, queue, 2)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	require.Equal(t, "f3", failed[0].ID)
	require.Equal(t, "f2", failed[1].ID)
	require.JSONEq(t, `{"id":"f3"}`, string(failed[0].Data))
}

func testClean(t *testing.T, b broker.Broker, _ *Clock) {
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		enqueue(t, b, id, opts(1))
	}
	done := lease(t, b)
	require.NoError(t, b.Complete(ctx, queue, done.ID, done.Token, nil))
	bad := lease(t, b)
	_, err := b.Fail(ctx, queue, bad.ID, bad.Token, errors.New("x"))
	require.NoError(t, err)

	res, err := b.Clean(ctx, queue)
	require.NoError(t, err)
	require.Equal(t, broker.CleanResult{Drained: 2, Completed: 1, Failed: 1}, res)
	require.Equal(t, int64(0), stats(t, b).Total)
}

func testClosedQueue(t *testing.T, b broker.Broker, _ *Clock) {
	require.NoError(t, b.CloseQueue(queue))
	_, err := b.Enqueue(context.Background(), queue, broker.NewJob{ID: "late", Payload: []byte(`{}`)})
	require.ErrorIs(t, err, broker.ErrQueueClosed)
}

func testStatsReadOnly(t *testing.T, b broker.Broker, _ *Clock) {
	enqueue(t, b, "s1", opts(1))
	first := stats(t, b)
	second := stats(t, b)
	require.Equal(t, first, second)
	require.Equal(t, "s1", lease(t, b).ID)
}
