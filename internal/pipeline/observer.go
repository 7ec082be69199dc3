package pipeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/JakeFAU/media-scraper/internal/broker"
)

// Observer reads queue state for operators. Only Clean mutates anything.
type Observer struct {
	broker broker.Broker
	queues []string
}

// NewObserver returns an Observer over the scrape and save queues.
func NewObserver(b broker.Broker) *Observer {
	return &Observer{broker: b, queues: []string{ScrapeQueue, SaveQueue}}
}

// Queues lists the observable queue names.
func (o *Observer) Queues() []string {
	return slices.Clone(o.queues)
}

// Stats returns per-state counts for queue.
func (o *Observer) Stats(ctx context.Context, queue string) (broker.Stats, error) {
	if err := o.known(queue); err != nil {
		return broker.Stats{}, err
	}
	s, err := o.broker.Stats(ctx, queue)
	if err != nil {
		return broker.Stats{}, fmt.Errorf("stats %s: %w", queue, err)
	}
	return s, nil
}

// AllStats returns stats for every queue in a stable order.
func (o *Observer) AllStats(ctx context.Context) ([]broker.Stats, error) {
	out := make([]broker.Stats, 0, len(o.queues))
	for _, q := range o.queues {
		s, err := o.Stats(ctx, q)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ListFailed returns up to limit permanently failed jobs, most recent first.
func (o *Observer) ListFailed(ctx context.Context, queue string, limit int) ([]broker.FailedJob, error) {
	if err := o.known(queue); err != nil {
		return nil, err
	}
	jobs, err := o.broker.ListFailed(ctx, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed %s: %w", queue, err)
	}
	return jobs, nil
}

// CleanReport describes one maintenance pass.
type CleanReport struct {
	Queue  string             `json:"queue"`
	Before broker.Stats       `json:"before"`
	After  broker.Stats       `json:"after"`
	Result broker.CleanResult `json:"result"`
}

// Clean drains waiting and delayed jobs and prunes completed and failed ones.
// Active jobs are left alone. It is an operator action, never part of the
// pipeline.
func (o *Observer) Clean(ctx context.Context, queue string) (CleanReport, error) {
	before, err := o.Stats(ctx, queue)
	if err != nil {
		return CleanReport{}, err
	}
	res, err := o.broker.Clean(ctx, queue)
	if err != nil {
		return CleanReport{}, fmt.Errorf("clean %s: %w", queue, err)
	}
	after, err := o.Stats(ctx, queue)
	if err != nil {
		return CleanReport{}, err
	}
	return CleanReport{Queue: queue, Before: before, After: after, Result: res}, nil
}

func (o *Observer) known(queue string) error {
	if !slices.Contains(o.queues, queue) {
		return fmt.Errorf("%q: %w", queue, broker.ErrUnknownQueue)
	}
	return nil
}
