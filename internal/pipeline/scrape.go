package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/media"
	"github.com/JakeFAU/media-scraper/internal/metrics"
)

// CandidateFilter removes candidates that are already stored.
type CandidateFilter interface {
	FilterNew(ctx context.Context, candidates []media.Candidate, pageURL string) ([]media.Candidate, error)
}

// SaveEnqueuer durably queues a save batch.
type SaveEnqueuer interface {
	EnqueueSave(ctx context.Context, batch []media.Candidate) (broker.Handle, error)
}

// ScrapeStage handles jobs from the scrape queue.
type ScrapeStage struct {
	extractor media.Extractor
	filter    CandidateFilter
	saver     SaveEnqueuer
	logger    *zap.Logger
}

// NewScrapeStage constructs a ScrapeStage.
func NewScrapeStage(extractor media.Extractor, filter CandidateFilter, saver SaveEnqueuer, logger *zap.Logger) *ScrapeStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &ScrapeStage{extractor: extractor, filter: filter, saver: saver, logger: logger}
}

// Handle extracts, dedups and forwards one page. It returns only after the
// save job is durably queued, so a completed scrape never loses its batch.
func (s *ScrapeStage) Handle(ctx context.Context, job broker.Job) ([]byte, error) {
	p, err := DecodeScrape(job.Payload)
	if err != nil {
		return nil, classify(err)
	}
	logger := s.logger.With(zap.String("job_id", job.ID), zap.String("url", p.URL))
	logger.Info("processing scrape job")

	found, err := s.extractor.Extract(ctx, p.URL)
	if err != nil {
		metrics.ObserveScrape(p.URL, "error")
		return nil, classify(fmt.Errorf("extract %s: %w", p.URL, err))
	}
	metrics.ObserveScrape(p.URL, "ok")

	fresh, err := s.filter.FilterNew(ctx, found, p.URL)
	if err != nil {
		return nil, fmt.Errorf("dedup %s: %w", p.URL, err)
	}
	metrics.ObserveCandidates(len(found), len(fresh))

	res := ScrapeResult{URL: p.URL, MediaCount: len(found), Forwarded: len(fresh)}
	if len(fresh) > 0 {
		h, err := s.saver.EnqueueSave(ctx, fresh)
		if err != nil {
			return nil, fmt.Errorf("enqueue save for %s: %w", p.URL, err)
		}
		res.SaveJobID = h.ID
		logger.Info("forwarded media to save queue", zap.Int("count", len(fresh)), zap.String("save_job_id", h.ID))
	}

	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode scrape result: %w", err)
	}
	return out, nil
}
