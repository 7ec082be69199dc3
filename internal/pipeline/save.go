package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/id/uuid"
	"github.com/JakeFAU/media-scraper/internal/media"
	"github.com/JakeFAU/media-scraper/internal/metrics"
)

// SaveStage handles jobs from the save queue.
type SaveStage struct {
	writer media.BatchWriter
	clock  media.Clock
	newID  func() string
	logger *zap.Logger
}

// NewSaveStage constructs a SaveStage. Record ids are UUIDv7 so they sort by
// creation time.
func NewSaveStage(writer media.BatchWriter, clock media.Clock, logger *zap.Logger) *SaveStage {
	if clock == nil {
		clock = media.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &SaveStage{writer: writer, clock: clock, newID: uuid.NewRecordID, logger: logger}
}

// Handle inserts the whole batch in one write. A failed insert fails the job
// and the broker retries the full batch.
func (s *SaveStage) Handle(ctx context.Context, job broker.Job) ([]byte, error) {
	p, err := DecodeSave(job.Payload)
	if err != nil {
		return nil, classify(err)
	}
	now := s.clock.Now()
	records := make([]media.Record, 0, len(p.Media))
	for _, c := range p.Media {
		records = append(records, media.NewRecord(s.newID(), c, now))
	}
	s.logger.Info("processing save batch", zap.String("job_id", job.ID), zap.Int("count", len(records)))

	inserted, err := s.writer.InsertMany(ctx, records)
	if err != nil {
		if !errors.Is(err, media.ErrStore) {
			err = fmt.Errorf("%w: %w", media.ErrStore, err)
		}
		return nil, fmt.Errorf("insert batch of %d: %w", len(records), err)
	}
	metrics.ObserveSaved(inserted)
	if skipped := int64(len(records)) - inserted; skipped > 0 {
		s.logger.Info("batch rows already stored", zap.String("job_id", job.ID), zap.Int64("skipped", skipped))
	}

	out, err := json.Marshal(SaveResult{Count: len(records), Inserted: inserted, JobID: job.ID})
	if err != nil {
		return nil, fmt.Errorf("encode save result: %w", err)
	}
	return out, nil
}
