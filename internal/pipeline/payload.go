package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/media"
)

// Queue names.
const (
	ScrapeQueue = "media-scrape"
	SaveQueue   = "media-save"
)

// Job names recorded on the broker.
const (
	scrapeJobName = "scrape"
	saveJobName   = "save-batch"
)

// ScrapePayload is the fixed schema of a scrape job.
type ScrapePayload struct {
	URL string `json:"url"`
}

// Validate checks the payload carries a URL.
func (p ScrapePayload) Validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("%w: url is required", media.ErrValidation)
	}
	return nil
}

// SavePayload is the fixed schema of a save job.
type SavePayload struct {
	Media []media.Candidate `json:"mediaArray"`
}

// Validate checks the batch is non-empty and every candidate is storable.
func (p SavePayload) Validate() error {
	if len(p.Media) == 0 {
		return fmt.Errorf("%w: save batch is empty", media.ErrValidation)
	}
	for i, c := range p.Media {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("media[%d]: %w", i, err)
		}
	}
	return nil
}

// ScrapeResult is stored on a completed scrape job.
type ScrapeResult struct {
	URL        string `json:"url"`
	MediaCount int    `json:"mediaCount"`
	Forwarded  int    `json:"forwarded"`
	SaveJobID  string `json:"saveJobId,omitempty"`
}

// SaveResult is stored on a completed save job.
type SaveResult struct {
	Count    int    `json:"count"`
	Inserted int64  `json:"inserted"`
	JobID    string `json:"jobId"`
}

// DecodeScrape strictly decodes and validates a scrape payload.
func DecodeScrape(data []byte) (ScrapePayload, error) {
	var p ScrapePayload
	if err := decodeStrict(data, &p); err != nil {
		return ScrapePayload{}, err
	}
	return p, p.Validate()
}

// DecodeSave strictly decodes and validates a save payload.
func DecodeSave(data []byte) (SavePayload, error) {
	var p SavePayload
	if err := decodeStrict(data, &p); err != nil {
		return SavePayload{}, err
	}
	return p, p.Validate()
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: decode payload: %w", media.ErrValidation, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data after payload", media.ErrValidation)
	}
	return nil
}

// classify marks permanent failures so the broker skips remaining attempts.
func classify(err error) error {
	if media.Retryable(err) {
		return err
	}
	return broker.Unrecoverable(err)
}
