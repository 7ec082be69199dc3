// Package media defines the domain types, collaborator contracts and error
// taxonomy shared by the ingestion pipeline.
package media

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the media category of a candidate.
type Kind string

// Supported media kinds.
const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// ParseKind validates a kind string coming from a payload or query.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindImage:
		return KindImage, nil
	case KindVideo:
		return KindVideo, nil
	default:
		return "", fmt.Errorf("%w: unknown media kind %q", ErrValidation, s)
	}
}

// Candidate is a media reference discovered on a page but not yet known to
// exist in the store.
type Candidate struct {
	Kind        Kind   `json:"type"`
	SourceSrc   string `json:"src"`
	PageURL     string `json:"url"`
	DisplayName string `json:"name,omitempty"`
}

// Validate checks the fields every stored candidate must carry.
func (c Candidate) Validate() error {
	if c.Kind != KindImage && c.Kind != KindVideo {
		return fmt.Errorf("%w: unknown media kind %q", ErrValidation, c.Kind)
	}
	if strings.TrimSpace(c.SourceSrc) == "" {
		return fmt.Errorf("%w: candidate src is empty", ErrValidation)
	}
	if strings.TrimSpace(c.PageURL) == "" {
		return fmt.Errorf("%w: candidate page url is empty", ErrValidation)
	}
	return nil
}

// Record is the persisted form of a Candidate.
type Record struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"type"`
	SourceSrc   string    `json:"src"`
	PageURL     string    `json:"url"`
	DisplayName *string   `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewRecord normalizes a candidate into a record ready for insertion.
func NewRecord(id string, c Candidate, createdAt time.Time) Record {
	rec := Record{
		ID:        id,
		Kind:      Kind(strings.TrimSpace(string(c.Kind))),
		SourceSrc: strings.TrimSpace(c.SourceSrc),
		PageURL:   strings.TrimSpace(c.PageURL),
		CreatedAt: createdAt,
	}
	if name := strings.TrimSpace(c.DisplayName); name != "" {
		rec.DisplayName = &name
	}
	return rec
}

// Filter narrows a store query.
type Filter struct {
	TextSearch string
	Kind       Kind
}

// Page is one page of query results.
type Page struct {
	Records []Record
	Total   int64
}
