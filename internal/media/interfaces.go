package media

import (
	"context"
	"time"
)

// Extractor fetches a page and returns the media it references.
type Extractor interface {
	Extract(ctx context.Context, pageURL string) ([]Candidate, error)
}

// ExistenceChecker answers whether a (src, pageURL) pair is already stored.
type ExistenceChecker interface {
	Exists(ctx context.Context, sourceSrc, pageURL string) (bool, error)
}

// BatchWriter persists a batch of records in one write and returns how many
// rows were inserted.
type BatchWriter interface {
	InsertMany(ctx context.Context, records []Record) (int64, error)
}

// Querier serves the browse/search read path.
type Querier interface {
	Query(ctx context.Context, filter Filter, skip, take int) (Page, error)
}

// Store is the full relational store contract.
type Store interface {
	ExistenceChecker
	BatchWriter
	Querier
	Close()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock with the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
