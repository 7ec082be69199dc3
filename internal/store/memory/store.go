// Package memory provides an in-process media store with the same semantics as
// the Postgres store, for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/media-scraper/internal/media"
)

type key struct{ src, url string }

// Store keeps records in insertion order behind a mutex.
type Store struct {
	mu      sync.RWMutex
	records []media.Record
	index   map[key]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{index: make(map[key]struct{})}
}

var _ media.Store = (*Store)(nil)

// Exists reports whether a record with the trimmed (src, pageURL) pair exists.
func (s *Store) Exists(ctx context.Context, sourceSrc, pageURL string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: exists: %w", media.ErrStore, err)
	}
	src, url := strings.TrimSpace(sourceSrc), strings.TrimSpace(pageURL)
	if src == "" || url == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[key{src, url}]
	return ok, nil
}

// InsertMany appends records, skipping any whose (src, url) pair is already
// stored, and returns how many were added.
func (s *Store) InsertMany(ctx context.Context, records []media.Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: insert: %w", media.ErrStore, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var inserted int64
	for _, r := range records {
		k := key{r.SourceSrc, r.PageURL}
		if _, dup := s.index[k]; dup {
			continue
		}
		s.index[k] = struct{}{}
		s.records = append(s.records, r)
		inserted++
	}
	return inserted, nil
}

// Query filters by case-insensitive text across src, url and name and by exact
// kind, newest first.
func (s *Store) Query(ctx context.Context, filter media.Filter, skip, take int) (media.Page, error) {
	if err := ctx.Err(); err != nil {
		return media.Page{}, fmt.Errorf("%w: query: %w", media.ErrStore, err)
	}
	needle := strings.ToLower(strings.TrimSpace(filter.TextSearch))
	s.mu.RLock()
	matched := make([]media.Record, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if filter.Kind != "" && r.Kind != filter.Kind {
			continue
		}
		if needle != "" && !matches(r, needle) {
			continue
		}
		matched = append(matched, r)
	}
	s.mu.RUnlock()

	slices.SortStableFunc(matched, func(a, b media.Record) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	total := int64(len(matched))
	skip = max(skip, 0)
	if skip >= len(matched) {
		return media.Page{Records: []media.Record{}, Total: total}, nil
	}
	end := len(matched)
	if take > 0 {
		end = min(skip+take, end)
	}
	return media.Page{Records: matched[skip:end], Total: total}, nil
}

// Close is a no-op.
func (s *Store) Close() {}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func matches(r media.Record, needle string) bool {
	if strings.Contains(strings.ToLower(r.SourceSrc), needle) ||
		strings.Contains(strings.ToLower(r.PageURL), needle) {
		return true
	}
	return r.DisplayName != nil && strings.Contains(strings.ToLower(*r.DisplayName), needle)
}
