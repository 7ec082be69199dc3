// Package dedup drops media candidates that are already stored.
package dedup

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/media-scraper/internal/media"
)

const defaultParallelism = 4

// Filter checks candidates against the store.
type Filter struct {
	checker     media.ExistenceChecker
	parallelism int
	logger      *zap.Logger
}

// Option customizes a Filter.
type Option func(*Filter)

// WithParallelism bounds concurrent existence checks for one page.
func WithParallelism(n int) Option {
	return func(f *Filter) {
		if n > 0 {
			f.parallelism = n
		}
	}
}

// New constructs a Filter.
func New(checker media.ExistenceChecker, logger *zap.Logger, opts ...Option) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Filter{checker: checker, parallelism: defaultParallelism, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FilterNew returns the candidates with no stored (src, pageURL) match, in
// input order. A failed existence check fails the whole call with
// media.ErrStore so the enclosing job is retried instead of risking a
// duplicate insert.
func (f *Filter) FilterNew(ctx context.Context, candidates []media.Candidate, pageURL string) ([]media.Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	exists := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallelism)
	for i, c := range candidates {
		g.Go(func() error {
			found, err := f.checker.Exists(gctx, c.SourceSrc, pageURL)
			if err != nil {
				return fmt.Errorf("%w: exists %q: %w", media.ErrStore, c.SourceSrc, err)
			}
			exists[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]media.Candidate, 0, len(candidates))
	for i, c := range candidates {
		if !exists[i] {
			out = append(out, c)
		}
	}
	f.logger.Debug("dedup filtered candidates",
		zap.String("url", pageURL),
		zap.Int("count", len(candidates)),
		zap.Int("new", len(out)),
	)
	return out, nil
}
