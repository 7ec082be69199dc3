package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-scraper/internal/media"
)

func record(id, src, url string, kind media.Kind, name string, at time.Time) media.Record {
	return media.NewRecord(id, media.Candidate{Kind: kind, SourceSrc: src, PageURL: url, DisplayName: name}, at)
}

func TestInsertManySkipsStoredPairs(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	n, err := s.InsertMany(ctx, []media.Record{
		record("1", "https://cdn.test/a.png", "https://page.test", media.KindImage, "", now),
		record("2", "https://cdn.test/b.mp4", "https://page.test", media.KindVideo, "", now),
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = s.InsertMany(ctx, []media.Record{
		record("3", "https://cdn.test/a.png", "https://page.test", media.KindImage, "", now),
		record("4", "https://cdn.test/a.png", "https://other.test", media.KindImage, "", now),
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, 3, s.Len())
}

func TestExistsTrimsAndRejectsEmpty(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_, err := s.InsertMany(ctx, []media.Record{
		record("1", "https://cdn.test/a.png", "https://page.test", media.KindImage, "", time.Now()),
	})
	require.NoError(t, err)

	ok, err := s.Exists(ctx, "  https://cdn.test/a.png ", "https://page.test\n")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Exists(ctx, "", "https://page.test")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueryFiltersAndPages(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	_, err := s.InsertMany(ctx, []media.Record{
		record("1", "https://cdn.test/cat.png", "https://pets.test", media.KindImage, "A Cat", base),
		record("2", "https://cdn.test/dog.png", "https://pets.test", media.KindImage, "", base.Add(time.Second)),
		record("3", "https://cdn.test/cat.mp4", "https://pets.test", media.KindVideo, "", base.Add(2*time.Second)),
	})
	require.NoError(t, err)

	page, err := s.Query(ctx, media.Filter{}, 0, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), page.Total)
	require.Equal(t, []string{"3", "2"}, ids(page.Records))

	page, err = s.Query(ctx, media.Filter{TextSearch: "CAT"}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"3", "1"}, ids(page.Records))

	page, err = s.Query(ctx, media.Filter{TextSearch: "cat", Kind: media.KindImage}, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, ids(page.Records))

	page, err = s.Query(ctx, media.Filter{}, 5, 10)
	require.NoError(t, err)
	require.Empty(t, page.Records)
	require.Equal(t, int64(3), page.Total)
}

func TestCanceledContextIsStoreError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Exists(ctx, "a", "b")
	require.ErrorIs(t, err, media.ErrStore)
}

func ids(records []media.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
