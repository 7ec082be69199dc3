package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/broker"
	brokermem "github.com/JakeFAU/media-scraper/internal/broker/memory"
	"github.com/JakeFAU/media-scraper/internal/media"
)

type fakeFilter struct {
	keep func([]media.Candidate) []media.Candidate
	err  error
}

func (f fakeFilter) FilterNew(_ context.Context, c []media.Candidate, _ string) ([]media.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.keep == nil {
		return c, nil
	}
	return f.keep(c), nil
}

type fakeSaver struct {
	batches [][]media.Candidate
	err     error
}

func (f *fakeSaver) EnqueueSave(_ context.Context, batch []media.Candidate) (broker.Handle, error) {
	if f.err != nil {
		return broker.Handle{}, f.err
	}
	f.batches = append(f.batches, batch)
	return broker.Handle{ID: "save-1", Queue: SaveQueue}, nil
}

type fakeWriter struct {
	got      []media.Record
	inserted int64
	err      error
}

func (f *fakeWriter) InsertMany(_ context.Context, records []media.Record) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.got = records
	return f.inserted, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func scrapeJob(payload string) broker.Job {
	return broker.Job{ID: "scrape-1", Queue: ScrapeQueue, Payload: []byte(payload)}
}

func TestScrapeStageForwardsOnlyNewCandidates(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{pages: map[string][]media.Candidate{pageA: pageACandidates()}}
	saver := &fakeSaver{}
	filter := fakeFilter{keep: func(c []media.Candidate) []media.Candidate { return c[2:] }}
	stage := NewScrapeStage(ex, filter, saver, zap.NewNop())

	out, err := stage.Handle(context.Background(), scrapeJob(`{"url":"`+pageA+`"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"`+pageA+`","mediaCount":4,"forwarded":2,"saveJobId":"save-1"}`, string(out))
	require.Len(t, saver.batches, 1)
	require.Equal(t, pageACandidates()[2:], saver.batches[0])
}

func TestScrapeStageEmptyResultSkipsSave(t *testing.T) {
	t.Parallel()

	saver := &fakeSaver{}
	stage := NewScrapeStage(&fakeExtractor{}, fakeFilter{}, saver, nil)
	out, err := stage.Handle(context.Background(), scrapeJob(`{"url":"https://empty.test"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"url":"https://empty.test","mediaCount":0,"forwarded":0}`, string(out))
	require.Empty(t, saver.batches)
}

func TestScrapeStageErrorsPropagate(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{pages: map[string][]media.Candidate{pageA: pageACandidates()}}

	dedupErr := NewScrapeStage(ex, fakeFilter{err: media.ErrStore}, &fakeSaver{}, nil)
	_, err := dedupErr.Handle(context.Background(), scrapeJob(`{"url":"`+pageA+`"}`))
	require.ErrorIs(t, err, media.ErrStore)
	require.NotErrorIs(t, err, broker.ErrUnrecoverable)

	saveErr := NewScrapeStage(ex, fakeFilter{}, &fakeSaver{err: broker.ErrQueueClosed}, nil)
	_, err = saveErr.Handle(context.Background(), scrapeJob(`{"url":"`+pageA+`"}`))
	require.ErrorIs(t, err, broker.ErrQueueClosed)

	fetchErr := NewScrapeStage(&fakeExtractor{err: media.ErrFetch}, fakeFilter{}, &fakeSaver{}, nil)
	_, err = fetchErr.Handle(context.Background(), scrapeJob(`{"url":"`+pageA+`"}`))
	require.ErrorIs(t, err, media.ErrFetch)
	require.NotErrorIs(t, err, broker.ErrUnrecoverable)
}

func TestScrapeStageValidationFromExtractorIsUnrecoverable(t *testing.T) {
	t.Parallel()

	badURL := fmt.Errorf("%w: unsupported scheme", media.ErrValidation)
	stage := NewScrapeStage(&fakeExtractor{err: badURL}, fakeFilter{}, &fakeSaver{}, nil)
	_, err := stage.Handle(context.Background(), scrapeJob(`{"url":"`+pageA+`"}`))
	require.ErrorIs(t, err, broker.ErrUnrecoverable)
	require.ErrorIs(t, err, media.ErrValidation)
}

func TestScrapeStageMalformedPayloadIsUnrecoverable(t *testing.T) {
	t.Parallel()

	stage := NewScrapeStage(&fakeExtractor{}, fakeFilter{}, &fakeSaver{}, nil)
	for _, payload := range []string{`{"mediaArray":[]}`, `{"url":""}`, `not json`} {
		_, err := stage.Handle(context.Background(), scrapeJob(payload))
		require.ErrorIs(t, err, broker.ErrUnrecoverable, payload)
		require.ErrorIs(t, err, media.ErrValidation, payload)
	}
}

func TestSaveStageBuildsRecords(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	w := &fakeWriter{inserted: 2}
	stage := NewSaveStage(w, fixedClock{now}, zap.NewNop())
	payload := `{"mediaArray":[
		{"type":"image","src":" https://cdn.test/a.png ","url":"https://page.test","name":"A"},
		{"type":"video","src":"https://cdn.test/b.mp4","url":"https://page.test"}
	]}`

	out, err := stage.Handle(context.Background(), broker.Job{ID: "save-x", Payload: []byte(payload)})
	require.NoError(t, err)
	require.JSONEq(t, `{"count":2,"inserted":2,"jobId":"save-x"}`, string(out))
	require.Len(t, w.got, 2)
	require.Equal(t, "https://cdn.test/a.png", w.got[0].SourceSrc)
	require.Equal(t, "A", *w.got[0].DisplayName)
	require.Nil(t, w.got[1].DisplayName)
	require.Equal(t, now, w.got[1].CreatedAt)
	require.NotEqual(t, w.got[0].ID, w.got[1].ID)
}

func TestSaveStageWrapsStoreErrors(t *testing.T) {
	t.Parallel()

	stage := NewSaveStage(&fakeWriter{err: errors.New("too many connections")}, nil, nil)
	_, err := stage.Handle(context.Background(), broker.Job{
		ID:      "save-y",
		Payload: []byte(`{"mediaArray":[{"type":"image","src":"https://cdn.test/a.png","url":"https://page.test"}]}`),
	})
	require.ErrorIs(t, err, media.ErrStore)
	require.ErrorContains(t, err, "too many connections")
}

func TestDecodeSaveRejectsBadBatches(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":         `{"mediaArray":[]}`,
		"unknown kind":  `{"mediaArray":[{"type":"audio","src":"a","url":"b"}]}`,
		"missing src":   `{"mediaArray":[{"type":"image","url":"b"}]}`,
		"unknown field": `{"mediaArray":[],"extra":1}`,
		"trailing":      `{"mediaArray":[{"type":"image","src":"a","url":"b"}]} {}`,
	}
	for name, payload := range cases {
		_, err := DecodeSave([]byte(payload))
		require.ErrorIs(t, err, media.ErrValidation, name)
	}
}

func TestObserverRejectsUnknownQueue(t *testing.T) {
	t.Parallel()

	o := NewObserver(brokermem.New())
	_, err := o.Stats(context.Background(), "media-other")
	require.ErrorIs(t, err, broker.ErrUnknownQueue)
	_, err = o.ListFailed(context.Background(), "media-other", 5)
	require.ErrorIs(t, err, broker.ErrUnknownQueue)
	require.Equal(t, []string{ScrapeQueue, SaveQueue}, o.Queues())
}

func TestObserverCleanReportsBeforeAndAfter(t *testing.T) {
	t.Parallel()

	b := brokermem.New()
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := b.Enqueue(ctx, ScrapeQueue, broker.NewJob{ID: id, Payload: []byte(`{"url":"https://x.test"}`)})
		require.NoError(t, err)
	}
	o := NewObserver(b)

	all, err := o.AllStats(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(2), all[0].Waiting)

	report, err := o.Clean(ctx, ScrapeQueue)
	require.NoError(t, err)
	require.Equal(t, int64(2), report.Before.Waiting)
	require.Equal(t, int64(0), report.After.Total)
	require.Equal(t, int64(2), report.Result.Drained)
}
