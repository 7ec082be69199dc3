package app_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/media-scraper/internal/app"
	"github.com/JakeFAU/media-scraper/internal/config"
	"github.com/JakeFAU/media-scraper/internal/media"
	"github.com/JakeFAU/media-scraper/internal/pipeline"
)

func testConfig() config.Config {
	stage := config.StageConfig{
		Concurrency:     1,
		Attempts:        1,
		TimeoutMs:       2000,
		StallIntervalMs: 1000,
		MaxStalled:      1,
	}
	return config.Config{
		Server:    config.ServerConfig{Port: 3000, ShutdownTimeoutSeconds: 5},
		Broker:    config.BrokerConfig{Driver: config.DriverMemory, KeyPrefix: "apptest", PollIntervalMs: 10},
		Scrape:    stage,
		Save:      stage,
		Dedup:     config.DedupConfig{Parallelism: 2},
		Extractor: config.ExtractorConfig{TimeoutSeconds: 2},
		Store:     config.StoreConfig{Driver: config.DriverMemory, MaxConns: 5},
		API:       config.APIConfig{DefaultPageSize: 20, MaxPageSize: 100, RequestTimeoutSeconds: 5},
	}
}

func TestNewRejectsUnknownBroker(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Broker.Driver = "kafka"
	_, err := app.New(context.Background(), cfg, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "unknown broker driver")
}

func TestNewRejectsUnknownStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Store.Driver = "mongo"
	_, err := app.New(context.Background(), cfg, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "unknown store driver")
}

func TestNewPostgresBadDSN(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Store.Driver = config.DriverPostgres
	cfg.Store.DSN = "postgres://%zz"
	_, err := app.New(context.Background(), cfg, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "open postgres store")
}

func TestAppIngestsThroughBothStages(t *testing.T) {
	t.Parallel()

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body><img src="/a.png" alt="A"><video src="/clip.mp4"></video></body></html>`)
	}))
	t.Cleanup(page.Close)

	ctx := context.Background()
	a, err := app.New(ctx, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	srv := httptest.NewServer(a.Server().Handler())
	t.Cleanup(srv.Close)

	body := fmt.Sprintf(`{"urls":[%q]}`, page.URL+"/gallery")
	resp, err := http.Post(srv.URL+"/media/ingest", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		res, err := a.Store().Query(ctx, media.Filter{}, 0, 10)
		return err == nil && res.Total == 2
	}, 5*time.Second, 20*time.Millisecond)

	res, err := a.Store().Query(ctx, media.Filter{Kind: media.KindImage}, 0, 10)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	require.Equal(t, page.URL+"/a.png", res.Records[0].SourceSrc)
	require.Equal(t, page.URL+"/gallery", res.Records[0].PageURL)

	ready, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	require.NoError(t, ready.Body.Close())
	require.Equal(t, http.StatusOK, ready.StatusCode)
}

func TestAppRedisBrokerInspection(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.Broker.Driver = config.DriverRedis
	cfg.Broker.Redis.Addr = mr.Addr()

	ctx := context.Background()
	a, err := app.New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Connect(ctx))

	stats, err := a.Observer().AllStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, pipeline.ScrapeQueue, stats[0].Queue)
	require.Zero(t, stats[0].Waiting)

	require.NoError(t, a.Close(ctx))
}

func TestCloseWithoutStart(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, a.Logger())
	require.NoError(t, a.Close(context.Background()))
}
