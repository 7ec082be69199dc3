// Package main hosts the mediascraper entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts page URLs on POST /media/ingest, validates each one, and enqueues a
//     scrape job per URL. GET /media/getAll pages and searches stored media. Queue stats and failed jobs are exposed
//     under /queues/{queue}.
//   - Scrape stage: workers lease jobs from the media-scrape queue, fetch the page through the colly/goquery
//     extractor, drop candidates already stored for that page, and forward the rest as one save job.
//   - Save stage: workers lease jobs from the media-save queue and write each batch with a single insert. Rows that
//     already exist are skipped by the (src, url) unique index.
//   - Broker: memory (single process, for development and tests) or redis (durable, shared by several processes).
//     Both lease jobs with heartbeats, retry with backoff, and requeue stalled jobs.
//   - Configuration & plumbing: Viper populates config from .env files, an optional file and MEDIA_* env vars; zap
//     provides structured logging; Prometheus metrics are served on /metrics.
//
// Commands:
//   - serve: API plus both worker pools. SIGINT/SIGTERM stop the server, then drain in-flight jobs.
//   - monitor [--watch]: prints queue stats and recent failures.
//   - clean: drains pending jobs and prunes finished ones.
//   - migrate: applies the embedded goose migrations to store.dsn (or DATABASE_URL).
//
// Quick checklist:
//   - Local run with no dependencies: go run ./cmd/mediascraper serve
//   - Durable run: MEDIA_BROKER_DRIVER=redis MEDIA_STORE_DRIVER=postgres DATABASE_URL=postgres://... then
//     go run ./cmd/mediascraper migrate && go run ./cmd/mediascraper serve
package main
