// Package api hosts the HTTP server, middleware and handlers of the media
// ingestion service. Notable routes:
//   - POST /media/ingest queues pages for asynchronous scraping.
//   - GET /media/getAll browses and searches stored media.
//   - GET /queues/{queue}/stats and /queues/{queue}/failed for operators.
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
package api
