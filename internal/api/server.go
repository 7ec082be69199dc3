package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/media"
	"github.com/JakeFAU/media-scraper/internal/metrics"
)

// Ingestor queues pages for scraping.
type Ingestor interface {
	EnqueueScrape(ctx context.Context, url string) (broker.Handle, error)
}

// QueueInspector reads queue state.
type QueueInspector interface {
	Stats(ctx context.Context, queue string) (broker.Stats, error)
	ListFailed(ctx context.Context, queue string, limit int) ([]broker.FailedJob, error)
}

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config tunes the HTTP surface.
type Config struct {
	DefaultPageSize int
	MaxPageSize     int
	RequestTimeout  time.Duration
}

const (
	defaultPageSize       = 20
	defaultMaxPageSize    = 100
	defaultRequestTimeout = 30 * time.Second
	readinessTimeout      = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.DefaultPageSize <= 0 {
		c.DefaultPageSize = defaultPageSize
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = defaultMaxPageSize
	}
	if c.DefaultPageSize > c.MaxPageSize {
		c.DefaultPageSize = c.MaxPageSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

// Server wires HTTP handlers to the pipeline, the store and the queues.
type Server struct {
	router   chi.Router
	ingestor Ingestor
	checks   []ReadinessCheck
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	ingestor Ingestor,
	querier media.Querier,
	queues QueueInspector,
	cfg Config,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	metrics.Init()
	s := &Server{
		ingestor: ingestor,
		checks:   checks,
		logger:   logger,
	}
	mediaHandler := NewMediaHandler(querier, cfg, logger)
	queueHandler := NewQueueHandler(queues, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/media", func(r chi.Router) {
		r.Post("/ingest", s.ingest)
		r.Get("/getAll", mediaHandler.GetAll)
	})
	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Get("/stats", queueHandler.Stats)
		r.Get("/failed", queueHandler.Failed)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	failures := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			failures[c.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type ingestRequest struct {
	URLs json.RawMessage `json:"urls"`
}

// IngestResult is the metadata of an ingest response.
type IngestResult struct {
	Queued     int         `json:"queued"`
	Failed     int         `json:"failed"`
	JobIDs     []string    `json:"jobIds"`
	FailedURLs []FailedURL `json:"failedUrls"`
}

// FailedURL reports one entry that was not queued.
type FailedURL struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

const invalidURLsMessage = "Invalid URLs array"

var errDuplicateSubmission = errors.New("duplicate submission: already queued as an existing job")

// ingest always answers 200; per-URL problems are reported in failedUrls.
func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusOK, invalidURLsMessage, map[string]int{"queued": 0})
		return
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(req.URLs, &entries); err != nil || len(entries) == 0 {
		writeEnvelope(w, http.StatusOK, invalidURLsMessage, map[string]int{"queued": 0})
		return
	}

	result := IngestResult{JobIDs: []string{}, FailedURLs: []FailedURL{}}
	for _, entry := range entries {
		var raw string
		if err := json.Unmarshal(entry, &raw); err != nil {
			result.FailedURLs = append(result.FailedURLs, FailedURL{URL: string(entry), Error: errInvalidURL.Error()})
			continue
		}
		pageURL, err := ValidateURL(raw)
		if err != nil {
			result.FailedURLs = append(result.FailedURLs, FailedURL{URL: raw, Error: errInvalidURL.Error()})
			continue
		}
		h, err := s.ingestor.EnqueueScrape(r.Context(), pageURL)
		if err != nil {
			s.logger.Error("enqueue scrape failed", zap.String("url", pageURL), zap.Error(err))
			result.FailedURLs = append(result.FailedURLs, FailedURL{URL: raw, Error: err.Error()})
			continue
		}
		if h.Duplicate {
			result.FailedURLs = append(result.FailedURLs, FailedURL{URL: raw, Error: errDuplicateSubmission.Error()})
			continue
		}
		result.JobIDs = append(result.JobIDs, h.ID)
	}
	result.Queued = len(result.JobIDs)
	result.Failed = len(result.FailedURLs)
	s.logger.Info("ingest accepted",
		zap.Int("queued", result.Queued),
		zap.Int("failed", result.Failed),
	)
	writeEnvelope(w, http.StatusOK, "", result)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// Envelope wraps every media response.
type Envelope struct {
	Message  string `json:"message"`
	Status   int    `json:"status"`
	Metadata any    `json:"metadata"`
}

func writeEnvelope(w http.ResponseWriter, status int, message string, metadata any) {
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, Envelope{Message: message, Status: status, Metadata: metadata})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
