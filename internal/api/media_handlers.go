package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-scraper/internal/broker"
	"github.com/JakeFAU/media-scraper/internal/media"
)

const (
	queryTimeout   = 5 * time.Second
	maxFailedLimit = 500
	inspectTimeout = 3 * time.Second
)

// MediaHandler serves the browse and search read path.
type MediaHandler struct {
	querier media.Querier
	cfg     Config
	timeout time.Duration
	logger  *zap.Logger
}

// NewMediaHandler wires the querier and logger.
func NewMediaHandler(querier media.Querier, cfg Config, logger *zap.Logger) *MediaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaHandler{
		querier: querier,
		cfg:     cfg.withDefaults(),
		timeout: queryTimeout,
		logger:  logger,
	}
}

// MediaPage is the metadata of a getAll response.
type MediaPage struct {
	Data  []media.Record `json:"data"`
	Total int64          `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
	Pages int64          `json:"pages"`
}

// GetAll handles GET /media/getAll?page=&pageSize=&searchText=&type=. Bad
// page numbers fall back to defaults; an unknown type is a 400.
func (h *MediaHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	if h.querier == nil {
		writeError(w, http.StatusServiceUnavailable, "media store unavailable")
		return
	}
	q := r.URL.Query()
	page := positiveOr(q.Get("page"), 1)
	limit := min(positiveOr(q.Get("pageSize"), h.cfg.DefaultPageSize), h.cfg.MaxPageSize)
	// Keep (page-1)*limit inside int; the clamped page is past any real data.
	page = min(page, math.MaxInt/limit)

	filter := media.Filter{TextSearch: strings.TrimSpace(q.Get("searchText"))}
	if raw := q.Get("type"); strings.TrimSpace(raw) != "" {
		kind, err := media.ParseKind(raw)
		if err != nil {
			writeEnvelope(w, http.StatusBadRequest, "invalid type", map[string]string{"type": raw})
			return
		}
		filter.Kind = kind
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	result, err := h.querier.Query(ctx, filter, (page-1)*limit, limit)
	if err != nil {
		h.logger.Error("query media failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query media")
		return
	}
	records := result.Records
	if records == nil {
		records = []media.Record{}
	}
	writeEnvelope(w, http.StatusOK, "", MediaPage{
		Data:  records,
		Total: result.Total,
		Page:  page,
		Limit: limit,
		Pages: (result.Total + int64(limit) - 1) / int64(limit),
	})
}

// QueueHandler exposes read-only queue inspection.
type QueueHandler struct {
	queues  QueueInspector
	timeout time.Duration
	logger  *zap.Logger
}

// NewQueueHandler wires the inspector and logger.
func NewQueueHandler(queues QueueInspector, logger *zap.Logger) *QueueHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueHandler{queues: queues, timeout: inspectTimeout, logger: logger}
}

// Stats handles GET /queues/{queue}/stats. Unknown queues are a 404.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.queues == nil {
		writeError(w, http.StatusServiceUnavailable, "queue inspector unavailable")
		return
	}
	queue := chi.URLParam(r, "queue")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	stats, err := h.queues.Stats(ctx, queue)
	if err != nil {
		h.writeQueueError(w, queue, err)
		return
	}
	writeEnvelope(w, http.StatusOK, "", stats)
}

// Failed handles GET /queues/{queue}/failed?limit=.
func (h *QueueHandler) Failed(w http.ResponseWriter, r *http.Request) {
	if h.queues == nil {
		writeError(w, http.StatusServiceUnavailable, "queue inspector unavailable")
		return
	}
	queue := chi.URLParam(r, "queue")
	limit := broker.DefaultFailedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(val, maxFailedLimit)
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	jobs, err := h.queues.ListFailed(ctx, queue, limit)
	if err != nil {
		h.writeQueueError(w, queue, err)
		return
	}
	if jobs == nil {
		jobs = []broker.FailedJob{}
	}
	writeEnvelope(w, http.StatusOK, "", map[string]any{"queue": queue, "jobs": jobs})
}

func (h *QueueHandler) writeQueueError(w http.ResponseWriter, queue string, err error) {
	if errors.Is(err, broker.ErrUnknownQueue) {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	h.logger.Error("queue inspection failed", zap.String("queue", queue), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to inspect queue")
}

func positiveOr(raw string, def int) int {
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || val <= 0 {
		return def
	}
	return val
}
