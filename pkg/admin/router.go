// Package admin exposes the operator HTTP surface of the pipeline: queue
// statistics, pause/resume, queue clearing, dead letter review, and health
// checks. It is an internal surface and expects to be mounted behind
// whatever authentication the deployment already has.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fanvote/notifier/pkg/bus"
	"github.com/fanvote/notifier/pkg/queue"
)

// HealthcheckFunc reports the readiness of one dependency.
type HealthcheckFunc func(ctx context.Context) error

// Handler serves the admin API.
type Handler struct {
	repo   queue.AdminRepository
	dlq    *queue.DeadLetterStore
	bus    *bus.Bus
	checks map[string]HealthcheckFunc
	logger *slog.Logger
}

// NewHandler creates the admin handler. The bus and dead letter store are
// optional; their endpoints return 404 content when absent.
func NewHandler(repo queue.AdminRepository, opts ...Option) (*Handler, error) {
	if repo == nil {
		return nil, queue.ErrRepositoryNil
	}

	options := &handlerOptions{
		checks: make(map[string]HealthcheckFunc),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Handler{
		repo:   repo,
		dlq:    options.dlq,
		bus:    options.bus,
		checks: options.checks,
		logger: options.logger,
	}, nil
}

// Router builds the chi router for the admin API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", h.health)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", h.queueStats)
		r.Post("/pause", h.pauseQueue)
		r.Post("/resume", h.resumeQueue)
		r.Delete("/", h.clearQueue)
	})

	r.Get("/events/stats", h.eventStats)
	r.Get("/dlq", h.listDeadLetters)

	return r
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	name := queueName(r)

	stats, err := h.repo.Stats(r.Context(), name)
	if err != nil {
		h.error(w, r, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"queue": name,
		"stats": stats,
	})
}

func (h *Handler) pauseQueue(w http.ResponseWriter, r *http.Request) {
	name := queueName(r)

	if err := h.repo.Pause(r.Context(), name); err != nil {
		h.error(w, r, http.StatusInternalServerError, err)
		return
	}

	h.logger.Info("queue paused", slog.String("queue", name))
	respondJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": true})
}

func (h *Handler) resumeQueue(w http.ResponseWriter, r *http.Request) {
	name := queueName(r)

	if err := h.repo.Resume(r.Context(), name); err != nil {
		h.error(w, r, http.StatusInternalServerError, err)
		return
	}

	h.logger.Info("queue resumed", slog.String("queue", name))
	respondJSON(w, http.StatusOK, map[string]any{"queue": name, "paused": false})
}

func (h *Handler) clearQueue(w http.ResponseWriter, r *http.Request) {
	name := queueName(r)

	if err := h.repo.Clear(r.Context(), name); err != nil {
		h.error(w, r, http.StatusInternalServerError, err)
		return
	}

	h.logger.Warn("queue cleared", slog.String("queue", name))
	respondJSON(w, http.StatusOK, map[string]any{"queue": name, "cleared": true})
}

func (h *Handler) eventStats(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		h.errorMessage(w, http.StatusNotFound, "event bus is not configured")
		return
	}

	respondJSON(w, http.StatusOK, h.bus.Stats())
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		h.errorMessage(w, http.StatusNotFound, "dead letter store is not configured")
		return
	}

	filter := queue.DeadLetterFilter{
		Queue: r.URL.Query().Get("queue"),
		Kind:  r.URL.Query().Get("kind"),
		Limit: intQuery(r, "limit", 100),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.errorMessage(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	entries, err := h.dlq.List(r.Context(), filter)
	if err != nil {
		h.error(w, r, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"failures": failures,
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func queueName(r *http.Request) string {
	if name := r.URL.Query().Get("queue"); name != "" {
		return name
	}
	return queue.DefaultQueueName
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
