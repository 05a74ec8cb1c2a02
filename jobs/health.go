package jobs

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/aledz7/df-graficas-sub014/internal/platform/httpx"
)

// QueueHealth is the backlog of one queue.
type QueueHealth struct {
	Queue   string `json:"queue"`
	Pending int    `json:"pending"`
	Retry   int    `json:"retry"`
	Paused  bool   `json:"paused,omitempty"`
}

// Handler exposes the queue backlog over HTTP.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints. A nil inspector
// reports empty queues.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	queues := make([]string, 0, len(QueueWeights))
	for name := range QueueWeights {
		queues = append(queues, name)
	}
	sort.Strings(queues)

	out := make([]QueueHealth, 0, len(queues))
	for _, name := range queues {
		entry := QueueHealth{Queue: name}
		if h.inspector != nil {
			info, err := h.inspector.GetQueueInfo(name)
			switch {
			case errors.Is(err, asynq.ErrQueueNotFound):
			case err != nil:
				h.logger.Warn("jobs health", slog.String("queue", name), slog.Any("error", err))
				httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "queue inspection failed")
				return
			default:
				entry.Pending = info.Pending
				entry.Retry = info.Retry
				entry.Paused = info.Paused
			}
		}
		out = append(out, entry)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"queues": out})
}
