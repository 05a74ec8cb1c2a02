package ar

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aledz7/df-graficas-sub014/internal/platform/httpx"
)

// Handler exposes read-only receivable endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers receivable routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/aging", h.aging)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		OrderCode: q.Get("order_code"),
		ClientKey: q.Get("client_key"),
		Status:    ReceivableStatus(q.Get("status")),
	}
	if raw := q.Get("order_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "order_id must be numeric")
			return
		}
		filter.OrderID = id
	}
	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list receivables", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) aging(w http.ResponseWriter, r *http.Request) {
	asOf := time.Time{}
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
			return
		}
		asOf = parsed
	}
	bucket, err := h.service.CalculateAging(r.Context(), asOf)
	if err != nil {
		h.logger.Error("receivable aging", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bucket)
}
