package catalog

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aledz7/df-graficas-sub014/internal/platform/httpx"
)

// Handler exposes the finish catalog.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/finishes", h.listFinishes)
}

func (h *Handler) listFinishes(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.Finishes(r.Context())
	if err != nil {
		h.logger.Error("list finishes", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Catalog Unavailable", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}
