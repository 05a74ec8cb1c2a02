package serviceorderhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/aledz7/df-graficas-sub014/internal/inventory"
	"github.com/aledz7/df-graficas-sub014/internal/platform/httpx"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/ledger"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/lifecycle"
	"github.com/aledz7/df-graficas-sub014/internal/shared"
)

const maxListLimit = 200

type orderService interface {
	Load(ctx context.Context, ref serviceorder.Ref) (*serviceorder.Order, error)
	List(ctx context.Context, filter serviceorder.ListFilter) ([]serviceorder.Order, error)
	StageDraft(ctx context.Context, order serviceorder.Order) (*serviceorder.Order, error)
	Delete(ctx context.Context, ref serviceorder.Ref) error
	SyncUnsynced(ctx context.Context, ref serviceorder.Ref) (*serviceorder.Order, error)
}

type lifecycleService interface {
	Quote(ctx context.Context, order serviceorder.Order) (serviceorder.Order, error)
	SaveQuote(ctx context.Context, order serviceorder.Order, actorID int64) (*serviceorder.Order, error)
	Finalize(ctx context.Context, order serviceorder.Order, payments []serviceorder.Payment, actorID int64) (*lifecycle.FinalizeResult, error)
	UpdateFinalized(ctx context.Context, order serviceorder.Order, actorID int64) (*serviceorder.Order, error)
	MarkDelivered(ctx context.Context, ref serviceorder.Ref, actorID int64) (*serviceorder.Order, error)
	ReturnStock(ctx context.Context, ref serviceorder.Ref, actorID int64) (inventory.Result, error)
}

// Handler exposes the service order JSON API.
type Handler struct {
	logger    *slog.Logger
	orders    orderService
	lifecycle lifecycleService
	ledger    *ledger.Ledger
	validator *validator.Validate
}

// NewHandler builds the handler.
func NewHandler(logger *slog.Logger, orders orderService, lc lifecycleService, items *ledger.Ledger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if items == nil {
		items = ledger.New()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, orders: orders, lifecycle: lc, ledger: items, validator: v}
}

// MountRoutes registers order and ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/preview", h.preview)
	r.Post("/drafts", h.stageDraft)
	r.Post("/quotes", h.saveQuote)
	r.Post("/finalize", h.finalize)

	r.Route("/ledger", func(lr chi.Router) {
		lr.Post("/add", h.ledgerAdd)
		lr.Post("/update", h.ledgerUpdate)
		lr.Post("/remove", h.ledgerRemove)
		lr.Post("/duplicate", h.ledgerDuplicate)
		lr.Post("/clone-dimensions", h.ledgerCloneDimensions)
	})

	r.Route("/{ref}", func(or chi.Router) {
		or.Get("/", h.load)
		or.Put("/", h.updateFinalized)
		or.Delete("/", h.remove)
		or.Post("/deliver", h.deliver)
		or.Post("/return-stock", h.returnStock)
		or.Post("/sync", h.sync)
	})
}

// ============================================================================
// ORDERS
// ============================================================================

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	orders, err := h.orders.List(r.Context(), filter)
	if err != nil {
		h.fail(w, "list orders", err)
		return
	}
	if orders == nil {
		orders = []serviceorder.Order{}
	}
	httpx.JSON(w, http.StatusOK, orders)
}

func (h *Handler) load(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Load(r.Context(), refParam(r))
	if err != nil {
		h.fail(w, "load order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	order, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	priced, err := h.lifecycle.Quote(r.Context(), order)
	if err != nil {
		h.fail(w, "preview order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, priced)
}

func (h *Handler) stageDraft(w http.ResponseWriter, r *http.Request) {
	order, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	staged, err := h.orders.StageDraft(r.Context(), order)
	if err != nil {
		h.fail(w, "stage draft", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, staged)
}

func (h *Handler) saveQuote(w http.ResponseWriter, r *http.Request) {
	order, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	saved, err := h.lifecycle.SaveQuote(r.Context(), order, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "save quote", err)
		return
	}
	httpx.JSON(w, http.StatusOK, saved)
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if !h.validate(w, req) {
		return
	}
	res, err := h.lifecycle.Finalize(r.Context(), req.Order.toDomain(), paymentsToDomain(req.Payments), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "finalize order", err)
		return
	}
	resp := finalizeResponse{Order: res.Order, Stock: res.Stock}
	if res.Receivable != nil {
		resp.Receivable = res.Receivable
	}
	if res.StockErr != nil {
		resp.Warnings = append(resp.Warnings, "stock: "+res.StockErr.Error())
	}
	if res.ReceivableErr != nil {
		resp.Warnings = append(resp.Warnings, "receivable: "+res.ReceivableErr.Error())
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) updateFinalized(w http.ResponseWriter, r *http.Request) {
	order, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	ref := refParam(r)
	if !ref.Matches(order) {
		httpx.ValidationProblem(w, map[string]string{"id": "does not match the addressed order"})
		return
	}
	saved, err := h.lifecycle.UpdateFinalized(r.Context(), order, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "update finalized order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, saved)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.orders.Delete(r.Context(), refParam(r)); err != nil {
		h.fail(w, "delete order", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deliver(w http.ResponseWriter, r *http.Request) {
	order, err := h.lifecycle.MarkDelivered(r.Context(), refParam(r), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "deliver order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) returnStock(w http.ResponseWriter, r *http.Request) {
	res, err := h.lifecycle.ReturnStock(r.Context(), refParam(r), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, "return stock", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.SyncUnsynced(r.Context(), refParam(r))
	if err != nil {
		h.fail(w, "sync order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

// ============================================================================
// LEDGER
// ============================================================================

func (h *Handler) ledgerAdd(w http.ResponseWriter, r *http.Request) {
	req, item, ok := h.decodeLedger(w, r, true)
	if !ok {
		return
	}
	items, err := h.ledger.Add(req.Items, item)
	if err != nil {
		h.fail(w, "ledger add", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledgerResponse{Items: items})
}

func (h *Handler) ledgerUpdate(w http.ResponseWriter, r *http.Request) {
	req, item, ok := h.decodeLedger(w, r, true)
	if !ok {
		return
	}
	res, err := h.ledger.Update(req.Items, item)
	if err != nil {
		h.fail(w, "ledger update", err)
		return
	}
	resp := ledgerResponse{Items: res.Items}
	if res.Anomaly != nil {
		h.logger.Warn("ledger anomaly", slog.String("anomaly", res.Anomaly.String()))
		resp.Anomaly = res.Anomaly.String()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) ledgerRemove(w http.ResponseWriter, r *http.Request) {
	req, _, ok := h.decodeLedger(w, r, false)
	if !ok {
		return
	}
	items, err := h.ledger.Remove(req.Items, req.Token)
	if err != nil {
		h.fail(w, "ledger remove", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledgerResponse{Items: items})
}

func (h *Handler) ledgerDuplicate(w http.ResponseWriter, r *http.Request) {
	req, _, ok := h.decodeLedger(w, r, false)
	if !ok {
		return
	}
	items, copied, err := h.ledger.Duplicate(req.Items, req.Token)
	if err != nil {
		h.fail(w, "ledger duplicate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledgerResponse{Items: items, Item: &copied})
}

func (h *Handler) ledgerCloneDimensions(w http.ResponseWriter, r *http.Request) {
	req, _, ok := h.decodeLedger(w, r, false)
	if !ok {
		return
	}
	items, err := h.ledger.CloneDimensions(req.Items, req.From, req.To)
	if err != nil {
		h.fail(w, "ledger clone dimensions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledgerResponse{Items: items})
}

// ============================================================================
// HELPERS
// ============================================================================

func (h *Handler) decodeOrder(w http.ResponseWriter, r *http.Request) (serviceorder.Order, bool) {
	var dto orderDTO
	if err := httpx.DecodeJSON(r, &dto); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return serviceorder.Order{}, false
	}
	if !h.validate(w, dto) {
		return serviceorder.Order{}, false
	}
	return dto.toDomain(), true
}

func (h *Handler) decodeLedger(w http.ResponseWriter, r *http.Request, needItem bool) (ledgerRequest, serviceorder.LineItem, bool) {
	var req ledgerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return req, serviceorder.LineItem{}, false
	}
	if !needItem {
		return req, serviceorder.LineItem{}, true
	}
	if req.Item == nil {
		httpx.ValidationProblem(w, map[string]string{"item": "is required"})
		return req, serviceorder.LineItem{}, false
	}
	if !h.validate(w, *req.Item) {
		return req, serviceorder.LineItem{}, false
	}
	return req, req.Item.toDomain(), true
}

func (h *Handler) validate(w http.ResponseWriter, payload any) bool {
	err := h.validator.Struct(payload)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		fields[fieldPath(fieldErr.Namespace())] = fieldMessage(fieldErr)
	}
	httpx.ValidationProblem(w, fields)
	return false
}

// fail maps domain errors onto problem responses.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var (
		invalid  *serviceorder.ValidationError
		stockErr *inventory.StockError
		saveErr  *serviceorder.SaveError
	)
	switch {
	case errors.As(err, &invalid):
		httpx.ValidationProblem(w, map[string]string{invalid.Field: invalid.Message})
	case errors.As(err, &stockErr):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrConflict, err))
	case errors.As(err, &saveErr), errors.Is(err, serviceorder.ErrRemoteUnavailable):
		h.logger.Warn(op, slog.Any("error", err))
		httpx.RespondError(w, httpx.Wrap(httpx.ErrUpstream, err))
	case errors.Is(err, serviceorder.ErrSaveInProgress):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrLocked, err))
	case errors.Is(err, serviceorder.ErrDuplicateItem):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrDuplicate, err))
	case errors.Is(err, serviceorder.ErrInvalidTransition), errors.Is(err, serviceorder.ErrConflict):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrConflict, err))
	case errors.Is(err, serviceorder.ErrNotFound):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrNotFound, err))
	case errors.Is(err, serviceorder.ErrValidation):
		httpx.RespondError(w, httpx.Wrap(httpx.ErrValidation, err))
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func refParam(r *http.Request) serviceorder.Ref {
	return serviceorder.ParseRef(chi.URLParam(r, "ref"))
}

func parseListFilter(r *http.Request) (serviceorder.ListFilter, error) {
	q := r.URL.Query()
	var filter serviceorder.ListFilter
	if raw := q.Get("status"); raw != "" {
		status := serviceorder.Status(strings.ToUpper(raw))
		switch status {
		case serviceorder.StatusDraft, serviceorder.StatusQuoteSaved, serviceorder.StatusFinalized, serviceorder.StatusDelivered:
		default:
			return filter, fmt.Errorf("unknown status %q", raw)
		}
		filter.Status = &status
	}
	if raw := q.Get("client_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return filter, errors.New("client_id must be a positive number")
		}
		filter.ClientID = &id
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return filter, fmt.Errorf("%s must be YYYY-MM-DD", name)
		}
		*dst = &parsed
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive number")
		}
		filter.Limit = min(limit, maxListLimit)
	}
	return filter, nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if idx := strings.IndexByte(namespace, '.'); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "excluded_if":
		return "must be empty for this kind"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte", "max":
		return "must be at most " + fe.Param()
	}
	return "is invalid"
}
