package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aledz7/df-graficas-sub014/internal/ar"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

const maxErrorBody = 512

// Client talks to the remote REST API of the shop.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ============================================================================
// ORDERS
// ============================================================================

// GetOrder fetches an order by backend id.
func (c *Client) GetOrder(ctx context.Context, id int64) (serviceorder.Order, error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/ordens-servico/%d", id), nil)
	if err != nil {
		return serviceorder.Order{}, err
	}
	return c.order(raw, strconv.FormatInt(id, 10))
}

// FindOrderByCode fetches an order by its human-facing code.
func (c *Client) FindOrderByCode(ctx context.Context, code string) (serviceorder.Order, error) {
	raw, err := c.do(ctx, http.MethodGet, "/ordens-servico/codigo/"+url.PathEscape(code), nil)
	if err != nil {
		return serviceorder.Order{}, err
	}
	return c.order(raw, code)
}

// CreateOrder creates an order and returns the stored copy.
func (c *Client) CreateOrder(ctx context.Context, order serviceorder.Order) (serviceorder.Order, error) {
	body, err := EncodeOrder(order)
	if err != nil {
		return serviceorder.Order{}, err
	}
	raw, err := c.do(ctx, http.MethodPost, "/ordens-servico", body)
	if err != nil {
		return serviceorder.Order{}, err
	}
	created, ok, err := c.written(raw, order)
	if err != nil || ok || order.Code == "" {
		return created, err
	}
	// an empty 2xx body carries no id, the code lookup recovers it
	if found, findErr := c.FindOrderByCode(ctx, order.Code); findErr == nil {
		return found, nil
	}
	return created, nil
}

// UpdateOrder replaces an existing order.
func (c *Client) UpdateOrder(ctx context.Context, order serviceorder.Order) (serviceorder.Order, error) {
	body, err := EncodeOrder(order)
	if err != nil {
		return serviceorder.Order{}, err
	}
	raw, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/ordens-servico/%d", order.ID), body)
	if err != nil {
		return serviceorder.Order{}, err
	}
	updated, _, err := c.written(raw, order)
	return updated, err
}

// DeleteOrder removes an order.
func (c *Client) DeleteOrder(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/ordens-servico/%d", id), nil)
	return err
}

// NextSequence asks the backend for the next sequential order number.
func (c *Client) NextSequence(ctx context.Context) (int64, error) {
	raw, err := c.do(ctx, http.MethodGet, "/ordens-servico/proximo-numero", nil)
	if err != nil {
		return 0, err
	}
	var payload struct {
		Number Number `json:"numero"`
		Next   Number `json:"proximo_numero"`
		Code   string `json:"id_os"`
	}
	if _, err := decodeOne(raw, &payload); err != nil {
		return 0, fmt.Errorf("remote: decode next sequence: %w", err)
	}
	switch {
	case payload.Number.Valid:
		return int64(payload.Number.Value), nil
	case payload.Next.Valid:
		return int64(payload.Next.Value), nil
	case payload.Code != "":
		if seq := serviceorder.CodeSequence(payload.Code); seq > 0 {
			return seq, nil
		}
	}
	return 0, fmt.Errorf("remote: next sequence missing from response")
}

// ListOrders lists orders matching filter.
func (c *Client) ListOrders(ctx context.Context, filter serviceorder.ListFilter) ([]serviceorder.Order, error) {
	q := url.Values{}
	if filter.Status != nil {
		q.Set("status", statusToWire[*filter.Status])
	}
	if filter.ClientID != nil {
		q.Set("cliente_id", strconv.FormatInt(*filter.ClientID, 10))
	}
	if filter.From != nil {
		q.Set("data_inicio", filter.From.Format("2006-01-02"))
	}
	if filter.To != nil {
		q.Set("data_fim", filter.To.Format("2006-01-02"))
	}
	if filter.Limit > 0 {
		q.Set("per_page", strconv.Itoa(filter.Limit))
	}
	path := "/ordens-servico"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	orders, err := DecodeOrders(raw)
	if err != nil {
		return nil, fmt.Errorf("remote: decode orders: %w", err)
	}
	return orders, nil
}

func (c *Client) order(raw json.RawMessage, ref string) (serviceorder.Order, error) {
	order, ok, err := DecodeOrder(raw)
	if err != nil {
		return serviceorder.Order{}, &serviceorder.RemoteError{Status: http.StatusBadGateway, Err: fmt.Errorf("%w: decode order %s: %v", serviceorder.ErrRemoteUnavailable, ref, err)}
	}
	if !ok {
		return serviceorder.Order{}, fmt.Errorf("%w: order %s", serviceorder.ErrNotFound, ref)
	}
	return order, nil
}

// written decodes the body of a successful create or update. Only a 404
// status means the order is missing, so an empty body echoes the sent order.
func (c *Client) written(raw json.RawMessage, sent serviceorder.Order) (serviceorder.Order, bool, error) {
	order, ok, err := DecodeOrder(raw)
	if err != nil {
		return serviceorder.Order{}, false, &serviceorder.RemoteError{Status: http.StatusBadGateway, Err: fmt.Errorf("%w: decode order %s: %v", serviceorder.ErrRemoteUnavailable, sent.Code, err)}
	}
	if !ok {
		return sent.Clone(), false, nil
	}
	return order, true, nil
}

// ============================================================================
// PRODUCTS & FINISHES
// ============================================================================

// GetProduct fetches one product.
func (c *Client) GetProduct(ctx context.Context, id int64) (serviceorder.Product, error) {
	raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/produtos/%d", id), nil)
	if err != nil {
		return serviceorder.Product{}, err
	}
	p, ok, err := DecodeProduct(raw)
	if err != nil {
		return serviceorder.Product{}, fmt.Errorf("remote: decode product %d: %w", id, err)
	}
	if !ok {
		return serviceorder.Product{}, fmt.Errorf("%w: product %d", serviceorder.ErrNotFound, id)
	}
	return p, nil
}

// UpdateProduct pushes the product stock levels.
func (c *Client) UpdateProduct(ctx context.Context, product serviceorder.Product) error {
	body, err := json.Marshal(fromProduct(product))
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, fmt.Sprintf("/produtos/%d", product.ID), body)
	return err
}

// ListFinishes fetches the finish catalog.
func (c *Client) ListFinishes(ctx context.Context) ([]serviceorder.Finish, error) {
	raw, err := c.do(ctx, http.MethodGet, "/acabamentos", nil)
	if err != nil {
		return nil, err
	}
	list, err := DecodeFinishes(raw)
	if err != nil {
		return nil, fmt.Errorf("remote: decode finishes: %w", err)
	}
	return list, nil
}

// ============================================================================
// RECEIVABLES
// ============================================================================

// CreateReceivable creates an accounts-receivable record.
func (c *Client) CreateReceivable(ctx context.Context, input ar.ReceivableInput) (*ar.Receivable, error) {
	body, err := json.Marshal(fromReceivableInput(input))
	if err != nil {
		return nil, err
	}
	raw, err := c.do(ctx, http.MethodPost, "/contas-receber", body)
	if err != nil {
		if serviceorder.StatusOf(err) == http.StatusConflict {
			return nil, fmt.Errorf("%w: %v", ar.ErrDuplicateReceivable, err)
		}
		return nil, err
	}
	var w wireReceivable
	ok, err := decodeOne(raw, &w)
	if err != nil {
		return nil, fmt.Errorf("remote: decode receivable: %w", err)
	}
	if !ok {
		w = fromReceivableInput(input)
	}
	rec := w.toReceivable()
	return &rec, nil
}

// ListReceivables lists receivables matching filter.
func (c *Client) ListReceivables(ctx context.Context, filter ar.ListFilter) ([]ar.Receivable, error) {
	q := url.Values{}
	if filter.OrderID > 0 {
		q.Set("os_id", strconv.FormatInt(filter.OrderID, 10))
	}
	if filter.OrderCode != "" {
		q.Set("os_codigo", filter.OrderCode)
	}
	if filter.ClientKey != "" {
		q.Set("cliente_chave", filter.ClientKey)
	}
	if filter.Status != "" {
		q.Set("status", strings.ToLower(string(filter.Status)))
	}
	path := "/contas-receber"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeList[wireReceivable](raw)
	if err != nil {
		return nil, fmt.Errorf("remote: decode receivables: %w", err)
	}
	out := make([]ar.Receivable, 0, len(list))
	for _, w := range list {
		out = append(out, w.toReceivable())
	}
	return out, nil
}

// ============================================================================
// TRANSPORT
// ============================================================================

func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &serviceorder.RemoteError{Err: fmt.Errorf("%w: %s %s: %v", serviceorder.ErrRemoteUnavailable, method, path, err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &serviceorder.RemoteError{Status: resp.StatusCode, Err: fmt.Errorf("%w: read body: %v", serviceorder.ErrRemoteUnavailable, err)}
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, payload)
	}
	return payload, nil
}

func statusError(status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > maxErrorBody {
		snippet = snippet[:maxErrorBody]
	}
	re := &serviceorder.RemoteError{Status: status, Body: snippet}
	switch status {
	case http.StatusNotFound:
		re.Err = serviceorder.ErrNotFound
	case http.StatusConflict:
		re.Err = serviceorder.ErrConflict
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		re.Err = serviceorder.ErrValidation
	default:
		re.Err = serviceorder.ErrRemoteUnavailable
	}
	return re
}
