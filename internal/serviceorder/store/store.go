// Package store is the PostgreSQL implementation of the remote order,
// product, finish and receivable ports.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aledz7/df-graficas-sub014/internal/ar"
	"github.com/aledz7/df-graficas-sub014/internal/platform/db"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Store provides PostgreSQL backed persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// ============================================================================
// ORDERS
// ============================================================================

const orderColumns = `id, code, payload, created_at, updated_at`

// GetOrder fetches an order by id.
func (s *Store) GetOrder(ctx context.Context, id int64) (serviceorder.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM service_orders WHERE id = $1`, id)
	return scanOrder(row, fmt.Sprint(id))
}

// FindOrderByCode fetches an order by code, case-insensitively.
func (s *Store) FindOrderByCode(ctx context.Context, code string) (serviceorder.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM service_orders WHERE upper(code) = upper($1)`, code)
	return scanOrder(row, code)
}

// CreateOrder inserts an order. A taken code yields ErrConflict.
func (s *Store) CreateOrder(ctx context.Context, order serviceorder.Order) (serviceorder.Order, error) {
	order.ID = 0
	var saved serviceorder.Order
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		if err := tx.QueryRow(ctx, `SELECT nextval('service_orders_id_seq')`).Scan(&id); err != nil {
			return err
		}
		order.ID = id
		payload, err := json.Marshal(order)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO service_orders (id, code, status, payment_status, client_id, client_name, grand_total, payload, created_at, updated_at, finalized_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			id, order.Code, string(order.Status), string(order.PaymentStatus), order.ClientID, order.ClientName,
			order.Totals.GrandTotal, payload, timeOrNow(order.CreatedAt), timeOrNow(order.UpdatedAt), order.FinalizedAt)
		if err != nil {
			return err
		}
		// keep the sequence ahead of codes chosen by clients
		if seq := serviceorder.CodeSequence(order.Code); seq > 0 {
			if _, err := tx.Exec(ctx, `SELECT setval('service_order_seq', GREATEST($1, (SELECT last_value FROM service_order_seq)))`, seq); err != nil {
				return err
			}
		}
		saved = order
		return nil
	})
	if err != nil {
		return serviceorder.Order{}, mapError(err, "create order "+order.Code)
	}
	return saved, nil
}

// UpdateOrder replaces an order by id.
func (s *Store) UpdateOrder(ctx context.Context, order serviceorder.Order) (serviceorder.Order, error) {
	payload, err := json.Marshal(order)
	if err != nil {
		return serviceorder.Order{}, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE service_orders
		SET code = $2, status = $3, payment_status = $4, client_id = $5, client_name = $6,
		    grand_total = $7, payload = $8, updated_at = $9, finalized_at = $10
		WHERE id = $1`,
		order.ID, order.Code, string(order.Status), string(order.PaymentStatus), order.ClientID, order.ClientName,
		order.Totals.GrandTotal, payload, timeOrNow(order.UpdatedAt), order.FinalizedAt)
	if err != nil {
		return serviceorder.Order{}, mapError(err, "update order "+order.Code)
	}
	if tag.RowsAffected() == 0 {
		return serviceorder.Order{}, notFound("order %d", order.ID)
	}
	return order, nil
}

// DeleteOrder removes an order by id.
func (s *Store) DeleteOrder(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM service_orders WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "delete order")
	}
	if tag.RowsAffected() == 0 {
		return notFound("order %d", id)
	}
	return nil
}

// NextSequence returns the next order number.
func (s *Store) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT nextval('service_order_seq')`).Scan(&seq); err != nil {
		return 0, mapError(err, "next sequence")
	}
	return seq, nil
}

// ListOrders lists orders newest first.
func (s *Store) ListOrders(ctx context.Context, filter serviceorder.ListFilter) ([]serviceorder.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != nil {
		add("status = $%d", string(*filter.Status))
	}
	if filter.ClientID != nil {
		add("client_id = $%d", *filter.ClientID)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}
	query := `SELECT ` + orderColumns + ` FROM service_orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list orders")
	}
	defer rows.Close()
	var out []serviceorder.Order
	for rows.Next() {
		order, err := scanOrder(rows, "list")
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row, ref string) (serviceorder.Order, error) {
	var (
		id        int64
		code      string
		payload   []byte
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&id, &code, &payload, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return serviceorder.Order{}, notFound("order %s", ref)
		}
		return serviceorder.Order{}, mapError(err, "scan order")
	}
	var order serviceorder.Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return serviceorder.Order{}, fmt.Errorf("store: decode order %s: %w", code, err)
	}
	order.ID = id
	order.Code = code
	order.CreatedAt = createdAt
	order.UpdatedAt = updatedAt
	order.Unsynced = false
	return order, nil
}

// ============================================================================
// PRODUCTS & FINISHES
// ============================================================================

// GetProduct fetches a product with its variants.
func (s *Store) GetProduct(ctx context.Context, id int64) (serviceorder.Product, error) {
	var (
		p        serviceorder.Product
		unit     string
		variants []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, stock, min_stock, unit, variants, updated_at
		FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Stock, &p.MinStock, &unit, &variants, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return serviceorder.Product{}, notFound("product %d", id)
		}
		return serviceorder.Product{}, mapError(err, "get product")
	}
	p.Unit = serviceorder.UnitOfMeasure(unit)
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &p.Variants); err != nil {
			return serviceorder.Product{}, fmt.Errorf("store: decode variants of %d: %w", id, err)
		}
	}
	return p, nil
}

// UpdateProduct writes stock levels back.
func (s *Store) UpdateProduct(ctx context.Context, product serviceorder.Product) error {
	variants, err := json.Marshal(product.Variants)
	if err != nil {
		return err
	}
	if product.Variants == nil {
		variants = []byte("[]")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE products SET stock = $2, min_stock = $3, variants = $4, updated_at = $5
		WHERE id = $1`,
		product.ID, product.Stock, product.MinStock, variants, timeOrNow(product.UpdatedAt))
	if err != nil {
		return mapError(err, "update product")
	}
	if tag.RowsAffected() == 0 {
		return notFound("product %d", product.ID)
	}
	return nil
}

// ListFinishes returns the finish catalog.
func (s *Store) ListFinishes(ctx context.Context) ([]serviceorder.Finish, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, mode, price, linked_product_id, consumption_ratio
		FROM finishes ORDER BY id`)
	if err != nil {
		return nil, mapError(err, "list finishes")
	}
	defer rows.Close()
	var out []serviceorder.Finish
	for rows.Next() {
		var (
			f    serviceorder.Finish
			mode string
		)
		if err := rows.Scan(&f.ID, &f.Name, &mode, &f.Price, &f.LinkedProductID, &f.ConsumptionRatio); err != nil {
			return nil, mapError(err, "scan finish")
		}
		f.Mode = serviceorder.FinishMode(mode)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ============================================================================
// RECEIVABLES
// ============================================================================

// CreateReceivable inserts a receivable. A live receivable for the same
// order and client yields ar.ErrDuplicateReceivable.
func (s *Store) CreateReceivable(ctx context.Context, input ar.ReceivableInput) (*ar.Receivable, error) {
	rec := ar.Receivable{
		OrderID:    input.OrderID,
		OrderCode:  input.OrderCode,
		ClientKey:  input.ClientKey,
		ClientID:   input.ClientID,
		ClientName: input.ClientName,
		Amount:     input.Amount,
		Status:     ar.StatusOpen,
		DueAt:      input.DueAt,
		Note:       input.Note,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO receivables (order_id, order_code, client_key, client_id, client_name, amount, status, due_at, note)
		VALUES (NULLIF($1, 0), $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		rec.OrderID, rec.OrderCode, rec.ClientKey, rec.ClientID, rec.ClientName, rec.Amount, string(rec.Status), rec.DueAt, rec.Note).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ar.ErrDuplicateReceivable, input.OrderCode)
		}
		return nil, mapError(err, "create receivable")
	}
	return &rec, nil
}

// ListReceivables lists receivables matching filter.
func (s *Store) ListReceivables(ctx context.Context, filter ar.ListFilter) ([]ar.Receivable, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.OrderID > 0 {
		add("order_id = $%d", filter.OrderID)
	}
	if filter.OrderCode != "" {
		add("upper(order_code) = upper($%d)", filter.OrderCode)
	}
	if filter.ClientKey != "" {
		add("lower(client_key) = lower($%d)", filter.ClientKey)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	query := `
		SELECT id, COALESCE(order_id, 0), order_code, client_key, client_id, client_name, amount, status, due_at, note, created_at
		FROM receivables`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_at, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, "list receivables")
	}
	defer rows.Close()
	var out []ar.Receivable
	for rows.Next() {
		var (
			rec    ar.Receivable
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.OrderCode, &rec.ClientKey, &rec.ClientID, &rec.ClientName,
			&rec.Amount, &status, &rec.DueAt, &rec.Note, &rec.CreatedAt); err != nil {
			return nil, mapError(err, "scan receivable")
		}
		rec.Status = ar.ReceivableStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ============================================================================
// ERRORS
// ============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// mapError translates database failures into the same error shapes the HTTP
// client adapter produces.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return &serviceorder.RemoteError{Status: http.StatusConflict, Body: op, Err: serviceorder.ErrConflict}
	}
	return &serviceorder.RemoteError{
		Status: http.StatusServiceUnavailable,
		Body:   op,
		Err:    fmt.Errorf("%w: %v", serviceorder.ErrRemoteUnavailable, err),
	}
}

func notFound(format string, args ...any) error {
	return &serviceorder.RemoteError{
		Status: http.StatusNotFound,
		Body:   fmt.Sprintf(format, args...),
		Err:    serviceorder.ErrNotFound,
	}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
