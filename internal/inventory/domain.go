package inventory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

// Policy decides what happens when a debit exceeds available stock.
type Policy string

const (
	// PolicyClamp floors the stock at zero and reports the shortfall.
	PolicyClamp Policy = "clamp"
	// PolicyBlock rejects the whole batch before anything is written.
	PolicyBlock Policy = "block"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyClamp, "":
		return PolicyClamp, nil
	case PolicyBlock:
		return PolicyBlock, nil
	}
	return "", fmt.Errorf("inventory: unknown stock policy %q", raw)
}

// Direction is the sign of a batch.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionReturn Direction = "return"
)

// Options tunes ApplyOrder.
type Options struct {
	IsReturn bool
	// Reference identifies the batch (usually the order code). When set the
	// batch is applied at most once per direction.
	Reference string
	ActorID   int64
}

func (o Options) direction() Direction {
	if o.IsReturn {
		return DirectionReturn
	}
	return DirectionDebit
}

// Delta is the signed stock change of one product or variant.
type Delta struct {
	ProductID int64   `json:"product_id"`
	VariantID *int64  `json:"variant_id,omitempty"`
	Qty       float64 `json:"qty"`
}

func (d Delta) key() string {
	if d.VariantID != nil {
		return fmt.Sprintf("%d/%d", d.ProductID, *d.VariantID)
	}
	return fmt.Sprintf("%d", d.ProductID)
}

// Shortfall records a debit larger than the available stock.
type Shortfall struct {
	ProductID int64   `json:"product_id"`
	VariantID *int64  `json:"variant_id,omitempty"`
	Requested float64 `json:"requested"`
	Available float64 `json:"available"`
}

// Alert flags a product that fell under its minimum stock.
type Alert struct {
	ProductID int64   `json:"product_id"`
	Name      string  `json:"name"`
	Stock     float64 `json:"stock"`
	MinStock  float64 `json:"min_stock"`
}

// Result describes an applied batch.
type Result struct {
	Deltas       []Delta                `json:"deltas"`
	Products     []serviceorder.Product `json:"products,omitempty"`
	Shortfalls   []Shortfall            `json:"shortfalls,omitempty"`
	BelowMinimum []Alert                `json:"below_minimum,omitempty"`
	// PendingSync lists products whose remote push failed and was queued.
	PendingSync []int64 `json:"pending_sync,omitempty"`
}

var (
	// ErrProductNotFound indicates a delta references an unknown product.
	ErrProductNotFound = errors.New("inventory: product not found")
	// ErrVariantNotFound indicates a delta references an unknown variant.
	ErrVariantNotFound = errors.New("inventory: variant not found")
	// ErrInsufficientStock is raised under PolicyBlock.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrAlreadyApplied indicates the referenced batch was applied before.
	ErrAlreadyApplied = errors.New("inventory: batch already applied")
)

// StockError names the product that made a batch fail.
type StockError struct {
	ProductID int64
	VariantID *int64
	Err       error
}

func (e *StockError) Error() string {
	if e.VariantID != nil {
		return fmt.Sprintf("product %d variant %d: %v", e.ProductID, *e.VariantID, e.Err)
	}
	return fmt.Sprintf("product %d: %v", e.ProductID, e.Err)
}

func (e *StockError) Unwrap() error { return e.Err }
