package ar

import (
	"errors"
	"time"
)

// ReceivableStatus enumerates receivable statuses.
type ReceivableStatus string

const (
	StatusOpen ReceivableStatus = "OPEN"
	StatusPaid ReceivableStatus = "PAID"
	StatusVoid ReceivableStatus = "VOID"
)

// Receivable is an accounts-receivable record (conta a receber) created from
// a finalized service order.
type Receivable struct {
	ID         int64            `json:"id"`
	OrderID    int64            `json:"order_id"`
	OrderCode  string           `json:"order_code"`
	ClientKey  string           `json:"client_key"`
	ClientID   *int64           `json:"client_id,omitempty"`
	ClientName string           `json:"client_name,omitempty"`
	Amount     float64          `json:"amount"`
	Status     ReceivableStatus `json:"status"`
	DueAt      time.Time        `json:"due_at"`
	Note       string           `json:"note,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ReceivableInput creates a receivable.
type ReceivableInput struct {
	OrderID    int64
	OrderCode  string
	ClientKey  string
	ClientID   *int64
	ClientName string
	Amount     float64
	DueAt      time.Time
	Note       string
}

// ListFilter narrows receivable listings.
type ListFilter struct {
	OrderID   int64
	OrderCode string
	ClientKey string
	Status    ReceivableStatus
}

// AgingBucket summarises open totals by days overdue.
type AgingBucket struct {
	Current   float64 `json:"current"`
	Bucket30  float64 `json:"bucket_30"`
	Bucket60  float64 `json:"bucket_60"`
	Bucket90  float64 `json:"bucket_90"`
	Bucket120 float64 `json:"bucket_120"`
}

var (
	// ErrDuplicateReceivable indicates the order already has a receivable for the client.
	ErrDuplicateReceivable = errors.New("ar: receivable already exists for order and client")
	// ErrInvalidReceivable wraps input validation failures.
	ErrInvalidReceivable = errors.New("ar: invalid receivable")
)
