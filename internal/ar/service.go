package ar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultTerm is the due date offset when the caller gives none.
const DefaultTerm = 30 * 24 * time.Hour

// RepositoryPort is the remote receivable API.
type RepositoryPort interface {
	CreateReceivable(ctx context.Context, input ReceivableInput) (*Receivable, error)
	ListReceivables(ctx context.Context, filter ListFilter) ([]Receivable, error)
}

// Service handles receivable business logic.
type Service struct {
	repo RepositoryPort
	now  func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, now: time.Now}
}

// ExistsForOrder reports whether the order already has a non-void receivable
// for the client. Callers must check it before CreateFromOrder.
func (s *Service) ExistsForOrder(ctx context.Context, orderCode, clientKey string) (bool, error) {
	if orderCode == "" {
		return false, fmt.Errorf("%w: order code required", ErrInvalidReceivable)
	}
	list, err := s.repo.ListReceivables(ctx, ListFilter{OrderCode: orderCode})
	if err != nil {
		return false, err
	}
	for _, r := range list {
		if r.Status == StatusVoid {
			continue
		}
		if strings.EqualFold(r.ClientKey, clientKey) {
			return true, nil
		}
	}
	return false, nil
}

// CreateFromOrder creates the receivable of a finalized order.
func (s *Service) CreateFromOrder(ctx context.Context, input ReceivableInput) (*Receivable, error) {
	if input.OrderCode == "" {
		return nil, fmt.Errorf("%w: order code required", ErrInvalidReceivable)
	}
	if input.ClientKey == "" {
		return nil, fmt.Errorf("%w: client required", ErrInvalidReceivable)
	}
	if input.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidReceivable)
	}
	if input.DueAt.IsZero() {
		input.DueAt = s.now().Add(DefaultTerm)
	}
	rec, err := s.repo.CreateReceivable(ctx, input)
	if err != nil {
		if errors.Is(err, ErrDuplicateReceivable) {
			return nil, err
		}
		return nil, fmt.Errorf("ar: create receivable for %s: %w", input.OrderCode, err)
	}
	return rec, nil
}

// List returns receivables matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Receivable, error) {
	return s.repo.ListReceivables(ctx, filter)
}

// CalculateAging groups open receivables by due date buckets.
func (s *Service) CalculateAging(ctx context.Context, asOf time.Time) (AgingBucket, error) {
	list, err := s.repo.ListReceivables(ctx, ListFilter{Status: StatusOpen})
	if err != nil {
		return AgingBucket{}, err
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	var bucket AgingBucket
	for _, r := range list {
		if r.Status != StatusOpen {
			continue
		}
		days := int(asOf.Sub(r.DueAt).Hours() / 24)
		switch {
		case days <= 0:
			bucket.Current += r.Amount
		case days <= 30:
			bucket.Bucket30 += r.Amount
		case days <= 60:
			bucket.Bucket60 += r.Amount
		case days <= 90:
			bucket.Bucket90 += r.Amount
		default:
			bucket.Bucket120 += r.Amount
		}
	}
	return bucket, nil
}
