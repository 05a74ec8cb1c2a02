package reconcile

import (
	"errors"

	"github.com/aledz7/df-graficas-sub014/internal/serviceorder"
)

// RetryReason names a recoverable save failure.
type RetryReason string

const (
	// RetryConflict means the remote rejected the code as a duplicate.
	RetryConflict RetryReason = "conflict"
	// RetryNotFound means an update targeted an order the remote no longer has.
	RetryNotFound RetryReason = "not_found"
)

// RetryPolicy bounds how often each recoverable failure is retried.
type RetryPolicy struct {
	MaxRetries int
}

// DefaultRetryPolicy retries each recoverable failure once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 1}
}

// Classify maps a failed attempt to a retry reason. Only a 404 on update and a
// 409 on create are recoverable.
func (p RetryPolicy) Classify(op string, err error) (RetryReason, bool) {
	switch {
	case op == opUpdate && errors.Is(err, serviceorder.ErrNotFound):
		return RetryNotFound, true
	case op == opCreate && errors.Is(err, serviceorder.ErrConflict):
		return RetryConflict, true
	}
	return "", false
}

// Allow reports whether another retry for reason fits the budget and records it.
// The create that replaces a missing update is the last attempt, so its
// failure is surfaced as is.
func (p RetryPolicy) Allow(reason RetryReason, attempts map[RetryReason]int) bool {
	if attempts[RetryNotFound] > 0 {
		return false
	}
	if attempts[reason] >= p.MaxRetries {
		return false
	}
	attempts[reason]++
	return true
}
