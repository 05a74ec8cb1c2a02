package serviceorder

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the order (or a referenced record) does not exist.
	ErrNotFound = errors.New("serviceorder: not found")
	// ErrConflict indicates the remote store rejected a duplicate code.
	ErrConflict = errors.New("serviceorder: duplicate code conflict")
	// ErrValidation groups synchronous validation failures.
	ErrValidation = errors.New("serviceorder: validation failed")
	// ErrDuplicateItem is returned when an equivalent item already exists.
	ErrDuplicateItem = errors.New("serviceorder: duplicate item")
	// ErrInvalidTransition indicates a lifecycle transition is not allowed.
	ErrInvalidTransition = errors.New("serviceorder: invalid status transition")
	// ErrSaveInProgress indicates another save holds the order lock.
	ErrSaveInProgress = errors.New("serviceorder: save already in progress")
	// ErrRemoteUnavailable indicates the remote store could not be reached.
	ErrRemoteUnavailable = errors.New("serviceorder: remote unavailable")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match ErrValidation.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// SaveError reports a remote persistence failure. The order was NOT saved
// remotely and the local cache was not updated.
type SaveError struct {
	Op     string
	Code   string
	Status int
	Err    error
}

func (e *SaveError) Error() string {
	msg := fmt.Sprintf("order %s not saved remotely (%s)", e.Code, e.Op)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SaveError) Unwrap() error { return e.Err }

// RemoteError carries the HTTP-ish status of a failed remote call.
type RemoteError struct {
	Status int
	Body   string
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("remote status %d", e.Status)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// StatusOf extracts the remote status from an error chain, zero when absent.
func StatusOf(err error) int {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}
