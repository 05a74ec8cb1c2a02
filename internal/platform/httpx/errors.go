// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors handlers map their domain errors onto.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrConflict     = errors.New("conflicting state")
	ErrLocked       = errors.New("resource locked")
	ErrUpstream     = errors.New("upstream unavailable")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrLocked):
		Problem(w, http.StatusLocked, "Locked", err.Error())
	case errors.Is(err, ErrUpstream):
		Problem(w, http.StatusBadGateway, "Not Saved Remotely", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// Wrap tags err with a sentinel so RespondError picks the status while the
// original message is kept.
func Wrap(sentinel, err error) error {
	return &tagged{sentinel: sentinel, err: err}
}

type tagged struct {
	sentinel error
	err      error
}

func (t *tagged) Error() string { return t.err.Error() }

func (t *tagged) Unwrap() []error { return []error{t.sentinel, t.err} }
