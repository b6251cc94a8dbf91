// Package apperr defines the error kinds from the commit pipeline's error
// handling design and maps them to HTTP status codes, the way
// handlers.respondWithError mapped ad-hoc errors to status codes in the
// teacher repo, generalized into one typed table.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind discriminates the error categories the HTTP surface must map to
// distinct status codes.
type Kind int

const (
	// KindMalformedRequest covers bad JSON or a missing required field.
	KindMalformedRequest Kind = iota
	// KindUnauthorized covers a missing or invalid bearer token.
	KindUnauthorized
	// KindNotFound covers an unknown resource id.
	KindNotFound
	// KindConflict covers a commit with a duplicate event id.
	KindConflict
	// KindStorageFailure covers a K/V transaction abort.
	KindStorageFailure
	// KindIndexFailure covers an index writer failure (non-fatal to the commit).
	KindIndexFailure
)

// Error is a typed application error carrying a Kind for HTTP mapping.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// StatusCode maps err to the HTTP status it should surface as. Errors that
// are not *Error default to 500.
func StatusCode(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindMalformedRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindStorageFailure:
		return http.StatusInternalServerError
	case KindIndexFailure:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}
