// Package apperr defines the error taxonomy shared by every Kioku component.
//
// Each error carries a Kind so that transport layers can map failures to a
// status code and batch jobs can decide whether a per-user failure is worth
// retrying. Errors are wrapped with %w and inspected with errors.As.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero value; treated like Upstream by callers.
	KindUnknown Kind = iota
	// KindAuth means the credential is missing or invalid.
	KindAuth
	// KindValidation means the input or a stored document is malformed.
	KindValidation
	// KindPermission means the credential is valid but not allowed to touch
	// the requested owner or record.
	KindPermission
	// KindNotFound means the addressed record does not exist.
	KindNotFound
	// KindUpstream means a collaborator (store, text generation, blob
	// storage, queue) failed transiently.
	KindUpstream
	// KindRateLimited means the caller exhausted its request quota.
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its kind and the operation that
// produced it. The format is "<op>: <err>".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. A nil err is replaced by a generic message derived
// from the kind so that callers can write apperr.E(KindAuth, op, nil).
func E(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth, Validation, Permission, NotFound and Upstream are shorthands for E
// with a formatted message.
func Auth(op, format string, args ...any) error {
	return E(KindAuth, op, fmt.Errorf(format, args...))
}

func Validation(op, format string, args ...any) error {
	return E(KindValidation, op, fmt.Errorf(format, args...))
}

func Permission(op, format string, args ...any) error {
	return E(KindPermission, op, fmt.Errorf(format, args...))
}

func NotFound(op, format string, args ...any) error {
	return E(KindNotFound, op, fmt.Errorf(format, args...))
}

func Upstream(op string, err error) error {
	return E(KindUpstream, op, err)
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is worth retrying: upstream failures and
// unclassified errors are, everything else is a caller or data problem.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstream, KindUnknown:
		return true
	default:
		return false
	}
}

// HTTPStatus maps err to the status code the request surface returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindPermission:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
