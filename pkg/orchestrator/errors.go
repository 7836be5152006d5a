package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies orchestrator failures
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindConflict
	KindExternal
	KindDrift
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindExternal:
		return "external"
	case KindDrift:
		return "drift"
	default:
		return "unknown"
	}
}

// Error is an orchestrator failure with an HTTP-style status code
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the same operation
func (e *Error) Retryable() bool {
	return e.Kind == KindConflict
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

func external(err error, format string, args ...any) *Error {
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return &Error{Kind: KindExternal, Code: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...), Err: err}
}

// StatusCode maps err to an HTTP status code. Errors that are not
// orchestrator errors are treated as internal failures.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr.Code
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err is an orchestrator error of kind k
func IsKind(err error, k Kind) bool {
	var oerr *Error
	return errors.As(err, &oerr) && oerr.Kind == k
}
