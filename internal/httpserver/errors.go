package httpserver

import (
	"errors"
	"net/http"
)

// Kind is an abstract error kind from a fixed taxonomy. It is the thing
// every component-level error maps to before crossing the HTTP boundary;
// components never import net/http status codes directly.
type Kind int

const (
	// KindInternal is the zero value so a bare error (no *Error wrapping)
	// defaults to 500 rather than silently succeeding.
	KindInternal Kind = iota
	KindUnauthenticated
	KindCredentialInvalid
	KindForbidden
	KindNotFound
	KindConflict
	KindValidation
	KindUpstreamTransient
	KindUpstreamPermanent
)

// Error is a typed application error carrying an abstract Kind plus the
// human-readable message surfaced to the client. Conflict errors additionally
// carry Expected/Actual so the client sees the mismatch.
type Error struct {
	Kind     Kind
	Message  string
	Expected int64
	Actual   int64
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// NewError constructs a typed Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a typed Error that also preserves cause for logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// NewConflict constructs a KindConflict error carrying expected/actual
// versions, matching the optimistic-concurrency contract used across the
// versioned resources.
func NewConflict(expected, actual int64) *Error {
	return &Error{Kind: KindConflict, Message: "version mismatch", Expected: expected, Actual: actual}
}

var kindStatus = map[Kind]int{
	KindUnauthenticated:   http.StatusUnauthorized,
	KindCredentialInvalid: http.StatusUnauthorized,
	KindForbidden:         http.StatusForbidden,
	KindNotFound:          http.StatusNotFound,
	KindConflict:          http.StatusConflict,
	KindValidation:        http.StatusUnprocessableEntity,
	KindUpstreamTransient: http.StatusBadGateway,
	KindUpstreamPermanent: http.StatusBadGateway,
	KindInternal:          http.StatusInternalServerError,
}

// WriteError maps err onto the fixed error-kind -> HTTP status table and
// writes the corresponding JSON response. Errors that are not a
// *Error are treated as internal and logged by the caller before this is
// invoked; WriteError itself never logs.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *Error
	if !errors.As(err, &appErr) {
		RespondError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}

	if appErr.Kind == KindConflict {
		RespondConflict(w, appErr.Expected, appErr.Actual)
		return
	}

	status, ok := kindStatus[appErr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	RespondError(w, status, codeForKind(appErr.Kind), appErr.Message)
}

func codeForKind(k Kind) string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindCredentialInvalid:
		return "credential_invalid"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation_error"
	case KindUpstreamTransient:
		return "upstream_unavailable"
	case KindUpstreamPermanent:
		return "upstream_error"
	default:
		return "internal_error"
	}
}
