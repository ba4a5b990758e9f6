// Package apierror defines the error kinds surfaced by the pharmacy API and
// their stable wire codes. Domain packages declare sentinel errors with New and
// wrap them with fmt.Errorf; handlers turn any error into an echo.HTTPError
// through HTTPError.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hospital/his/internal/platform/db"
)

// Kind is a stable, client-visible error code.
type Kind string

const (
	KindNotFound              Kind = "NOT_FOUND"
	KindAlreadyReviewed       Kind = "ALREADY_REVIEWED"
	KindNotApproved           Kind = "NOT_APPROVED"
	KindCannotCancelDispensed Kind = "CANNOT_CANCEL_DISPENSED"
	KindInvalidTransition     Kind = "INVALID_TRANSITION"
	KindInsufficientStock     Kind = "INSUFFICIENT_STOCK"
	KindDuplicateRecord       Kind = "DUPLICATE_RECORD"
	KindFrozen                Kind = "INVENTORY_FROZEN"
	KindRecordNotEmpty        Kind = "RECORD_NOT_EMPTY"
	KindSafetyCheckFailed     Kind = "SAFETY_CHECK_FAILED"
	KindValidation            Kind = "VALIDATION_FAILED"
	KindUnauthenticated       Kind = "UNAUTHENTICATED"
	KindPayloadTooLarge       Kind = "PAYLOAD_TOO_LARGE"

	// Infrastructure kinds. Callers may retry these with backoff.
	KindRetryableConflict Kind = "RETRYABLE_CONFLICT"
	KindUnavailable       Kind = "STORE_UNAVAILABLE"
	KindInternal          Kind = "INTERNAL"
	KindTimeout           Kind = "REQUEST_TIMEOUT"
)

var statusByKind = map[Kind]int{
	KindNotFound:              http.StatusNotFound,
	KindAlreadyReviewed:       http.StatusConflict,
	KindNotApproved:           http.StatusConflict,
	KindCannotCancelDispensed: http.StatusConflict,
	KindInvalidTransition:     http.StatusConflict,
	KindInsufficientStock:     http.StatusUnprocessableEntity,
	KindDuplicateRecord:       http.StatusConflict,
	KindFrozen:                http.StatusLocked,
	KindRecordNotEmpty:        http.StatusConflict,
	KindSafetyCheckFailed:     http.StatusUnprocessableEntity,
	KindValidation:            http.StatusBadRequest,
	KindUnauthenticated:       http.StatusUnauthorized,
	KindPayloadTooLarge:       http.StatusRequestEntityTooLarge,
	KindRetryableConflict:     http.StatusServiceUnavailable,
	KindUnavailable:           http.StatusServiceUnavailable,
	KindInternal:              http.StatusInternalServerError,
	KindTimeout:               http.StatusGatewayTimeout,
}

// Error is a business-rule failure carrying its Kind.
type Error struct {
	Kind    Kind
	Message string
}

// New returns an Error of the given kind. Declare the result as a package
// level sentinel and compare with errors.Is.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Validation is shorthand for a VALIDATION_FAILED error with a formatted message.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Message
}

// KindOf returns the kind of err, looking through wrapping. Errors without a
// kind are classified from the PostgreSQL error code, falling back to
// KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	switch {
	case db.IsRetryable(err):
		return KindRetryableConflict
	case db.IsUnavailable(err):
		return KindUnavailable
	}
	return KindInternal
}

// Status returns the HTTP status for a kind.
func Status(kind Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// IsBusiness reports whether err is a business-rule failure, as opposed to an
// infrastructure failure the caller may retry.
func IsBusiness(err error) bool {
	switch KindOf(err) {
	case KindRetryableConflict, KindUnavailable, KindInternal, KindTimeout, "":
		return false
	}
	return true
}

// Body is the JSON error envelope returned to clients.
type Body struct {
	Code    Kind   `json:"code"`
	Message string `json:"message"`
}

// HTTPError converts err into an echo.HTTPError with a stable code. The
// message of internal errors is not exposed.
func HTTPError(err error) *echo.HTTPError {
	kind := KindOf(err)
	msg := err.Error()
	switch kind {
	case KindInternal:
		msg = "internal server error"
	case KindUnavailable:
		msg = "database unavailable"
	case KindRetryableConflict:
		msg = "concurrent update, retry the request"
	}
	he := echo.NewHTTPError(Status(kind), Body{Code: kind, Message: msg})
	return he.SetInternal(err)
}

// Respond is the handler-side helper: it sets Retry-After on retryable
// failures and returns the HTTP error for echo to render.
func Respond(c echo.Context, err error) error {
	if KindOf(err) == KindRetryableConflict {
		c.Response().Header().Set("Retry-After", "1")
	}
	return HTTPError(err)
}
