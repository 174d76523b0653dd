// Package apperr defines the stable error taxonomy surfaced to callers.
//
// Every error that leaves the service carries a Code, a human-readable
// message and a classification. Codes are part of the public contract and
// never change meaning.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodePermissionDenied      Code = "PERMISSION_DENIED"
	CodeIdempotencyConflict   Code = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyInProgress Code = "IDEMPOTENCY_IN_PROGRESS"
	CodeInsufficientBalance   Code = "INSUFFICIENT_BALANCE"
	CodeNotFound              Code = "NOT_FOUND"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeStoreUnavailable      Code = "STORE_UNAVAILABLE"
	CodeLedgerUnavailable     Code = "LEDGER_UNAVAILABLE"
	CodeTxTimeout             Code = "TX_TIMEOUT"
	CodeTxReverted            Code = "TX_REVERTED"
	CodeInternal              Code = "INTERNAL"
)

// Classification groups codes by how callers and the core react to them.
type Classification string

const (
	// ClassClient errors are surfaced immediately and never retried by the core.
	ClassClient Classification = "CLIENT"
	// ClassTransient errors were retried a bounded number of times before surfacing.
	ClassTransient Classification = "TRANSIENT"
	// ClassRejection is a deterministic ledger rejection; retrying reproduces it.
	ClassRejection Classification = "REJECTION"
	// ClassInternal marks invariant violations. These are bugs.
	ClassInternal Classification = "INTERNAL"
)

type codeInfo struct {
	status int
	class  Classification
	title  string
}

var codes = map[Code]codeInfo{
	CodeInvalidInput:          {http.StatusBadRequest, ClassClient, "Bad Request"},
	CodeUnauthenticated:       {http.StatusUnauthorized, ClassClient, "Unauthorized"},
	CodePermissionDenied:      {http.StatusForbidden, ClassClient, "Forbidden"},
	CodeIdempotencyConflict:   {http.StatusConflict, ClassClient, "Conflict"},
	CodeIdempotencyInProgress: {http.StatusConflict, ClassClient, "Conflict"},
	CodeInsufficientBalance:   {http.StatusUnprocessableEntity, ClassClient, "Unprocessable Entity"},
	CodeNotFound:              {http.StatusNotFound, ClassClient, "Not Found"},
	CodeRateLimited:           {http.StatusTooManyRequests, ClassClient, "Too Many Requests"},
	CodeStoreUnavailable:      {http.StatusServiceUnavailable, ClassTransient, "Service Unavailable"},
	CodeLedgerUnavailable:     {http.StatusServiceUnavailable, ClassTransient, "Service Unavailable"},
	CodeTxTimeout:             {http.StatusGatewayTimeout, ClassTransient, "Gateway Timeout"},
	CodeTxReverted:            {http.StatusUnprocessableEntity, ClassRejection, "Unprocessable Entity"},
	CodeInternal:              {http.StatusInternalServerError, ClassInternal, "Internal Server Error"},
}

// HTTPStatus maps a code to its HTTP status. Unknown codes map to 500.
func (c Code) HTTPStatus() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Classification returns the code's classification.
func (c Code) Classification() Classification {
	if info, ok := codes[c]; ok {
		return info.class
	}
	return ClassInternal
}

// Title is the short RFC 7807 title for the code's status.
func (c Code) Title() string {
	if info, ok := codes[c]; ok {
		return info.title
	}
	return "Internal Server Error"
}

// Error is the taxonomy error type. ReceiptID is set when the failure was
// recorded against a receipt.
type Error struct {
	Code      Code
	Message   string
	ReceiptID string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithReceipt returns a copy of e referencing the given receipt.
func (e *Error) WithReceipt(receiptID string) *Error {
	cp := *e
	cp.ReceiptID = receiptID
	return &cp
}

// From extracts an *Error from err's chain. Errors outside the taxonomy are
// reported as INTERNAL with a generic message so internal state never leaks.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: "an unexpected error occurred", Cause: err}
}

// CodeOf returns the taxonomy code of err, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
