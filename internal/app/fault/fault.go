// Package fault classifies relayer errors into the kinds the rest of the
// system keys retry and transport behaviour on. Every error surfaced from a
// service carries a stable machine-readable code.
package fault

import (
	"errors"
	"fmt"
)

// Kind partitions errors by how callers must react to them.
type Kind int

const (
	// Validation covers bad input, amount bounds, and address format. Never retried.
	Validation Kind = iota
	// Authorization covers bad or missing signatures and role failures. Never retried.
	Authorization
	// NotFound covers unknown identifiers.
	NotFound
	// StateConflict covers replay, already-processed, and insufficient
	// confirmations. Only the confirmations case is externally retryable later.
	StateConflict
	// CircuitBreaker covers hard caps; callers must back off.
	CircuitBreaker
	// TransientInfra covers RPC timeouts and webhook failures; retried locally
	// with bounded backoff on idempotent reads, then surfaced.
	TransientInfra
	// FatalInvariant covers unexpected reverts and balance mismatches; the
	// operation aborts with zero partial effect and a critical alert fires.
	FatalInvariant
)

// Error is a classified error with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified error.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// WithDetail attaches a key/value to the error's detail map.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the kind from an error chain, defaulting to FatalInvariant
// for unclassified errors so unknown failures are treated conservatively.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FatalInvariant
}

// CodeOf extracts the stable code from an error chain.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return "INTERNAL"
}

// As is a convenience wrapper around errors.As for *Error.
func As(err error) (*Error, bool) {
	var fe *Error
	ok := errors.As(err, &fe)
	return fe, ok
}
