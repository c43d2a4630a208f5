// Package errs defines the error taxonomy shared by every layer.
// Business rejections (quota exceeded, rate limited) are values, not errors;
// the kinds below describe faults and boundary rejections.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindAuthentication      Kind = "authentication"       // Bad or missing signature
	KindValidation          Kind = "validation"           // Malformed payload or arguments
	KindTransientDependency Kind = "transient_dependency" // Store or network timeout
	KindQuotaExceeded       Kind = "quota_exceeded"       // Business rejection surfaced as error
	KindAbuseDetected       Kind = "abuse_detected"       // Triggered a suspension
	KindPermanentFailure    Kind = "permanent_processing_failure"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Code    string // Machine-readable reason, e.g. "invalid_resource_type"
	Op      string // Operation that failed, e.g. "quota.reserve"
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind.
func New(kind Kind, code, op, message string) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Message: message}
}

// Wrap attaches a kind and operation to an underlying error.
func Wrap(err error, kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Code: string(kind), Op: op, Message: message, Err: err}
}

// Authentication creates an authentication error.
func Authentication(op, message string) *Error {
	return New(KindAuthentication, "invalid_signature", op, message)
}

// Validation creates a validation error with a specific code.
func Validation(code, op, message string) *Error {
	return New(KindValidation, code, op, message)
}

// Transient wraps a dependency failure that may succeed on retry.
func Transient(err error, op string) *Error {
	return &Error{Kind: KindTransientDependency, Code: "dependency_unavailable", Op: op, Message: "dependency unavailable", Err: err}
}

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return New(KindNotFound, "not_found", op, fmt.Sprintf("%s %q not found", resource, id))
}

// KindOf returns the kind of the first classified error in the chain,
// or KindInternal if there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the machine-readable code, or "internal".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return "internal"
}

// MessageOf returns a message safe to show to callers.
// Internal and transient errors get a generic message.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindInternal:
			return "An internal error occurred. Please try again later."
		case KindTransientDependency:
			return "A dependency is temporarily unavailable. Please retry."
		}
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
