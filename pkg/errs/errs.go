// Package errs provides the engine-wide error-kind taxonomy.
//
// Every error that crosses a component boundary carries a stable,
// machine-readable Kind plus a human message. No stack traces or internal
// identifiers are attached to the message itself; callers that need
// internal detail for logging use Details, which is never serialized to
// untrusted callers.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable, machine-readable error token.
type Kind string

const (
	Validation         Kind = "VALIDATION"
	NotFound           Kind = "NOT_FOUND"
	PermissionDenied   Kind = "PERMISSION_DENIED"
	Conflict           Kind = "CONFLICT"
	UnknownHandler     Kind = "UNKNOWN_HANDLER"
	HandlerError       Kind = "HANDLER_ERROR"
	Transient          Kind = "TRANSIENT"
	Timeout            Kind = "TIMEOUT"
	Cancelled          Kind = "CANCELLED"
	Replay             Kind = "REPLAY"
	Tampered           Kind = "TAMPERED"
	Expired            Kind = "EXPIRED"
	Revoked            Kind = "REVOKED"
	UnsupportedVersion Kind = "UNSUPPORTED_VERSION"
	UnknownDevice      Kind = "UNKNOWN_DEVICE"
	ChecksumMismatch   Kind = "CHECKSUM_MISMATCH"
	Denied             Kind = "DENIED"
	Internal           Kind = "INTERNAL"
)

// Error is the engine's structured error type: a stable Kind, a message
// safe to show a caller, and an optional wrapped cause kept for logging.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches internal detail for logging; never marshaled to a
// caller-facing response.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an Error carrying kind and message, with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error carrying kind and message around an existing cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Retryable reports whether the error's kind represents a condition a
// retry might resolve. Only TRANSIENT is retryable by default; callers
// that want HANDLER_ERROR retried do so via an explicit retry policy
// override, never implicitly.
func Retryable(err error) bool {
	return As(err) != nil && As(err).Kind == Transient
}

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else
// Internal — the caller-safe default for an error this taxonomy didn't
// originate.
func KindOf(err error) Kind {
	if e := As(err); e != nil {
		return e.Kind
	}
	return Internal
}

// Convenience constructors mirroring the taxonomy in spec §7.

func ValidationErr(message string) *Error       { return New(Validation, message) }
func NotFoundErr(resource, id string) *Error {
	return New(NotFound, "resource not found").WithDetail("resource", resource).WithDetail("id", id)
}
func PermissionDeniedErr(message string) *Error { return New(PermissionDenied, message) }
func ConflictErr(message string) *Error         { return New(Conflict, message) }
func UnknownHandlerErr(nodeType string) *Error {
	return New(UnknownHandler, "no handler registered for node type").WithDetail("type", nodeType)
}
func HandlerErrorErr(message string, err error) *Error { return Wrap(HandlerError, message, err) }
func TransientErr(message string, err error) *Error    { return Wrap(Transient, message, err) }
func TimeoutErr(scope string) *Error {
	return New(Timeout, "deadline elapsed").WithDetail("scope", scope)
}
func CancelledErr() *Error                { return New(Cancelled, "cancelled") }
func ReplayErr() *Error                   { return New(Replay, "sequence number already seen") }
func TamperedErr(err error) *Error        { return Wrap(Tampered, "authentication failed", err) }
func ExpiredErr() *Error                  { return New(Expired, "timestamp outside tolerance window") }
func RevokedErr() *Error                  { return New(Revoked, "device key revoked") }
func UnsupportedVersionErr() *Error       { return New(UnsupportedVersion, "unsupported envelope version") }
func UnknownDeviceErr() *Error            { return New(UnknownDevice, "device not registered") }
func ChecksumMismatchErr() *Error         { return New(ChecksumMismatch, "package checksum mismatch") }
func DeniedErr() *Error                   { return New(Denied, "denied") }
func InternalErr(message string, err error) *Error { return Wrap(Internal, message, err) }
