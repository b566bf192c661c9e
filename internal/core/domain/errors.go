package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a bridge error with a structured error code.
// The code travels verbatim in protocol error replies so clients can
// distinguish failure classes without parsing prose.
type DomainError struct {
	Code    string // Error code (e.g., "SB-NS-4090")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support, comparing by code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: details,
		Cause:   e.Cause,
	}
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
		Cause:   cause,
	}
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// Namespace errors (NS).
var (
	// ErrUnsupportedNamespace indicates the command is valid but not
	// implemented for the target namespace. The connection stays open.
	ErrUnsupportedNamespace = NewDomainError("SB-NS-4090", "unsupported namespace")
)

// Key and session errors (KEY, SESS).
var (
	// ErrKeyNotFound indicates the requested state does not exist.
	ErrKeyNotFound = NewDomainError("SB-KEY-4040", "key not found")

	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = NewDomainError("SB-SESS-4040", "session not found")
)

// Argument errors (ARG). Rejected before any storage call, so storage
// state is never mutated.
var (
	// ErrMalformedArgument indicates a syntactically invalid argument,
	// e.g. a non-numeric expiry.
	ErrMalformedArgument = NewDomainError("SB-ARG-4000", "malformed argument")

	// ErrWrongArgCount indicates the wrong number of arguments.
	ErrWrongArgCount = NewDomainError("SB-ARG-4001", "wrong number of arguments")
)

// Storage and serialization errors (STOR, SER).
var (
	// ErrStorageFailure indicates the storage collaborator reported an
	// error. Never auto-retried.
	ErrStorageFailure = NewDomainError("SB-STOR-5001", "storage failure")

	// ErrSerialization indicates a payload is not representable in reply
	// form. Logged and treated as zero-effect delivery during fan-out.
	ErrSerialization = NewDomainError("SB-SER-5002", "serialization failure")
)

// Fatal startup errors. These terminate the process with a dedicated
// exit status after logging.
var (
	// ErrSecureTransport indicates a secure-transport request, which the
	// bridge does not support by design.
	ErrSecureTransport = NewDomainError("SB-CONF-4001", "secure transport not supported")

	// ErrBindFailure indicates the listening socket could not be bound.
	ErrBindFailure = NewDomainError("SB-NET-5000", "bind failure")
)
