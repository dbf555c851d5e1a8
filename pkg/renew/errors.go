// Package renew provides the core types and the orchestration state machine
// for the unattended renewal of a free hosting contract. It defines the run
// workflow: Session -> Auth -> Contracts -> {NotDue | PIN trigger -> PIN
// fetch -> Submit} and the retry/reschedule policy around it.
package renew

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure for the retry and reschedule logic.
type ErrorClass string

const (
	// ClassTransport indicates a network-level failure or timeout.
	// Always retryable per the run-level policy.
	ClassTransport ErrorClass = "transport"

	// ClassProtocol indicates an unexpected page or response shape.
	// The provider changed behavior; retrying will not fix it.
	ClassProtocol ErrorClass = "protocol"

	// ClassAuth indicates rejected credentials, captcha or 2FA code.
	ClassAuth ErrorClass = "auth"

	// ClassNotEligible indicates the contract cannot be renewed right now.
	// This is a benign condition, not a failure of the run.
	ClassNotEligible ErrorClass = "not_eligible"

	// ClassCaptcha indicates neither solver tier produced an answer.
	ClassCaptcha ErrorClass = "captcha"

	// ClassPinNotFound indicates no matching PIN message exists yet.
	// Retried a bounded number of times before the run fails.
	ClassPinNotFound ErrorClass = "pin_not_found"

	// ClassAmbiguousPin indicates extraction yielded zero or several
	// 6-digit candidates. The provider email format changed.
	ClassAmbiguousPin ErrorClass = "ambiguous_pin"

	// ClassPinRejected indicates the provider refused the submitted PIN.
	ClassPinRejected ErrorClass = "pin_rejected"

	// ClassSessionExpired indicates the provider redirected to the login
	// surface mid-flow.
	ClassSessionExpired ErrorClass = "session_expired"

	// ClassUnknown covers failures that escaped classification.
	ClassUnknown ErrorClass = "unknown"
)

// Error is a classified renewal error with operation context.
type Error struct {
	// Class is the error classification for the retry policy.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		if e.Err != nil {
			return fmt.Sprintf("[%s] %s (op=%s): %v", e.Class, e.Message, e.Op, e.Err)
		}
		return fmt.Sprintf("[%s] %s (op=%s)", e.Class, e.Message, e.Op)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two renewal errors are equal
// when their classes match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// WithOp adds operation context to an error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// NewTransportError creates a transport-class error.
func NewTransportError(message string, err error) *Error {
	return &Error{Class: ClassTransport, Message: message, Err: err}
}

// NewProtocolError creates a protocol-class error.
func NewProtocolError(message string, err error) *Error {
	return &Error{Class: ClassProtocol, Message: message, Err: err}
}

// NewAuthError creates an auth-class error.
func NewAuthError(message string, err error) *Error {
	return &Error{Class: ClassAuth, Message: message, Err: err}
}

// NewCaptchaError creates a captcha-class error.
func NewCaptchaError(message string, err error) *Error {
	return &Error{Class: ClassCaptcha, Message: message, Err: err}
}

// NewNotEligibleError creates a not-eligible error.
func NewNotEligibleError(contractID string) *Error {
	return &Error{Class: ClassNotEligible, Message: fmt.Sprintf("contract %s is not eligible for renewal", contractID)}
}

// NewPinNotFoundError creates a pin-not-found error.
func NewPinNotFoundError(message string) *Error {
	return &Error{Class: ClassPinNotFound, Message: message}
}

// NewAmbiguousPinError creates an ambiguous-pin error.
func NewAmbiguousPinError(message string) *Error {
	return &Error{Class: ClassAmbiguousPin, Message: message}
}

// NewPinRejectedError creates a pin-rejected error.
func NewPinRejectedError(message string) *Error {
	return &Error{Class: ClassPinRejected, Message: message}
}

// NewSessionExpiredError creates a session-expired error.
func NewSessionExpiredError(op string) *Error {
	return &Error{Class: ClassSessionExpired, Message: "provider redirected to the login surface", Op: op}
}

// ClassOf returns the classification of err, or ClassUnknown when err does
// not carry one.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassUnknown
}

// IsClass reports whether err carries the given classification.
func IsClass(err error, class ErrorClass) bool {
	return ClassOf(err) == class
}

// IsTransport reports whether err is a transport-class error.
func IsTransport(err error) bool { return IsClass(err, ClassTransport) }

// IsProtocol reports whether err is a protocol-class error.
func IsProtocol(err error) bool { return IsClass(err, ClassProtocol) }

// IsSessionExpired reports whether err is a session-expired error.
func IsSessionExpired(err error) bool { return IsClass(err, ClassSessionExpired) }

// IsPinNotFound reports whether err is a pin-not-found error.
func IsPinNotFound(err error) bool { return IsClass(err, ClassPinNotFound) }
