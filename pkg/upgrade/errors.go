// Package upgrade drives the staged release upgrade: a fixed sequence of
// marker-gated phases wrapped by the signal dispatcher and a single
// finalizer that performs rollback on every exit path.
package upgrade

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an upgrade error for finalizer and exit handling.
type ErrorClass string

const (
	// ErrorClassPrecondition indicates an environment check failed before
	// any mutation began. No rollback is needed.
	ErrorClassPrecondition ErrorClass = "precondition"

	// ErrorClassOperation indicates a required operation failed mid-run.
	// The finalizer takes the rollback path.
	ErrorClassOperation ErrorClass = "operation"

	// ErrorClassSignal indicates the run was terminated by a signal.
	ErrorClassSignal ErrorClass = "signal"

	// ErrorClassNoop indicates the run has nothing to do. It is
	// success-adjacent: distinct from success so callers can branch on it,
	// but it never triggers rollback.
	ErrorClassNoop ErrorClass = "noop"
)

// Process exit codes. These are stable and distinct so that callers can
// branch on the failure class.
const (
	ExitSuccess         = 0
	ExitGeneral         = 1
	ExitLock            = 2
	ExitInvalidArgs     = 3
	ExitPrivilege       = 4
	ExitWrongRelease    = 5
	ExitAlreadyUpgraded = 6
	ExitNetwork         = 7
	ExitDiskSpace       = 8
	ExitPostValidation  = 9

	// ExitSignalBase is added to the signal number for signal-induced exits.
	ExitSignalBase = 128
)

// Error is a classified upgrade error carrying the process exit code and
// the phase and operation where it occurred.
type Error struct {
	// Class is the error classification for finalizer handling.
	Class ErrorClass

	// Code is the process exit code for this error.
	Code int

	// Phase is the phase that was executing when the error occurred.
	Phase string

	// Op is the operation being performed when the error occurred.
	Op string

	// Message is the human-readable error message.
	Message string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	switch {
	case e.Phase != "" && e.Op != "":
		return fmt.Sprintf("[%s] %s (phase=%s, op=%s)", e.Class, msg, e.Phase, e.Op)
	case e.Phase != "":
		return fmt.Sprintf("[%s] %s (phase=%s)", e.Class, msg, e.Phase)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewPreconditionError creates a precondition failure with its exit code.
func NewPreconditionError(code int, message string, err error) *Error {
	return &Error{
		Class:   ErrorClassPrecondition,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewOperationError creates a fatal mid-run operation failure (exit 1).
func NewOperationError(message string, err error) *Error {
	return &Error{
		Class:   ErrorClassOperation,
		Code:    ExitGeneral,
		Message: message,
		Err:     err,
	}
}

// NewSignalError creates a signal-induced termination error. The exit code
// is 128 plus the signal number.
func NewSignalError(signalName string, signalNumber int) *Error {
	return &Error{
		Class:   ErrorClassSignal,
		Code:    ExitSignalBase + signalNumber,
		Message: fmt.Sprintf("terminated by signal %s", signalName),
	}
}

// NewAlreadyUpgradedError reports that the system is already at the target
// release. Exit 6, no rollback.
func NewAlreadyUpgradedError(release string) *Error {
	return &Error{
		Class:   ErrorClassNoop,
		Code:    ExitAlreadyUpgraded,
		Message: fmt.Sprintf("system is already at target release %q", release),
	}
}

// WithPhase adds phase context to the error.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithOp adds operation context to the error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// ExitCodeFor maps any error to its process exit code. A nil error is
// success; an unclassified error is a general failure.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ExitGeneral
}

// ClassOf returns the error class, or ErrorClassOperation for errors that
// were never classified.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassOperation
}

// IsPrecondition reports whether err is a precondition failure.
func IsPrecondition(err error) bool {
	return ClassOf(err) == ErrorClassPrecondition
}

// IsSignal reports whether err is a signal-induced termination.
func IsSignal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassSignal
	}
	return false
}

// IsNoop reports whether err is the success-adjacent "nothing to do" class,
// such as the system already running the target release.
func IsNoop(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassNoop
	}
	return false
}

// NeedsRollback reports whether the finalizer should take the rollback
// path for err. Preconditions fail before any mutation and noop exits
// mutate nothing, so neither needs rollback.
func NeedsRollback(err error) bool {
	if err == nil {
		return false
	}
	switch ClassOf(err) {
	case ErrorClassPrecondition, ErrorClassNoop:
		return false
	default:
		return true
	}
}
