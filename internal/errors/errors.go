// Package errors provides the error taxonomy for the privileged access orchestrator.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestrator's failure classes.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrBackendUnavailable = errors.New("directory backend unavailable")
	ErrBackendRejected    = errors.New("directory backend rejected the operation")
	ErrDriftDetected      = errors.New("privileged membership drift detected")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
)

// DirectoryError describes a failed call to the directory backend.
type DirectoryError struct {
	Op        string
	Role      string
	Principal string
	Err       error
}

func (e *DirectoryError) Error() string {
	if e.Principal != "" {
		return fmt.Sprintf("directory %s %s/%s: %v", e.Op, e.Role, e.Principal, e.Err)
	}
	return fmt.Sprintf("directory %s %s: %v", e.Op, e.Role, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// NewDirectoryError wraps err with the directory operation that produced it.
func NewDirectoryError(op, role, principal string, err error) *DirectoryError {
	return &DirectoryError{Op: op, Role: role, Principal: principal, Err: err}
}

// InvalidRequestf returns an ErrInvalidRequest carrying a formatted reason.
func InvalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// InvalidTransitionf returns an ErrInvalidTransition carrying a formatted reason.
func InvalidTransitionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

// IsRetryable returns true if the error is transient and the outcome unknown.
// Rejections by the backend are definite failures and are not retried.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrBackendRejected) {
		return false
	}
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrTimeout)
}
