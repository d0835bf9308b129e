// Package directory adapts external identity backends that hold privileged
// role membership. Every call is idempotent: adding a present member or
// removing an absent one succeeds with a distinguishing Result.
package directory

import (
	"context"
	"errors"
	"fmt"

	perrors "github.com/p-blackswan/privileged-access/internal/errors"
)

// Result is the outcome of a successful membership mutation.
type Result int

const (
	Success Result = iota
	AlreadyMember
	NotMember
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case AlreadyMember:
		return "already_member"
	case NotMember:
		return "not_member"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Operation names used in errors and metrics.
const (
	OpAdd    = "add_member"
	OpRemove = "remove_member"
	OpList   = "list_members"
)

var (
	// ErrUnavailable means the outcome is unknown (timeout, network, 5xx).
	// The caller may retry.
	ErrUnavailable = perrors.ErrBackendUnavailable

	// ErrRejected means the backend definitely refused the call (unknown
	// principal or role, permission denied). Retrying will not help.
	ErrRejected = perrors.ErrBackendRejected
)

// Directory is the privileged membership backend.
type Directory interface {
	AddMember(ctx context.Context, role, principal string) (Result, error)
	RemoveMember(ctx context.Context, role, principal string) (Result, error)
	ListMembers(ctx context.Context, role string) ([]string, error)
}

// Unavailable wraps cause as an ErrUnavailable directory error.
func Unavailable(op, role, principal string, cause error) error {
	return perrors.NewDirectoryError(op, role, principal, fmt.Errorf("%w: %w", ErrUnavailable, cause))
}

// Rejected wraps cause as an ErrRejected directory error.
func Rejected(op, role, principal string, cause error) error {
	return perrors.NewDirectoryError(op, role, principal, fmt.Errorf("%w: %w", ErrRejected, cause))
}

// IsUnavailable reports whether err leaves the outcome unknown.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRejected reports whether err is a definite backend refusal.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
