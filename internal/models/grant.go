package models

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a Grant.
type State string

const (
	StateRequested State = "requested"
	StateApproved  State = "approved"
	StateDenied    State = "denied"
	StateActive    State = "active"
	StateExpired   State = "expired"
	StateRevoked   State = "revoked"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateDenied, StateExpired, StateRevoked:
		return true
	}
	return false
}

// IsOpen reports whether the grant still blocks a new request for the same pair.
func (s State) IsOpen() bool {
	switch s {
	case StateRequested, StateApproved, StateActive:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateRequested, StateApproved, StateDenied, StateActive, StateExpired, StateRevoked:
		return true
	}
	return false
}

// transitions lists the legal moves of the grant state machine.
var transitions = map[State][]State{
	StateRequested: {StateApproved, StateDenied},
	StateApproved:  {StateActive},
	StateActive:    {StateExpired, StateRevoked},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// RevocationReason records why an active grant ended.
type RevocationReason string

const (
	ReasonExpired         RevocationReason = "expired"
	ReasonManualRevoke    RevocationReason = "manual_revoke"
	ReasonPolicyViolation RevocationReason = "policy_violation"
)

// ParseRevocationReason accepts the operator-facing revocation reasons.
// ReasonExpired is reserved for the expiry reconciler.
func ParseRevocationReason(s string) (RevocationReason, error) {
	switch RevocationReason(s) {
	case "", ReasonManualRevoke:
		return ReasonManualRevoke, nil
	case ReasonPolicyViolation:
		return ReasonPolicyViolation, nil
	}
	return "", fmt.Errorf("unknown revocation reason %q", s)
}

// AccessRequest is the immutable record of an elevation request.
type AccessRequest struct {
	ID            string        `json:"id"`
	Requester     string        `json:"requester"`
	Role          string        `json:"role"`
	Duration      time.Duration `json:"duration"`
	Justification string        `json:"justification"`
	TicketRef     string        `json:"ticket_ref,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Grant tracks one elevation through its lifecycle.
type Grant struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id"`
	Requester string        `json:"requester"`
	Role      string        `json:"role"`
	Duration  time.Duration `json:"duration"`
	State     State         `json:"state"`

	Approver   string     `json:"approver,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	DenyReason string     `json:"deny_reason,omitempty"`

	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`

	RevokedAt        *time.Time       `json:"revoked_at,omitempty"`
	RevokedBy        string           `json:"revoked_by,omitempty"`
	RevocationReason RevocationReason `json:"revocation_reason,omitempty"`
	RemovalPending   bool             `json:"removal_pending,omitempty"`

	EnforceAttempts  int        `json:"enforce_attempts"`
	NextEnforceAt    *time.Time `json:"next_enforce_at,omitempty"`
	LastEnforceError string     `json:"last_enforce_error,omitempty"`
	StaleAlerted     bool       `json:"-"`
	ExpiryNotified   bool       `json:"-"`

	PolicyVersion string    `json:"policy_version,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AuditKind classifies audit events.
type AuditKind string

const (
	AuditTransition         AuditKind = "transition"
	AuditDriftUnexpected    AuditKind = "drift.unexpected_member"
	AuditDriftMissing       AuditKind = "drift.missing_member"
	AuditDriftBreakGlass    AuditKind = "drift.break_glass"
	AuditDriftAutoRemoved   AuditKind = "drift.auto_removed"
	AuditEnforcementReapply AuditKind = "enforcement.reapplied"
	AuditRemovalCompleted   AuditKind = "revocation.removal_completed"
)

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID        string    `json:"id"`
	GrantID   string    `json:"grant_id,omitempty"`
	Kind      AuditKind `json:"kind"`
	FromState State     `json:"from_state,omitempty"`
	ToState   State     `json:"to_state,omitempty"`
	Actor     string    `json:"actor"`
	Role      string    `json:"role,omitempty"`
	Principal string    `json:"principal,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// System actors.
const (
	ActorPolicy      = "system:policy"
	ActorEnforcement = "system:enforcement"
	ActorExpiry      = "system:expiry"
	ActorDrift       = "system:drift"
)
