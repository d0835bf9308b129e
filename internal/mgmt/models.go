// Package mgmt provides the HTTP API of the privileged access orchestrator.
package mgmt

import (
	"time"

	"github.com/p-blackswan/privileged-access/internal/models"
)

// --- Request DTOs ---

// SubmitRequest is the payload for POST /api/v1/requests.
type SubmitRequest struct {
	Requester     string `json:"requester"`
	Role          string `json:"role"`
	Duration      string `json:"duration"` // Go duration, e.g. "2h"
	Justification string `json:"justification"`
	TicketRef     string `json:"ticket_ref,omitempty"`
}

// DecisionRequest is the payload for approve and deny.
type DecisionRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

// RevokeRequest is the payload for POST /api/v1/grants/:id/revoke.
type RevokeRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// --- Response DTOs ---

// SubmitResponse is the response for POST /api/v1/requests.
type SubmitResponse struct {
	GrantID string        `json:"grant_id"`
	State   models.State  `json:"state"`
	Created bool          `json:"created"`
	Grant   *models.Grant `json:"grant"`
}

// GrantResponse wraps a grant.
type GrantResponse struct {
	Grant *models.Grant `json:"grant"`
}

// GrantListResponse wraps a list of grants.
type GrantListResponse struct {
	Grants []*models.Grant `json:"grants"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// AuditResponse is the audit trail of one grant.
type AuditResponse struct {
	Events []models.AuditEvent `json:"events"`
}

// HealthResponse is the response for GET /readyz.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Uptime string            `json:"uptime,omitempty"`
}

// PolicyResponse is the response for GET /api/v1/policy.
type PolicyResponse struct {
	Version                string        `json:"version"`
	MaxDuration            time.Duration `json:"max_duration"`
	JustificationMaxLength int           `json:"justification_max_length"`
	BreakGlass             []string      `json:"break_glass"`
	Roles                  []PolicyRole  `json:"roles"`
}

// PolicyRole is one catalog role as exposed over the API.
type PolicyRole struct {
	Name             string `json:"name"`
	Description      string `json:"description,omitempty"`
	Tier             int    `json:"tier"`
	RequiresApproval bool   `json:"requires_approval"`
	MaxDuration      string `json:"max_duration"`
	AutoRemoveDrift  bool   `json:"auto_remove_drift"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
