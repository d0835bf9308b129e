// Package approval decides whether a grant needs a human and records human
// decisions.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/privileged-access/internal/errors"
	"github.com/p-blackswan/privileged-access/internal/metrics"
	"github.com/p-blackswan/privileged-access/internal/models"
	"github.com/p-blackswan/privileged-access/internal/policy"
	"github.com/p-blackswan/privileged-access/internal/store"
)

// Decision is the policy outcome for a role.
type Decision struct {
	Role             policy.Role
	RequiresApproval bool
	PolicyVersion    string
}

// Kicker is notified when a grant becomes approved.
type Kicker interface {
	Kick()
}

// Engine evaluates policy and applies approval decisions.
type Engine struct {
	store   *store.Store
	policy  *policy.Policy
	kicker  Kicker
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewEngine creates an approval engine. kicker may be nil.
func NewEngine(st *store.Store, p *policy.Policy, kicker Kicker, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   st,
		policy:  p,
		kicker:  kicker,
		metrics: m,
		logger:  logger.With().Str("component", "approval").Logger(),
	}
}

// Evaluate looks the role up in the policy catalog.
func (e *Engine) Evaluate(role string) (Decision, error) {
	r, ok := e.policy.Role(role)
	if !ok {
		return Decision{}, perrors.InvalidRequestf("unknown role %q", role)
	}
	return Decision{
		Role:             r,
		RequiresApproval: r.RequiresApproval(),
		PolicyVersion:    e.policy.Version(),
	}, nil
}

// AutoApprove approves a requested grant on behalf of the policy.
func (e *Engine) AutoApprove(ctx context.Context, grantID string) (*models.Grant, error) {
	g, err := e.store.Approve(ctx, grantID, models.ActorPolicy, store.Change{
		Detail: "auto-approved by policy " + e.policy.Version(),
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordTransition(string(models.StateRequested), string(models.StateApproved))
	e.kick()
	return g, nil
}

// ApprovePending auto-approves requested grants whose role needs no human.
// It covers submits whose synchronous auto-approval failed or never ran.
func (e *Engine) ApprovePending(ctx context.Context) (int, error) {
	pending, err := e.store.List(ctx, store.GrantFilter{State: models.StateRequested, Limit: pendingBatch})
	if err != nil {
		return 0, fmt.Errorf("listing requested grants: %w", err)
	}

	approved := 0
	for _, g := range pending {
		r, ok := e.policy.Role(g.Role)
		if !ok || r.RequiresApproval() {
			continue
		}
		if _, err := e.AutoApprove(ctx, g.ID); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				continue
			}
			e.logger.Error().Err(err).Str("grant_id", g.ID).Msg("auto-approval retry failed")
			continue
		}
		e.logger.Info().Str("grant_id", g.ID).Str("role", g.Role).Msg("pending grant auto-approved")
		approved++
	}
	return approved, nil
}

const pendingBatch = 100

// Approve records a human approval. Repeating the call as the same approver
// is a no-op. Requesters cannot approve their own grants.
func (e *Engine) Approve(ctx context.Context, grantID, approver string) (*models.Grant, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, perrors.InvalidRequestf("approver is required")
	}

	g, err := e.store.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.Requester == approver {
		return nil, perrors.InvalidRequestf("%s cannot approve their own request", approver)
	}
	if alreadyApprovedBy(g, approver) {
		return g, nil
	}
	if g.State != models.StateRequested {
		return nil, perrors.InvalidTransitionf("grant %s is %s", grantID, g.State)
	}

	updated, err := e.store.Approve(ctx, grantID, approver, store.Change{})
	if errors.Is(err, store.ErrStateConflict) {
		// lost a race; the winner may have been this same approver
		current, getErr := e.store.Get(ctx, grantID)
		if getErr == nil && alreadyApprovedBy(current, approver) {
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	e.metrics.RecordTransition(string(models.StateRequested), string(models.StateApproved))
	e.logger.Info().Str("grant_id", grantID).Str("approver", approver).Msg("grant approved")
	e.kick()
	return updated, nil
}

// Deny records a human denial. Repeating the call as the same approver is a no-op.
func (e *Engine) Deny(ctx context.Context, grantID, approver, reason string) (*models.Grant, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, perrors.InvalidRequestf("approver is required")
	}

	g, err := e.store.Get(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if g.State == models.StateDenied && g.Approver == approver {
		return g, nil
	}
	if g.State != models.StateRequested {
		return nil, perrors.InvalidTransitionf("grant %s is %s", grantID, g.State)
	}

	updated, err := e.store.Deny(ctx, grantID, approver, strings.TrimSpace(reason), store.Change{})
	if errors.Is(err, store.ErrStateConflict) {
		current, getErr := e.store.Get(ctx, grantID)
		if getErr == nil && current.State == models.StateDenied && current.Approver == approver {
			return current, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("denying grant: %w", err)
	}

	e.metrics.RecordTransition(string(models.StateRequested), string(models.StateDenied))
	e.logger.Info().Str("grant_id", grantID).Str("approver", approver).Str("reason", reason).Msg("grant denied")
	return updated, nil
}

func (e *Engine) kick() {
	if e.kicker != nil {
		e.kicker.Kick()
	}
}

// alreadyApprovedBy reports whether approver's approval has already been
// recorded on g, whatever happened to the grant since.
func alreadyApprovedBy(g *models.Grant, approver string) bool {
	if g.Approver != approver || g.ApprovedAt == nil {
		return false
	}
	switch g.State {
	case models.StateApproved, models.StateActive, models.StateExpired, models.StateRevoked:
		return true
	}
	return false
}
