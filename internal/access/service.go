// Package access is the request intake: it validates elevation requests,
// records them and hands them to approval, and exposes grant lookups and
// manual revocation.
package access

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/internal/approval"
	perrors "github.com/p-blackswan/privileged-access/internal/errors"
	"github.com/p-blackswan/privileged-access/internal/metrics"
	"github.com/p-blackswan/privileged-access/internal/models"
	"github.com/p-blackswan/privileged-access/internal/notify"
	"github.com/p-blackswan/privileged-access/internal/policy"
	"github.com/p-blackswan/privileged-access/internal/revocation"
	"github.com/p-blackswan/privileged-access/internal/store"
)

// SubmitInput is an elevation request as received from a caller.
type SubmitInput struct {
	Requester     string
	Role          string
	Duration      time.Duration
	Justification string
	TicketRef     string
}

// Service implements intake, lookup and manual revocation.
type Service struct {
	store    *store.Store
	policy   *policy.Policy
	engine   *approval.Engine
	revoker  *revocation.Revoker
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// NewService creates the intake service.
func NewService(st *store.Store, p *policy.Policy, engine *approval.Engine, revoker *revocation.Revoker, n notify.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		store:    st,
		policy:   p,
		engine:   engine,
		revoker:  revoker,
		notifier: n,
		metrics:  m,
		logger:   logger.With().Str("component", "access").Logger(),
		now:      time.Now,
	}
}

// Submit validates and records a request. If an open grant already exists for
// the same requester and role it is returned with created=false. Roles that
// the policy auto-approves come back already approved.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*models.Grant, bool, error) {
	in.Requester = strings.TrimSpace(in.Requester)
	in.Role = strings.TrimSpace(in.Role)
	in.Justification = strings.TrimSpace(in.Justification)
	in.TicketRef = strings.TrimSpace(in.TicketRef)

	decision, err := s.validate(in)
	if err != nil {
		s.metrics.RecordRequest(in.Role, "invalid")
		return nil, false, err
	}

	now := s.now()
	req := &models.AccessRequest{
		ID:            uuid.New().String(),
		Requester:     in.Requester,
		Role:          in.Role,
		Duration:      in.Duration,
		Justification: in.Justification,
		TicketRef:     in.TicketRef,
		CreatedAt:     now,
	}
	grant := &models.Grant{
		ID:            uuid.New().String(),
		PolicyVersion: decision.PolicyVersion,
	}

	g, created, err := s.store.CreateGrant(ctx, req, grant, models.AuditEvent{
		Actor:     in.Requester,
		Detail:    in.Justification,
		CreatedAt: now,
	})
	if err != nil {
		return nil, false, fmt.Errorf("recording request: %w", err)
	}

	log := s.logger.With().Str("grant_id", g.ID).Str("requester", g.Requester).Str("role", g.Role).Logger()
	if !created {
		s.metrics.RecordRequest(in.Role, "duplicate")
		log.Info().Str("state", string(g.State)).Msg("duplicate request, returning open grant")
	} else {
		s.metrics.RecordRequest(in.Role, "created")
		log.Info().Dur("duration", in.Duration).Str("ticket", in.TicketRef).Msg("access requested")
	}

	if g.State != models.StateRequested {
		return g, created, nil
	}

	// a retried request also finishes an auto-approval that failed earlier
	if !decision.RequiresApproval {
		approved, err := s.engine.AutoApprove(ctx, g.ID)
		if err != nil {
			// the grant stays requested; the enforcement worker's sweep approves it
			s.metrics.RecordError("access", "auto_approve")
			log.Error().Err(err).Msg("auto-approval failed, left for the enforcement sweep")
			return g, created, nil
		}
		log.Info().Msg("grant auto-approved")
		return approved, created, nil
	}

	if created {
		_ = s.notifier.Notify(ctx, notify.Event{
			Kind:      notify.KindApprovalNeeded,
			Level:     notify.LevelInfo,
			Title:     "Privileged access approval needed",
			Message:   fmt.Sprintf("%s requests %s for %s: %s", g.Requester, g.Role, in.Duration, in.Justification),
			GrantID:   g.ID,
			Role:      g.Role,
			Principal: g.Requester,
		})
	}
	return g, created, nil
}

func (s *Service) validate(in SubmitInput) (approval.Decision, error) {
	if in.Requester == "" {
		return approval.Decision{}, perrors.InvalidRequestf("requester is required")
	}
	if in.Role == "" {
		return approval.Decision{}, perrors.InvalidRequestf("role is required")
	}
	decision, err := s.engine.Evaluate(in.Role)
	if err != nil {
		return approval.Decision{}, err
	}

	maxDur := s.policy.MaxDuration(decision.Role)
	if in.Duration <= 0 {
		return approval.Decision{}, perrors.InvalidRequestf("duration must be positive")
	}
	if in.Duration > maxDur {
		return approval.Decision{}, perrors.InvalidRequestf("duration %s exceeds the %s maximum for %s", in.Duration, maxDur, in.Role)
	}

	if in.Justification == "" {
		return approval.Decision{}, perrors.InvalidRequestf("justification is required")
	}
	if limit := s.policy.JustificationMaxLength(); utf8.RuneCountInString(in.Justification) > limit {
		return approval.Decision{}, perrors.InvalidRequestf("justification exceeds %d characters", limit)
	}
	return decision, nil
}

// Get returns a grant by ID.
func (s *Service) Get(ctx context.Context, id string) (*models.Grant, error) {
	return s.store.Get(ctx, id)
}

// List returns grants matching the filter.
func (s *Service) List(ctx context.Context, f store.GrantFilter) ([]*models.Grant, error) {
	if f.State != "" && !f.State.Valid() {
		return nil, perrors.InvalidRequestf("unknown state %q", f.State)
	}
	return s.store.List(ctx, f)
}

// Approve records a human approval.
func (s *Service) Approve(ctx context.Context, id, approver string) (*models.Grant, error) {
	return s.engine.Approve(ctx, id, approver)
}

// Deny records a human denial.
func (s *Service) Deny(ctx context.Context, id, approver, reason string) (*models.Grant, error) {
	return s.engine.Deny(ctx, id, approver, reason)
}

// Revoke ends an active grant early. reason is manual_revoke (the default)
// or policy_violation. Revoking an already ended grant is a no-op.
func (s *Service) Revoke(ctx context.Context, id, actor, reason string) (*models.Grant, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, perrors.InvalidRequestf("actor is required")
	}
	r, err := models.ParseRevocationReason(strings.TrimSpace(reason))
	if err != nil {
		return nil, perrors.InvalidRequestf("%v", err)
	}
	return s.revoker.Revoke(ctx, id, actor, r)
}

// Audit returns the audit trail of one grant, oldest first.
func (s *Service) Audit(ctx context.Context, id string) ([]models.AuditEvent, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id)
}
