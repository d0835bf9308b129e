// Package drift compares the directory's privileged membership with the
// grant store and reports, and where policy allows repairs, the differences.
package drift

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/internal/directory"
	perrors "github.com/p-blackswan/privileged-access/internal/errors"
	"github.com/p-blackswan/privileged-access/internal/metrics"
	"github.com/p-blackswan/privileged-access/internal/models"
	"github.com/p-blackswan/privileged-access/internal/notify"
	"github.com/p-blackswan/privileged-access/internal/policy"
	"github.com/p-blackswan/privileged-access/internal/store"
)

// Reapplier re-adds the membership of an active grant.
type Reapplier interface {
	Reapply(ctx context.Context, g *models.Grant) error
}

// Finding is one difference between directory and store.
type Finding struct {
	Role      string `json:"role"`
	Principal string `json:"principal"`
	GrantID   string `json:"grant_id,omitempty"`
	Action    string `json:"action,omitempty"`
}

// Report is the outcome of one drift pass.
type Report struct {
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	RolesChecked int       `json:"roles_checked"`
	ActiveGrants int       `json:"active_grants"`
	Unexpected   []Finding `json:"unexpected"`
	BreakGlass   []Finding `json:"break_glass"`
	Missing      []Finding `json:"missing"`
	Skipped      []string  `json:"skipped"`
}

// Err returns an ErrDriftDetected error if the pass found any drift that
// is not explained by the break-glass allow-list.
func (r *Report) Err() error {
	if len(r.Unexpected) == 0 && len(r.Missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d unexpected, %d missing", perrors.ErrDriftDetected, len(r.Unexpected), len(r.Missing))
}

// Reconciler runs drift passes.
type Reconciler struct {
	store     *store.Store
	dir       directory.Directory
	policy    *policy.Policy
	reapplier Reapplier
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	interval  time.Duration
	logger    zerolog.Logger

	// passes never overlap: the timer and the API share one reconciler
	runMu sync.Mutex
}

// NewReconciler creates a drift reconciler.
func NewReconciler(st *store.Store, dir directory.Directory, p *policy.Policy, reapplier Reapplier, n notify.Notifier, m *metrics.Metrics, interval time.Duration, logger zerolog.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		store:     st,
		dir:       dir,
		policy:    p,
		reapplier: reapplier,
		notifier:  n,
		metrics:   m,
		interval:  interval,
		logger:    logger.With().Str("component", "drift").Logger(),
	}
}

// Run reconciles until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("drift reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("drift reconciler stopped")
			return
		case <-ticker.C:
			report, err := r.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("drift pass failed")
				continue
			}
			if derr := report.Err(); derr != nil {
				r.logger.Warn().Err(derr).Msg("drift detected")
			}
		}
	}
}

// RunOnce checks every catalog role once.
func (r *Reconciler) RunOnce(ctx context.Context) (*Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	report := &Report{StartedAt: time.Now()}
	for _, role := range r.policy.Roles() {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := r.checkRole(ctx, role, report); err != nil {
			r.metrics.RecordRun("drift", "error")
			return report, err
		}
	}
	report.FinishedAt = time.Now()

	r.metrics.SetActiveGrants(report.ActiveGrants)
	r.metrics.RecordRun("drift", "ok")
	r.logger.Info().
		Int("roles", report.RolesChecked).
		Int("unexpected", len(report.Unexpected)).
		Int("missing", len(report.Missing)).
		Int("break_glass", len(report.BreakGlass)).
		Int("skipped", len(report.Skipped)).
		Msg("drift pass complete")
	return report, nil
}

func (r *Reconciler) checkRole(ctx context.Context, role policy.Role, report *Report) error {
	members, err := r.dir.ListMembers(ctx, role.Name)
	if err != nil {
		// a role we cannot read is skipped, never treated as empty
		r.metrics.RecordDriftSkipped(role.Name)
		r.logger.Warn().Err(err).Str("role", role.Name).Msg("skipping role, directory unreadable")
		report.Skipped = append(report.Skipped, role.Name)
		return nil
	}

	active, err := r.store.ActiveGrants(ctx, role.Name)
	if err != nil {
		return fmt.Errorf("loading active grants for %s: %w", role.Name, err)
	}
	pending, err := r.store.PendingRemovalPrincipals(ctx, role.Name)
	if err != nil {
		return fmt.Errorf("loading pending removals for %s: %w", role.Name, err)
	}
	inFlight, err := r.store.ApprovedPrincipals(ctx, role.Name)
	if err != nil {
		return fmt.Errorf("loading approved grants for %s: %w", role.Name, err)
	}

	report.RolesChecked++
	report.ActiveGrants += len(active)

	present := make(map[string]bool, len(members))
	for _, m := range members {
		present[m] = true
	}
	expected := make(map[string]*models.Grant, len(active))
	for _, g := range active {
		expected[g.Requester] = g
	}

	for _, principal := range members {
		if expected[principal] != nil || pending[principal] || inFlight[principal] {
			continue
		}
		r.unexpected(ctx, role, principal, report)
	}

	var missing []*models.Grant
	for requester, g := range expected {
		if !present[requester] {
			missing = append(missing, g)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Requester < missing[j].Requester })
	for _, g := range missing {
		r.missing(ctx, g, report)
	}
	return nil
}

func (r *Reconciler) unexpected(ctx context.Context, role policy.Role, principal string, report *Report) {
	log := r.logger.With().Str("role", role.Name).Str("principal", principal).Logger()

	if r.policy.IsBreakGlass(principal) {
		r.metrics.RecordDrift(role.Name, "break_glass")
		report.BreakGlass = append(report.BreakGlass, Finding{Role: role.Name, Principal: principal, Action: "observed"})
		log.Warn().Msg("break-glass account holds privileged role")
		r.audit(ctx, models.AuditEvent{Kind: models.AuditDriftBreakGlass, Role: role.Name, Principal: principal})
		_ = r.notifier.Notify(ctx, notify.Event{
			Kind:      notify.KindDriftBreakGlass,
			Level:     notify.LevelWarning,
			Title:     "Break-glass account in use",
			Message:   fmt.Sprintf("Break-glass account %s is a member of %s", principal, role.Name),
			Role:      role.Name,
			Principal: principal,
		})
		return
	}

	r.metrics.RecordDrift(role.Name, "unexpected_member")
	finding := Finding{Role: role.Name, Principal: principal, Action: "alerted"}
	log.Error().Msg("privileged member without an active grant")
	r.audit(ctx, models.AuditEvent{Kind: models.AuditDriftUnexpected, Role: role.Name, Principal: principal})

	message := fmt.Sprintf("%s is a member of %s without an active grant", principal, role.Name)
	if role.AutoRemoveDrift {
		res, err := r.dir.RemoveMember(ctx, role.Name, principal)
		if err != nil {
			log.Error().Err(err).Msg("failed to remove unexpected member")
			message += "; automatic removal failed"
		} else {
			finding.Action = "removed"
			message += "; membership removed"
			r.audit(ctx, models.AuditEvent{Kind: models.AuditDriftAutoRemoved, Role: role.Name, Principal: principal, Detail: res.String()})
		}
	}
	report.Unexpected = append(report.Unexpected, finding)

	_ = r.notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindDriftUnexpectedMember,
		Level:     notify.LevelCritical,
		Title:     "Unexpected privileged member",
		Message:   message,
		Role:      role.Name,
		Principal: principal,
	})
}

func (r *Reconciler) missing(ctx context.Context, g *models.Grant, report *Report) {
	log := r.logger.With().Str("role", g.Role).Str("principal", g.Requester).Str("grant_id", g.ID).Logger()

	r.metrics.RecordDrift(g.Role, "missing_member")
	finding := Finding{Role: g.Role, Principal: g.Requester, GrantID: g.ID, Action: "reapplied"}
	log.Warn().Msg("active grant missing from directory")
	r.audit(ctx, models.AuditEvent{Kind: models.AuditDriftMissing, GrantID: g.ID, Role: g.Role, Principal: g.Requester})

	if err := r.reapplier.Reapply(ctx, g); err != nil {
		if errors.Is(err, perrors.ErrInvalidTransition) {
			// revoked or expired since ActiveGrants was read
			log.Info().Err(err).Msg("grant ended before reapply")
			return
		}
		finding.Action = "reapply_failed"
		log.Error().Err(err).Msg("failed to reapply membership")
	}
	report.Missing = append(report.Missing, finding)

	_ = r.notifier.Notify(ctx, notify.Event{
		Kind:      notify.KindDriftMissingMember,
		Level:     notify.LevelWarning,
		Title:     "Granted member missing from directory",
		Message:   fmt.Sprintf("%s holds an active grant for %s but was not a member (%s)", g.Requester, g.Role, finding.Action),
		GrantID:   g.ID,
		Role:      g.Role,
		Principal: g.Requester,
	})
}

func (r *Reconciler) audit(ctx context.Context, e models.AuditEvent) {
	e.Actor = models.ActorDrift
	if err := r.store.AppendAudit(ctx, e); err != nil {
		r.logger.Error().Err(err).Str("kind", string(e.Kind)).Msg("failed to record drift audit event")
	}
}
