// Package enforcement applies approved grants to the directory and activates
// them once the membership is confirmed.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/internal/directory"
	perrors "github.com/p-blackswan/privileged-access/internal/errors"
	"github.com/p-blackswan/privileged-access/internal/metrics"
	"github.com/p-blackswan/privileged-access/internal/models"
	"github.com/p-blackswan/privileged-access/internal/notify"
	"github.com/p-blackswan/privileged-access/internal/retry"
	"github.com/p-blackswan/privileged-access/internal/store"
)

// Config controls the worker loop.
type Config struct {
	PollInterval time.Duration
	StaleAfter   time.Duration
	BatchSize    int
	Backoff      retry.Config
}

// DefaultConfig polls every 5s and flags grants approved for over an hour.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		StaleAfter:   time.Hour,
		BatchSize:    100,
		Backoff:      retry.EnforcementConfig(),
	}
}

// Worker drives approved grants to active.
type Worker struct {
	store    *store.Store
	dir      directory.Directory
	notifier notify.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	logger   zerolog.Logger

	kick chan struct{}
	now  func() time.Time

	autoApprover AutoApprover
}

// AutoApprover approves requested grants whose role needs no human. The
// worker runs it at the start of every pass so a failed or interrupted
// auto-approval is picked up again.
type AutoApprover interface {
	ApprovePending(ctx context.Context) (int, error)
}

// NewWorker creates an enforcement worker.
func NewWorker(st *store.Store, dir directory.Directory, n notify.Notifier, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = retry.EnforcementConfig()
	}
	return &Worker{
		store:    st,
		dir:      dir,
		notifier: n,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With().Str("component", "enforcement").Logger(),
		kick:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// SetClock replaces the worker's time source.
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

// SetAutoApprover registers the sweep run before each pass.
func (w *Worker) SetAutoApprover(a AutoApprover) {
	w.autoApprover = a
}

// Kick wakes the worker without waiting for the next poll. It never blocks.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.cfg.PollInterval).Msg("enforcement worker started")
	for {
		if err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("enforcement pass failed")
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("enforcement worker stopped")
			return
		case <-ticker.C:
		case <-w.kick:
		}
	}
}

// RunOnce processes every due grant and then checks for stale ones.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.autoApprover != nil {
		if n, err := w.autoApprover.ApprovePending(ctx); err != nil {
			w.logger.Error().Err(err).Msg("auto-approval sweep failed")
		} else if n > 0 {
			w.logger.Info().Int("approved", n).Msg("auto-approved pending grants")
		}
	}

	now := w.now()
	due, err := w.store.ListDueForEnforcement(ctx, now, w.cfg.BatchSize)
	if err != nil {
		w.metrics.RecordRun("enforcement", "error")
		return fmt.Errorf("listing approved grants: %w", err)
	}

	for _, g := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.enforce(ctx, g)
	}

	if err := w.checkStale(ctx, now); err != nil {
		w.metrics.RecordRun("enforcement", "error")
		return err
	}
	w.metrics.RecordRun("enforcement", "ok")
	return nil
}

// enforce makes one attempt for one grant. Failures are recorded on the
// grant and never propagate to the rest of the batch.
func (w *Worker) enforce(ctx context.Context, g *models.Grant) {
	log := w.logger.With().Str("grant_id", g.ID).Str("requester", g.Requester).Str("role", g.Role).Logger()

	result, err := w.dir.AddMember(ctx, g.Role, g.Requester)
	if err != nil {
		w.recordFailure(ctx, g, w.now(), err)
		return
	}

	// the grant's clock starts when the membership exists, not when the pass began
	active, err := w.store.Activate(ctx, g.ID, store.Change{
		Actor:  models.ActorEnforcement,
		Detail: result.String(),
		At:     w.now(),
	})
	if errors.Is(err, store.ErrStateConflict) {
		log.Warn().Err(err).Msg("grant changed before activation")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to activate grant")
		return
	}

	w.metrics.RecordTransition(string(models.StateApproved), string(models.StateActive))
	log.Info().
		Str("result", result.String()).
		Time("expires_at", *active.ExpiresAt).
		Int("attempts", g.EnforceAttempts+1).
		Msg("grant activated")
}

const (
	prefixRejected    = "rejected: "
	prefixUnavailable = "unavailable: "
)

func (w *Worker) recordFailure(ctx context.Context, g *models.Grant, now time.Time, cause error) {
	attempts := g.EnforceAttempts + 1
	next := now.Add(retry.Backoff(w.cfg.Backoff, attempts-1))

	rejected := directory.IsRejected(cause)
	msg := prefixUnavailable + cause.Error()
	if rejected {
		msg = prefixRejected + cause.Error()
	}

	w.logger.Warn().Err(cause).
		Str("grant_id", g.ID).
		Int("attempts", attempts).
		Time("next_attempt", next).
		Bool("rejected", rejected).
		Msg("enforcement attempt failed")

	if err := w.store.RecordEnforceFailure(ctx, g.ID, attempts, next, msg); err != nil {
		w.logger.Error().Err(err).Str("grant_id", g.ID).Msg("failed to record enforcement failure")
	}

	// alert once when the backend starts rejecting, not on every retry
	if rejected && !strings.HasPrefix(g.LastEnforceError, prefixRejected) {
		_ = w.notifier.Notify(ctx, notify.Event{
			Kind:      notify.KindEnforcementRejected,
			Level:     notify.LevelCritical,
			Title:     "Directory rejected a grant",
			Message:   fmt.Sprintf("Adding %s to %s was rejected by the directory", g.Requester, g.Role),
			GrantID:   g.ID,
			Role:      g.Role,
			Principal: g.Requester,
			Err:       cause,
		})
	}
}

func (w *Worker) checkStale(ctx context.Context, now time.Time) error {
	stale, err := w.store.ListStaleApproved(ctx, now.Add(-w.cfg.StaleAfter))
	if err != nil {
		return fmt.Errorf("listing stale grants: %w", err)
	}
	for _, g := range stale {
		first, err := w.store.MarkStaleAlerted(ctx, g.ID)
		if err != nil {
			w.logger.Error().Err(err).Str("grant_id", g.ID).Msg("failed to flag stale grant")
			continue
		}
		if !first {
			continue
		}
		w.logger.Warn().Str("grant_id", g.ID).Int("attempts", g.EnforceAttempts).Msg("approved grant not enforced")
		_ = w.notifier.Notify(ctx, notify.Event{
			Kind:      notify.KindEnforcementStale,
			Level:     notify.LevelWarning,
			Title:     "Approved grant not yet enforced",
			Message:   fmt.Sprintf("%s has been approved for %s for over %s (%d attempts): %s", g.Requester, g.Role, w.cfg.StaleAfter, g.EnforceAttempts, g.LastEnforceError),
			GrantID:   g.ID,
			Role:      g.Role,
			Principal: g.Requester,
		})
	}
	return nil
}

// Reapply re-adds the membership of an active grant that the directory no
// longer lists. The grant is re-read first, so a snapshot that has since been
// revoked or expired is refused with ErrInvalidTransition. If the grant ends
// while AddMember is in flight, the membership is removed again.
func (w *Worker) Reapply(ctx context.Context, g *models.Grant) error {
	current, err := w.store.Get(ctx, g.ID)
	if err != nil {
		return err
	}
	if !reapplicable(current) {
		return perrors.InvalidTransitionf("grant %s is %s, not active", current.ID, current.State)
	}

	result, err := w.dir.AddMember(ctx, current.Role, current.Requester)
	if err != nil {
		return err
	}

	after, err := w.store.Get(ctx, g.ID)
	if err != nil {
		return err
	}
	if !reapplicable(after) {
		return w.undoReapply(ctx, after)
	}

	if err := w.store.AppendAudit(ctx, models.AuditEvent{
		GrantID:   current.ID,
		Kind:      models.AuditEnforcementReapply,
		Actor:     models.ActorEnforcement,
		Role:      current.Role,
		Principal: current.Requester,
		Detail:    result.String(),
	}); err != nil {
		return err
	}
	w.logger.Info().Str("grant_id", current.ID).Str("result", result.String()).Msg("membership reapplied")
	return nil
}

func reapplicable(g *models.Grant) bool {
	return g.State == models.StateActive && !g.RemovalPending
}

// undoReapply removes a membership added for a grant that ended during the
// call. The revoker's own removal may already have run before the add landed.
func (w *Worker) undoReapply(ctx context.Context, g *models.Grant) error {
	log := w.logger.With().Str("grant_id", g.ID).Str("requester", g.Requester).Str("role", g.Role).Logger()

	held, err := w.store.HasActiveGrant(ctx, g.Requester, g.Role)
	if err != nil {
		return err
	}
	if !held {
		if _, err := w.dir.RemoveMember(ctx, g.Role, g.Requester); err != nil {
			log.Error().Err(err).Msg("failed to undo reapply for ended grant")
			return fmt.Errorf("undoing reapply of ended grant %s: %w", g.ID, err)
		}
	}
	log.Warn().Str("state", string(g.State)).Msg("grant ended during reapply, membership withdrawn")
	return perrors.InvalidTransitionf("grant %s ended during reapply", g.ID)
}
