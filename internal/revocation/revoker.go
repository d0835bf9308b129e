// Package revocation ends active grants and removes the membership they
// conferred. The state change is committed before the directory is touched;
// a removal that fails stays flagged on the grant and is retried until the
// directory confirms it.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/internal/directory"
	perrors "github.com/p-blackswan/privileged-access/internal/errors"
	"github.com/p-blackswan/privileged-access/internal/metrics"
	"github.com/p-blackswan/privileged-access/internal/models"
	"github.com/p-blackswan/privileged-access/internal/notify"
	"github.com/p-blackswan/privileged-access/internal/retry"
	"github.com/p-blackswan/privileged-access/internal/store"
)

// Revoker terminates grants and drives directory removal.
type Revoker struct {
	store    *store.Store
	dir      directory.Directory
	notifier notify.Notifier
	metrics  *metrics.Metrics
	retry    retry.Config
	logger   zerolog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a Revoker.
func New(st *store.Store, dir directory.Directory, n notify.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Revoker {
	return &Revoker{
		store:    st,
		dir:      dir,
		notifier: n,
		metrics:  m,
		retry:    retry.DefaultConfig(),
		logger:   logger.With().Str("component", "revocation").Logger(),
		inflight: make(map[string]bool),
	}
}

// SetRetryConfig overrides the in-call retry schedule for RemoveMember.
func (r *Revoker) SetRetryConfig(cfg retry.Config) {
	r.retry = cfg
}

// Revoke moves an active grant to expired (reason expired) or revoked (any
// other reason) and removes the membership. When the grant has already been
// terminated by someone else the call is a no-op and returns the grant as it
// stands. Grants that never became active cannot be revoked.
func (r *Revoker) Revoke(ctx context.Context, grantID, actor string, reason models.RevocationReason) (*models.Grant, error) {
	to := models.StateRevoked
	if reason == models.ReasonExpired {
		to = models.StateExpired
	}

	g, err := r.store.Terminate(ctx, grantID, to, reason, store.Change{Actor: actor})
	if errors.Is(err, store.ErrStateConflict) {
		current, getErr := r.store.Get(ctx, grantID)
		if getErr != nil {
			return nil, getErr
		}
		if current.State == models.StateExpired || current.State == models.StateRevoked {
			r.logger.Debug().Str("grant_id", grantID).Str("state", string(current.State)).Msg("grant already terminated")
			return current, nil
		}
		return nil, perrors.InvalidTransitionf("grant %s is %s, only active grants can be revoked", grantID, current.State)
	}
	if err != nil {
		return nil, err
	}

	r.metrics.RecordTransition(string(models.StateActive), string(to))
	r.logger.Info().
		Str("grant_id", g.ID).
		Str("requester", g.Requester).
		Str("role", g.Role).
		Str("actor", actor).
		Str("reason", string(reason)).
		Msg("grant terminated")

	if r.claim(g.ID) {
		r.removeIfPending(ctx, g.ID, true)
		r.release(g.ID)
		if fresh, err := r.store.Get(ctx, g.ID); err == nil {
			g = fresh
		}
	}
	return g, nil
}

// RetryPending re-attempts every outstanding removal and returns how many
// completed.
func (r *Revoker) RetryPending(ctx context.Context) (int, error) {
	pending, err := r.store.ListRemovalPending(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("listing pending removals: %w", err)
	}

	done := 0
	for _, g := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if !r.claim(g.ID) {
			continue
		}
		ok := r.removeIfPending(ctx, g.ID, false)
		r.release(g.ID)
		if ok {
			done++
		}
	}
	return done, nil
}

// removeIfPending removes the membership of a terminated grant unless the
// removal already completed. The caller holds the claim on id.
func (r *Revoker) removeIfPending(ctx context.Context, id string, alert bool) bool {
	// the flag may have been cleared between the listing and the claim
	g, err := r.store.Get(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Str("grant_id", id).Msg("failed to reload grant")
		return false
	}
	if !g.RemovalPending {
		return false
	}

	// a newer grant for the same pair owns the membership now
	active, err := r.store.HasActiveGrant(ctx, g.Requester, g.Role)
	if err != nil {
		r.logger.Warn().Err(err).Str("grant_id", id).Msg("failed to check for newer grant")
		return false
	}
	if active {
		cleared, err := r.store.ClearRemovalPending(ctx, g.ID, store.Change{
			Actor:  g.RevokedBy,
			Detail: "superseded by a newer active grant",
		})
		return err == nil && cleared
	}

	return r.remove(ctx, g, alert) == nil
}

// remove calls RemoveMember with in-call retries and clears the pending flag
// on success. Only the first failure for a grant raises an alert.
func (r *Revoker) remove(ctx context.Context, g *models.Grant, alert bool) error {
	var result directory.Result
	err := retry.Do(ctx, r.retry, func(ctx context.Context) error {
		var err error
		result, err = r.dir.RemoveMember(ctx, g.Role, g.Requester)
		return err
	})
	if err != nil {
		r.metrics.RecordError("revocation", "remove_member")
		r.logger.Error().Err(err).
			Str("grant_id", g.ID).
			Str("requester", g.Requester).
			Str("role", g.Role).
			Msg("membership removal failed, will retry")

		if !alert {
			return err
		}
		_ = r.notifier.Notify(ctx, notify.Event{
			Kind:      notify.KindRemovalFailed,
			Level:     notify.LevelCritical,
			Title:     "Privileged membership removal failed",
			Message:   fmt.Sprintf("%s still holds %s after the grant ended; removal will be retried", g.Requester, g.Role),
			GrantID:   g.ID,
			Role:      g.Role,
			Principal: g.Requester,
			Err:       err,
		})
		return err
	}

	_, err = r.store.ClearRemovalPending(ctx, g.ID, store.Change{
		Actor:  g.RevokedBy,
		Detail: result.String(),
	})
	if err != nil {
		r.logger.Error().Err(err).Str("grant_id", g.ID).Msg("failed to record completed removal")
		return err
	}
	r.logger.Info().Str("grant_id", g.ID).Str("result", result.String()).Msg("membership removed")
	return nil
}

// claim marks a grant's removal as owned by the caller. Only one goroutine
// may drive a given grant's removal at a time.
func (r *Revoker) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[id] {
		return false
	}
	r.inflight[id] = true
	return true
}

func (r *Revoker) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}
