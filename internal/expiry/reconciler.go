// Package expiry ends grants whose time is up. It works only from durable
// state, so a restart never loses a pending expiry.
package expiry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/internal/metrics"
	"github.com/p-blackswan/privileged-access/internal/models"
	"github.com/p-blackswan/privileged-access/internal/notify"
	"github.com/p-blackswan/privileged-access/internal/revocation"
	"github.com/p-blackswan/privileged-access/internal/store"
)

// Config controls the reconciler loop.
type Config struct {
	Interval      time.Duration
	WarningWindow time.Duration
	BatchSize     int
}

// DefaultConfig sweeps every minute and warns ten minutes ahead.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		WarningWindow: 10 * time.Minute,
		BatchSize:     100,
	}
}

// Summary counts what one pass did.
type Summary struct {
	Expired  int
	Removed  int
	Warned   int
	Failures int
}

// Reconciler periodically expires grants.
type Reconciler struct {
	store    *store.Store
	revoker  *revocation.Revoker
	notifier notify.Notifier
	metrics  *metrics.Metrics
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewReconciler creates an expiry reconciler.
func NewReconciler(st *store.Store, r *revocation.Revoker, n notify.Notifier, m *metrics.Metrics, cfg Config, logger zerolog.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		store:    st,
		revoker:  r,
		notifier: n,
		metrics:  m,
		cfg:      cfg,
		logger:   logger.With().Str("component", "expiry").Logger(),
		now:      time.Now,
	}
}

// SetClock replaces the reconciler's time source.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Run sweeps until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("expiry reconciler started")
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("expiry pass failed")
		}
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("expiry reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce expires overdue grants, retries outstanding removals and sends
// expiring-soon notices.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	now := r.now()

	expired, err := r.store.ListExpired(ctx, now, r.cfg.BatchSize)
	if err != nil {
		r.metrics.RecordRun("expiry", "error")
		return sum, fmt.Errorf("listing expired grants: %w", err)
	}
	for _, g := range expired {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if _, err := r.revoker.Revoke(ctx, g.ID, models.ActorExpiry, models.ReasonExpired); err != nil {
			sum.Failures++
			r.logger.Error().Err(err).Str("grant_id", g.ID).Msg("failed to expire grant")
			continue
		}
		sum.Expired++
	}

	removed, err := r.revoker.RetryPending(ctx)
	sum.Removed = removed
	if err != nil {
		r.metrics.RecordRun("expiry", "error")
		return sum, err
	}

	if r.cfg.WarningWindow > 0 {
		sum.Warned = r.warn(ctx, now)
	}

	r.metrics.RecordRun("expiry", "ok")
	if sum.Expired > 0 || sum.Removed > 0 || sum.Warned > 0 || sum.Failures > 0 {
		r.logger.Info().
			Int("expired", sum.Expired).
			Int("removed", sum.Removed).
			Int("warned", sum.Warned).
			Int("failures", sum.Failures).
			Msg("expiry pass complete")
	}
	return sum, nil
}

func (r *Reconciler) warn(ctx context.Context, now time.Time) int {
	soon, err := r.store.ListExpiringBefore(ctx, now.Add(r.cfg.WarningWindow), r.cfg.BatchSize)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list expiring grants")
		return 0
	}

	warned := 0
	for _, g := range soon {
		first, err := r.store.MarkExpiryNotified(ctx, g.ID)
		if err != nil || !first {
			continue
		}
		left := g.ExpiresAt.Sub(now).Round(time.Second)
		_ = r.notifier.Notify(ctx, notify.Event{
			Kind:      notify.KindExpiringSoon,
			Level:     notify.LevelInfo,
			Title:     "Privileged access expiring soon",
			Message:   fmt.Sprintf("%s loses %s in %s", g.Requester, g.Role, left),
			GrantID:   g.ID,
			Role:      g.Role,
			Principal: g.Requester,
		})
		warned++
	}
	return warned
}
