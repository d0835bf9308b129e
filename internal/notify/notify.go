// Package notify delivers operational alerts and approval notices to humans.
// Delivery is best effort; callers never depend on it succeeding.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Level describes the urgency of a notification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Kind identifies what happened.
type Kind string

const (
	KindApprovalNeeded        Kind = "approval_needed"
	KindExpiringSoon          Kind = "expiring_soon"
	KindEnforcementStale      Kind = "enforcement_stale"
	KindEnforcementRejected   Kind = "enforcement_rejected"
	KindDriftUnexpectedMember Kind = "drift_unexpected_member"
	KindDriftMissingMember    Kind = "drift_missing_member"
	KindDriftBreakGlass       Kind = "drift_break_glass"
	KindRemovalFailed         Kind = "removal_failed"
)

// Event is one notification.
type Event struct {
	Kind      Kind
	Level     Level
	Title     string
	Message   string
	GrantID   string
	Role      string
	Principal string
	Err       error
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// MultiNotifier fans out to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

func NewMultiNotifier(ns ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: ns}
}

func (m *MultiNotifier) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, e Event) error {
	ev := l.logger.Info()
	switch e.Level {
	case LevelCritical:
		ev = l.logger.Error()
	case LevelWarning:
		ev = l.logger.Warn()
	}
	ev.Str("kind", string(e.Kind)).
		Str("level", string(e.Level)).
		Str("title", e.Title).
		Str("message", e.Message).
		Str("grant_id", e.GrantID).
		Str("role", e.Role).
		Str("principal", e.Principal).
		AnErr("cause", e.Err).
		Msg("notification")
	return nil
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded notifications.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind returns the recorded notifications of one kind.
func (r *Recorder) OfKind(k Kind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
