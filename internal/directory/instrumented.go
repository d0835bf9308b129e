package directory

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/internal/metrics"
)

// Instrumented bounds every call with a timeout, normalises errors into the
// two directory classes and records metrics.
type Instrumented struct {
	next    Directory
	backend string
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewInstrumented wraps next. A zero timeout disables the per-call deadline.
func NewInstrumented(next Directory, backend string, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Instrumented {
	return &Instrumented{
		next:    next,
		backend: backend,
		timeout: timeout,
		metrics: m,
		logger:  logger.With().Str("component", "directory").Str("backend", backend).Logger(),
	}
}

func (d *Instrumented) AddMember(ctx context.Context, role, principal string) (Result, error) {
	var res Result
	err := d.call(ctx, OpAdd, role, principal, func(ctx context.Context) error {
		var err error
		res, err = d.next.AddMember(ctx, role, principal)
		return err
	})
	return res, err
}

func (d *Instrumented) RemoveMember(ctx context.Context, role, principal string) (Result, error) {
	var res Result
	err := d.call(ctx, OpRemove, role, principal, func(ctx context.Context) error {
		var err error
		res, err = d.next.RemoveMember(ctx, role, principal)
		return err
	})
	return res, err
}

func (d *Instrumented) ListMembers(ctx context.Context, role string) ([]string, error) {
	var members []string
	err := d.call(ctx, OpList, role, "", func(ctx context.Context) error {
		var err error
		members, err = d.next.ListMembers(ctx, role)
		return err
	})
	return members, err
}

func (d *Instrumented) call(ctx context.Context, op, role, principal string, fn func(context.Context) error) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		err = normalize(op, role, principal, err)
		result = "unavailable"
		if IsRejected(err) {
			result = "rejected"
		}
		d.logger.Warn().Err(err).
			Str("op", op).
			Str("role", role).
			Str("principal", principal).
			Dur("elapsed", elapsed).
			Msg("directory call failed")
	}
	d.metrics.ObserveDirectoryCall(d.backend, op, result, elapsed.Seconds())
	return err
}

// normalize guarantees every error is either ErrRejected or ErrUnavailable.
// Anything unclassified, including deadlines, leaves the outcome unknown.
func normalize(op, role, principal string, err error) error {
	if IsRejected(err) || IsUnavailable(err) {
		return err
	}
	return Unavailable(op, role, principal, err)
}
