package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/privileged-access/internal/metrics"
)

// Async hands notifications to a background goroutine. Notify never blocks;
// when the queue is full the notification is dropped and logged.
type Async struct {
	next    Notifier
	queue   chan Event
	timeout time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts the dispatcher.
func NewAsync(next Notifier, buffer int, m *metrics.Metrics, logger zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		next:    next,
		queue:   make(chan Event, buffer),
		timeout: 10 * time.Second,
		logger:  logger.With().Str("component", "notify").Logger(),
		metrics: m,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Notify(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.drop(e, "dispatcher closed")
		return nil
	}
	select {
	case a.queue <- e:
	default:
		a.drop(e, "queue full")
	}
	return nil
}

func (a *Async) drop(e Event, why string) {
	a.metrics.RecordNotifyDropped()
	a.logger.Warn().Str("kind", string(e.Kind)).Str("grant_id", e.GrantID).Str("reason", why).Msg("notification dropped")
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Notify(ctx, e); err != nil {
			a.logger.Warn().Err(err).Str("kind", string(e.Kind)).Msg("notification delivery failed")
		}
		cancel()
	}
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
