package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/privileged-access/internal/metrics"
)

type mockSlackAPI struct {
	mu       sync.Mutex
	channels []string
	err      error
}

func (m *mockSlackAPI) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", "", m.err
	}
	m.channels = append(m.channels, channelID)
	return channelID, "1234567890.123456", nil
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Event) error { return f.err }

func TestSlackNotifier(t *testing.T) {
	api := &mockSlackAPI{}
	n := NewSlackNotifierWithAPI(api, "C123ALERTS", zerolog.Nop())

	err := n.Notify(context.Background(), Event{
		Kind: KindApprovalNeeded, Level: LevelInfo, Title: "Approval needed",
		Message: "bob requests tier0-admin for 2h", GrantID: "g-1", Role: "tier0-admin", Principal: "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"C123ALERTS"}, api.channels)

	api.err = errors.New("channel_not_found")
	assert.Error(t, n.Notify(context.Background(), Event{Kind: KindExpiringSoon}))
}

func TestBuildBlocks(t *testing.T) {
	blocks := BuildBlocks(Event{Title: "Drift", Message: "unexpected member", Level: LevelCritical, Role: "tier0-admin", Principal: "mallory"})
	require.Len(t, blocks, 2)

	section, ok := blocks[0].(*slack.SectionBlock)
	require.True(t, ok)
	assert.Contains(t, section.Text.Text, ":rotating_light:")
	assert.Contains(t, section.Text.Text, "Drift")

	assert.Len(t, BuildBlocks(Event{Title: "bare"}), 1)
}

func TestMultiNotifier(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	m := NewMultiNotifier(a, failingNotifier{err: errors.New("boom")}, b)

	err := m.Notify(context.Background(), Event{Kind: KindRemovalFailed})
	assert.Error(t, err)
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.Events(), 1, "a failing notifier does not stop the others")
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())
	for _, l := range []Level{LevelInfo, LevelWarning, LevelCritical} {
		assert.NoError(t, n.Notify(context.Background(), Event{Level: l, Err: errors.New("x")}))
	}
}

func TestRecorder_OfKind(t *testing.T) {
	r := &Recorder{}
	_ = r.Notify(context.Background(), Event{Kind: KindExpiringSoon})
	_ = r.Notify(context.Background(), Event{Kind: KindEnforcementStale})
	_ = r.Notify(context.Background(), Event{Kind: KindExpiringSoon})
	assert.Len(t, r.OfKind(KindExpiringSoon), 2)
	assert.Len(t, r.Events(), 3)
}

// blockingNotifier holds every delivery until released.
type blockingNotifier struct {
	release chan struct{}
	Recorder
}

func (b *blockingNotifier) Notify(ctx context.Context, e Event) error {
	<-b.release
	return b.Recorder.Notify(ctx, e)
}

func TestAsync_DeliversAndDrains(t *testing.T) {
	rec := &Recorder{}
	a := NewAsync(rec, 8, nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Notify(context.Background(), Event{Kind: KindExpiringSoon}))
	}
	a.Close()
	assert.Len(t, rec.Events(), 5)

	// after Close, notifications are dropped without panicking
	assert.NoError(t, a.Notify(context.Background(), Event{Kind: KindExpiringSoon}))
	a.Close()
}

func TestAsync_DropsWhenFull(t *testing.T) {
	m := metrics.New()
	b := &blockingNotifier{release: make(chan struct{})}
	a := NewAsync(b, 1, m, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = a.Notify(context.Background(), Event{Kind: KindDriftUnexpectedMember})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	assert.GreaterOrEqual(t, testutil.ToFloat64(m.NotifyDropped), 8.0)
	close(b.release)
	a.Close()
}
