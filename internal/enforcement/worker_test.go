package enforcement

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/privileged-access/internal/directory"
	perrors "github.com/p-blackswan/privileged-access/internal/errors"
	"github.com/p-blackswan/privileged-access/internal/models"
	"github.com/p-blackswan/privileged-access/internal/notify"
	"github.com/p-blackswan/privileged-access/internal/store"
)

type fixture struct {
	store  *store.Store
	dir    *directory.Memory
	rec    *notify.Recorder
	worker *Worker
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store: st,
		dir:   directory.NewMemory(),
		rec:   &notify.Recorder{},
		now:   time.Now(),
	}
	f.worker = NewWorker(st, f.dir, f.rec, nil, DefaultConfig(), zerolog.Nop())
	f.worker.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) approvedGrant(t *testing.T, requester, role string, d time.Duration) *models.Grant {
	t.Helper()
	ctx := context.Background()
	req := &models.AccessRequest{
		ID: uuid.New().String(), Requester: requester, Role: role, Duration: d,
		Justification: "incident", CreatedAt: time.Now(),
	}
	g, created, err := f.store.CreateGrant(ctx, req, &models.Grant{ID: uuid.New().String()}, models.AuditEvent{Actor: requester})
	require.NoError(t, err)
	require.True(t, created)
	g, err = f.store.Approve(ctx, g.ID, "carol", store.Change{})
	require.NoError(t, err)
	return g
}

func TestRunOnce_ActivatesApprovedGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.approvedGrant(t, "alice", "tier1-admin", 2*time.Hour)

	require.NoError(t, f.worker.RunOnce(ctx))

	got, err := f.store.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, got.State)
	require.NotNil(t, got.ActivatedAt)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, 2*time.Hour, got.ExpiresAt.Sub(*got.ActivatedAt))
	assert.True(t, f.dir.Has("tier1-admin", "alice"))
	assert.Equal(t, 1, f.dir.Calls(directory.OpAdd))

	// nothing left to do
	require.NoError(t, f.worker.RunOnce(ctx))
	assert.Equal(t, 1, f.dir.Calls(directory.OpAdd))
}

func TestRunOnce_AlreadyMemberActivates(t *testing.T) {
	f := newFixture(t)
	f.dir.Seed("tier1-admin", "alice")
	g := f.approvedGrant(t, "alice", "tier1-admin", time.Hour)

	require.NoError(t, f.worker.RunOnce(context.Background()))

	got, err := f.store.Get(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, got.State)
}

func TestRunOnce_UnavailableBacksOffThenStaleAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.approvedGrant(t, "bob", "tier0-admin", time.Hour)
	f.dir.FailNext(directory.OpAdd, 4, errors.New("ldap: connection refused"))

	start := f.now
	expectedNext := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i, delay := range expectedNext {
		require.NoError(t, f.worker.RunOnce(ctx))

		got, err := f.store.Get(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StateApproved, got.State)
		assert.Equal(t, i+1, got.EnforceAttempts)
		require.NotNil(t, got.NextEnforceAt)
		assert.WithinDuration(t, f.now.Add(delay), *got.NextEnforceAt, time.Millisecond)

		// not yet due: no directory call
		calls := f.dir.Calls(directory.OpAdd)
		require.NoError(t, f.worker.RunOnce(ctx))
		assert.Equal(t, calls, f.dir.Calls(directory.OpAdd))

		f.now = got.NextEnforceAt.Add(time.Millisecond)
	}
	assert.Equal(t, 3, f.dir.Calls(directory.OpAdd))
	assert.Empty(t, f.rec.OfKind(notify.KindEnforcementStale), "threshold not reached")

	f.now = start.Add(time.Hour + time.Minute)
	require.NoError(t, f.worker.RunOnce(ctx))
	require.Len(t, f.rec.OfKind(notify.KindEnforcementStale), 1)

	got, err := f.store.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, got.State)
	assert.True(t, got.StaleAlerted)

	// the alert is raised once; the next successful attempt activates
	f.now = got.NextEnforceAt.Add(time.Millisecond)
	require.NoError(t, f.worker.RunOnce(ctx))
	assert.Len(t, f.rec.OfKind(notify.KindEnforcementStale), 1)

	got, err = f.store.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, got.State)
	assert.Empty(t, f.rec.OfKind(notify.KindEnforcementRejected))
}

func TestRunOnce_RejectedAlertsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dir.RejectPrincipal("ghost")
	g := f.approvedGrant(t, "ghost", "tier1-admin", time.Hour)

	require.NoError(t, f.worker.RunOnce(ctx))
	require.Len(t, f.rec.OfKind(notify.KindEnforcementRejected), 1)

	got, err := f.store.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, got.State)

	f.now = got.NextEnforceAt.Add(time.Millisecond)
	require.NoError(t, f.worker.RunOnce(ctx))
	assert.Len(t, f.rec.OfKind(notify.KindEnforcementRejected), 1)
	assert.Equal(t, 2, f.dir.Calls(directory.OpAdd))
}

func TestRunOnce_FailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.dir.RejectPrincipal("ghost")
	bad := f.approvedGrant(t, "ghost", "tier1-admin", time.Hour)
	good := f.approvedGrant(t, "alice", "tier1-admin", time.Hour)

	require.NoError(t, f.worker.RunOnce(ctx))

	got, err := f.store.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, got.State)

	got, err = f.store.Get(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, got.State)
}

func TestReapply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.approvedGrant(t, "alice", "tier1-admin", time.Hour)
	require.NoError(t, f.worker.RunOnce(ctx))
	g, err := f.store.Get(ctx, g.ID)
	require.NoError(t, err)

	f.dir.Drop("tier1-admin", "alice")
	require.NoError(t, f.worker.Reapply(ctx, g))
	assert.True(t, f.dir.Has("tier1-admin", "alice"))

	events, err := f.store.ListAudit(ctx, g.ID)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, models.AuditEnforcementReapply, last.Kind)
	assert.Equal(t, "success", last.Detail)
}

// hookDirectory runs onAdd before each AddMember reaches the backend.
type hookDirectory struct {
	*directory.Memory
	onAdd func()
}

func (h *hookDirectory) AddMember(ctx context.Context, role, principal string) (directory.Result, error) {
	if h.onAdd != nil {
		h.onAdd()
	}
	return h.Memory.AddMember(ctx, role, principal)
}

// revokeAndRemove ends an active grant the way the revoker does.
func (f *fixture) revokeAndRemove(t *testing.T, g *models.Grant) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.Terminate(ctx, g.ID, models.StateRevoked, models.ReasonManualRevoke, store.Change{Actor: "carol"})
	require.NoError(t, err)
	_, err = f.dir.RemoveMember(ctx, g.Role, g.Requester)
	require.NoError(t, err)
	cleared, err := f.store.ClearRemovalPending(ctx, g.ID, store.Change{Actor: "carol"})
	require.NoError(t, err)
	require.True(t, cleared)
}

func TestReapply_RefusesEndedGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.approvedGrant(t, "alice", "tier1-admin", time.Hour)
	require.NoError(t, f.worker.RunOnce(ctx))
	snapshot, err := f.store.Get(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, models.StateActive, snapshot.State)

	f.revokeAndRemove(t, snapshot)
	adds := f.dir.Calls(directory.OpAdd)

	err = f.worker.Reapply(ctx, snapshot)
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
	assert.False(t, f.dir.Has("tier1-admin", "alice"))
	assert.Equal(t, adds, f.dir.Calls(directory.OpAdd))
}

func TestReapply_GrantRevokedDuringAddMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.approvedGrant(t, "alice", "tier1-admin", time.Hour)
	require.NoError(t, f.worker.RunOnce(ctx))
	snapshot, err := f.store.Get(ctx, g.ID)
	require.NoError(t, err)
	f.dir.Drop("tier1-admin", "alice")

	hooked := &hookDirectory{Memory: f.dir}
	fired := false
	hooked.onAdd = func() {
		if !fired {
			fired = true
			f.revokeAndRemove(t, snapshot)
		}
	}
	w := NewWorker(f.store, hooked, f.rec, nil, DefaultConfig(), zerolog.Nop())

	err = w.Reapply(ctx, snapshot)
	assert.ErrorIs(t, err, perrors.ErrInvalidTransition)
	assert.True(t, fired)
	assert.False(t, f.dir.Has("tier1-admin", "alice"))

	got, err := f.store.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRevoked, got.State)
	assert.False(t, got.RemovalPending)
}

func TestRunOnce_ActivatedAtFollowsAddMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.now

	// every directory call takes ten minutes of the fake clock
	hooked := &hookDirectory{Memory: f.dir, onAdd: func() { f.now = f.now.Add(10 * time.Minute) }}
	w := NewWorker(f.store, hooked, f.rec, nil, DefaultConfig(), zerolog.Nop())
	w.SetClock(func() time.Time { return f.now })

	ids := []string{
		f.approvedGrant(t, "u1", "tier1-admin", time.Hour).ID,
		f.approvedGrant(t, "u2", "tier1-admin", time.Hour).ID,
		f.approvedGrant(t, "u3", "tier1-admin", time.Hour).ID,
	}
	require.NoError(t, w.RunOnce(ctx))

	var activated []int64
	for _, id := range ids {
		got, err := f.store.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, models.StateActive, got.State)
		assert.Equal(t, time.Hour, got.ExpiresAt.Sub(*got.ActivatedAt))
		activated = append(activated, got.ActivatedAt.UnixMilli())
	}
	assert.ElementsMatch(t, []int64{
		start.Add(10 * time.Minute).UnixMilli(),
		start.Add(20 * time.Minute).UnixMilli(),
		start.Add(30 * time.Minute).UnixMilli(),
	}, activated)
}

func TestRun_KickWakesWorker(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	w := NewWorker(f.store, f.dir, f.rec, nil, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	g := f.approvedGrant(t, "alice", "tier1-admin", time.Hour)
	w.Kick()

	require.Eventually(t, func() bool {
		got, err := f.store.Get(context.Background(), g.ID)
		return err == nil && got.State == models.StateActive
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
