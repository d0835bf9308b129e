package access

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/privileged-access/internal/approval"
	"github.com/p-blackswan/privileged-access/internal/directory"
	"github.com/p-blackswan/privileged-access/internal/enforcement"
	perrors "github.com/p-blackswan/privileged-access/internal/errors"
	"github.com/p-blackswan/privileged-access/internal/expiry"
	"github.com/p-blackswan/privileged-access/internal/models"
	"github.com/p-blackswan/privileged-access/internal/notify"
	"github.com/p-blackswan/privileged-access/internal/policy"
	"github.com/p-blackswan/privileged-access/internal/revocation"
	"github.com/p-blackswan/privileged-access/internal/store"
)

type harness struct {
	svc    *Service
	store  *store.Store
	dir    *directory.Memory
	rec    *notify.Recorder
	worker *enforcement.Worker
	expiry *expiry.Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zerolog.Nop()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p, err := policy.New(policy.DefaultCatalog(), logger)
	require.NoError(t, err)

	h := &harness{store: st, dir: directory.NewMemory(), rec: &notify.Recorder{}}
	h.worker = enforcement.NewWorker(st, h.dir, h.rec, nil, enforcement.DefaultConfig(), logger)
	revoker := revocation.New(st, h.dir, h.rec, nil, logger)
	engine := approval.NewEngine(st, p, h.worker, nil, logger)
	h.worker.SetAutoApprover(engine)
	h.svc = NewService(st, p, engine, revoker, h.rec, nil, logger)
	h.expiry = expiry.NewReconciler(st, revoker, h.rec, nil, expiry.DefaultConfig(), logger)
	return h
}

func input(requester, role string) SubmitInput {
	return SubmitInput{
		Requester:     requester,
		Role:          role,
		Duration:      time.Hour,
		Justification: "INC-4711 database failover",
		TicketRef:     "INC-4711",
	}
}

func TestSubmit_AutoApprovedRoleBecomesActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g, created, err := h.svc.Submit(ctx, input("alice", "tier1-admin"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StateApproved, g.State)
	assert.Equal(t, models.ActorPolicy, g.Approver)
	assert.Equal(t, "builtin-1", g.PolicyVersion)
	assert.Empty(t, h.rec.OfKind(notify.KindApprovalNeeded))

	require.NoError(t, h.worker.RunOnce(ctx))
	g, err = h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, g.State)
	require.NotNil(t, g.ExpiresAt)
	assert.WithinDuration(t, g.ActivatedAt.Add(time.Hour), *g.ExpiresAt, time.Millisecond)
	assert.True(t, h.dir.Has("tier1-admin", "alice"))
}

func TestSubmit_Tier0NeedsApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g, created, err := h.svc.Submit(ctx, input("bob", "tier0-admin"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.StateRequested, g.State)

	alerts := h.rec.OfKind(notify.KindApprovalNeeded)
	require.Len(t, alerts, 1)
	assert.Equal(t, g.ID, alerts[0].GrantID)

	again, created, err := h.svc.Submit(ctx, input("bob", "tier0-admin"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, g.ID, again.ID)
	assert.Len(t, h.rec.OfKind(notify.KindApprovalNeeded), 1, "duplicates do not re-notify")

	require.NoError(t, h.worker.RunOnce(ctx))
	assert.False(t, h.dir.Has("tier0-admin", "bob"), "no membership before approval")

	_, err = h.svc.Approve(ctx, g.ID, "bob")
	assert.ErrorIs(t, err, perrors.ErrInvalidRequest)

	approved, err := h.svc.Approve(ctx, g.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, approved.State)

	require.NoError(t, h.worker.RunOnce(ctx))
	assert.True(t, h.dir.Has("tier0-admin", "bob"))
}

func TestSubmit_Denied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g, _, err := h.svc.Submit(ctx, input("bob", "tier0-admin"))
	require.NoError(t, err)

	denied, err := h.svc.Deny(ctx, g.ID, "carol", "no change ticket")
	require.NoError(t, err)
	assert.Equal(t, models.StateDenied, denied.State)

	// a denied grant no longer blocks a fresh request
	next, created, err := h.svc.Submit(ctx, input("bob", "tier0-admin"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, g.ID, next.ID)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*SubmitInput)
	}{
		{"missing requester", func(in *SubmitInput) { in.Requester = "  " }},
		{"unknown role", func(in *SubmitInput) { in.Role = "root" }},
		{"zero duration", func(in *SubmitInput) { in.Duration = 0 }},
		{"negative duration", func(in *SubmitInput) { in.Duration = -time.Minute }},
		{"over role maximum", func(in *SubmitInput) { in.Role = "tier0-admin"; in.Duration = 5 * time.Hour }},
		{"over catalog maximum", func(in *SubmitInput) { in.Duration = 25 * time.Hour }},
		{"empty justification", func(in *SubmitInput) { in.Justification = "\t" }},
		{"long justification", func(in *SubmitInput) { in.Justification = strings.Repeat("ä", 1025) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := input("alice", "tier1-admin")
			tt.mutate(&in)
			_, _, err := h.svc.Submit(ctx, in)
			assert.ErrorIs(t, err, perrors.ErrInvalidRequest)
		})
	}

	grants, err := h.svc.List(ctx, store.GrantFilter{})
	require.NoError(t, err)
	assert.Empty(t, grants, "rejected requests leave no record")
}

func TestSubmit_JustificationAtLimit(t *testing.T) {
	h := newHarness(t)
	in := input("alice", "tier1-admin")
	in.Justification = strings.Repeat("ä", 1024)

	_, created, err := h.svc.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRoundTrip_ExpiryRestoresMembership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.dir.Seed("tier0-admin", "bg-admin-1")

	g, _, err := h.svc.Submit(ctx, input("bob", "tier0-admin"))
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, g.ID, "carol")
	require.NoError(t, err)
	require.NoError(t, h.worker.RunOnce(ctx))

	members, err := h.dir.ListMembers(ctx, "tier0-admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"bg-admin-1", "bob"}, members)

	h.expiry.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	sum, err := h.expiry.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Expired)

	members, err = h.dir.ListMembers(ctx, "tier0-admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"bg-admin-1"}, members)

	g, err = h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, g.State)
	assert.Equal(t, models.ReasonExpired, g.RevocationReason)
	assert.False(t, g.RemovalPending)

	events, err := h.store.ListAudit(ctx, g.ID)
	require.NoError(t, err)
	var path []models.State
	for _, e := range events {
		if e.Kind == models.AuditTransition {
			path = append(path, e.ToState)
		}
	}
	assert.Equal(t, []models.State{models.StateRequested, models.StateApproved, models.StateActive, models.StateExpired}, path)
}

func TestStrandedAutoApprovalPickedUpByWorker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// as left behind by a crash between recording the request and auto-approving it
	req := &models.AccessRequest{
		ID: uuid.New().String(), Requester: "alice", Role: "tier1-admin", Duration: time.Hour,
		Justification: "INC-4711 database failover", CreatedAt: time.Now(),
	}
	g, created, err := h.store.CreateGrant(ctx, req, &models.Grant{ID: uuid.New().String()}, models.AuditEvent{Actor: "alice"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.StateRequested, g.State)

	require.NoError(t, h.worker.RunOnce(ctx))

	got, err := h.svc.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, got.State)
	assert.Equal(t, models.ActorPolicy, got.Approver)
	assert.True(t, h.dir.Has("tier1-admin", "alice"))
}

func TestRevoke(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g, _, err := h.svc.Submit(ctx, input("alice", "tier1-admin"))
	require.NoError(t, err)
	require.NoError(t, h.worker.RunOnce(ctx))

	_, err = h.svc.Revoke(ctx, g.ID, "carol", "because")
	assert.ErrorIs(t, err, perrors.ErrInvalidRequest)
	_, err = h.svc.Revoke(ctx, g.ID, "", "")
	assert.ErrorIs(t, err, perrors.ErrInvalidRequest)

	revoked, err := h.svc.Revoke(ctx, g.ID, "carol", "policy_violation")
	require.NoError(t, err)
	assert.Equal(t, models.StateRevoked, revoked.State)
	assert.Equal(t, models.ReasonPolicyViolation, revoked.RevocationReason)
	assert.False(t, h.dir.Has("tier1-admin", "alice"))

	again, err := h.svc.Revoke(ctx, g.ID, "carol", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateRevoked, again.State)
	assert.Equal(t, 1, h.dir.Calls(directory.OpRemove))
}

func TestList_RejectsUnknownState(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.List(context.Background(), store.GrantFilter{State: "pending"})
	assert.ErrorIs(t, err, perrors.ErrInvalidRequest)
}

func TestGet_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, perrors.ErrNotFound)
}
