package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{StateRequested, StateApproved},
		{StateRequested, StateDenied},
		{StateApproved, StateActive},
		{StateActive, StateExpired},
		{StateActive, StateRevoked},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]State{
		{StateRequested, StateActive},
		{StateApproved, StateDenied},
		{StateApproved, StateRevoked},
		{StateDenied, StateApproved},
		{StateExpired, StateActive},
		{StateRevoked, StateExpired},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestStatePredicates(t *testing.T) {
	for _, s := range []State{StateRequested, StateApproved, StateActive} {
		assert.True(t, s.IsOpen(), s)
		assert.False(t, s.IsTerminal(), s)
	}
	for _, s := range []State{StateDenied, StateExpired, StateRevoked} {
		assert.False(t, s.IsOpen(), s)
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, State("pending").Valid())
}

func TestParseRevocationReason(t *testing.T) {
	r, err := ParseRevocationReason("")
	require.NoError(t, err)
	assert.Equal(t, ReasonManualRevoke, r)

	r, err = ParseRevocationReason("policy_violation")
	require.NoError(t, err)
	assert.Equal(t, ReasonPolicyViolation, r)

	_, err = ParseRevocationReason("expired")
	assert.Error(t, err, "expiry is reserved for the reconciler")
}
