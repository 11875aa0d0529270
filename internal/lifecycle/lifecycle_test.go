package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDraft, StatusLocked, true},
		{StatusDraft, StatusPendingValidation, true},
		{StatusDraft, StatusProcessing, true},
		{StatusLocked, StatusDraft, true},
		{StatusLocked, StatusPendingValidation, true},
		{StatusPendingValidation, StatusPublished, true},
		{StatusPendingValidation, StatusDraft, true},
		{StatusPublished, StatusArchived, true},
		{StatusProcessing, StatusPublished, true},
		{StatusProcessing, StatusFailed, true},

		{StatusDraft, StatusPublished, false},
		{StatusDraft, StatusArchived, false},
		{StatusLocked, StatusLocked, false},
		{StatusLocked, StatusPublished, false},
		{StatusPendingValidation, StatusLocked, false},
		{StatusPublished, StatusDraft, false},
		{StatusPublished, StatusLocked, false},
		{StatusArchived, StatusDraft, false},
		{StatusArchived, StatusPublished, false},
		{StatusFailed, StatusDraft, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionTypedError(t *testing.T) {
	err := Transition(StatusPublished, StatusDraft)
	require.Error(t, err)

	var invalid *InvalidTransitionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, StatusPublished, invalid.From)
	assert.Equal(t, StatusDraft, invalid.To)

	require.NoError(t, Transition(StatusDraft, StatusLocked))
}

func TestValidStatus(t *testing.T) {
	for _, s := range []Status{StatusDraft, StatusLocked, StatusPendingValidation, StatusPublished, StatusArchived, StatusProcessing, StatusFailed} {
		assert.True(t, ValidStatus(s), string(s))
	}
	assert.False(t, ValidStatus(Status("reviewing")))
	assert.False(t, ValidStatus(Status("")))
}

func TestTerminal(t *testing.T) {
	assert.False(t, Terminal(RequestPending))
	assert.True(t, Terminal(RequestApproved))
	assert.True(t, Terminal(RequestRejected))
	assert.True(t, Terminal(RequestCancelled))
}

func TestEvaluateQuorum(t *testing.T) {
	cases := []struct {
		name                           string
		approved, rejected, total, min int
		want                           Verdict
	}{
		{"no decisions yet", 0, 0, 3, 2, VerdictPending},
		{"one approval short", 1, 0, 3, 2, VerdictPending},
		{"quorum reached", 2, 0, 3, 2, VerdictApproved},
		{"quorum reached with a rejection", 2, 1, 3, 2, VerdictApproved},
		{"one rejection still reachable", 0, 1, 3, 2, VerdictPending},
		{"quorum unreachable", 0, 2, 3, 2, VerdictRejected},
		{"unanimous required, single rejection sinks it", 0, 1, 3, 3, VerdictRejected},
		{"single validator approves", 1, 0, 1, 1, VerdictApproved},
		{"single validator rejects", 0, 1, 1, 1, VerdictRejected},
		{"split on five validators stays open", 2, 2, 5, 3, VerdictPending},
		{"third rejection of five closes it", 2, 3, 5, 3, VerdictRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateQuorum(tc.approved, tc.rejected, tc.total, tc.min))
		})
	}
}

func TestOutcomeStatus(t *testing.T) {
	status, ok := OutcomeStatus(VerdictApproved)
	require.True(t, ok)
	assert.Equal(t, StatusPublished, status)

	status, ok = OutcomeStatus(VerdictRejected)
	require.True(t, ok)
	assert.Equal(t, StatusDraft, status)

	_, ok = OutcomeStatus(VerdictPending)
	assert.False(t, ok)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "pending", VerdictPending.String())
	assert.Equal(t, "approved", VerdictApproved.String())
	assert.Equal(t, "rejected", VerdictRejected.String())
}
