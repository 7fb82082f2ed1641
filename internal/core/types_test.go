package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectState_Validate(t *testing.T) {
	s := NewProjectState()
	require.NoError(t, s.Validate())

	s.Status = ProjectAwake
	err := s.Validate()
	require.Error(t, err, "awake without milestone must be rejected")
	assert.True(t, IsKind(err, KindValidation))

	s.CurrentMilestoneID = "m1"
	require.NoError(t, s.Validate())

	s.Status = ProjectSleeping
	err = s.Validate()
	require.Error(t, err, "sleeping must not carry a milestone")
}

func TestProjectState_AddUsageMonotonic(t *testing.T) {
	s := NewProjectState()
	s.AddUsage(100, 0.5)
	s.AddUsage(-50, -1) // negative deltas ignored
	s.AddUsage(20, 0.1)

	assert.Equal(t, int64(120), s.TokensUsed)
	assert.InDelta(t, 0.6, s.CostUSD, 1e-9)
}

func TestMilestone_Transitions(t *testing.T) {
	m := &Milestone{ID: "m1", Status: MilestoneDraft}

	require.NoError(t, m.Transition(MilestoneReady))
	require.NoError(t, m.Transition(MilestoneInProgress))
	require.NoError(t, m.Transition(MilestoneAwaitingReview))

	// human reject sends it back to in_progress
	require.NoError(t, m.Transition(MilestoneInProgress))
	require.NoError(t, m.Transition(MilestoneCompleted))

	// terminal states have no exits
	assert.Error(t, m.Transition(MilestoneInProgress))
	assert.Error(t, m.Transition(MilestoneCancelled))
}

func TestMilestone_IllegalEdges(t *testing.T) {
	m := &Milestone{ID: "m1", Status: MilestoneDraft}
	assert.Error(t, m.Transition(MilestoneInProgress), "draft cannot skip ready")
	assert.Error(t, m.Transition(MilestoneCompleted))

	m.Status = MilestoneReady
	assert.Error(t, m.Transition(MilestoneAwaitingReview))
}

func TestMilestoneStatus_Deletable(t *testing.T) {
	assert.True(t, MilestoneDraft.Deletable())
	assert.True(t, MilestoneReady.Deletable())
	assert.False(t, MilestoneInProgress.Deletable())
	assert.False(t, MilestoneAwaitingReview.Deletable())
	assert.False(t, MilestoneCompleted.Deletable())
}

func TestMilestone_ValidateBranchName(t *testing.T) {
	m := &Milestone{ID: "m1", Status: MilestoneReady, BranchName: "feature/other"}
	assert.Error(t, m.Validate())

	m.BranchName = MilestoneBranch("m1")
	assert.NoError(t, m.Validate())
}

func TestInboxItem_Transitions(t *testing.T) {
	item := &InboxItem{ID: "i1", Status: InboxPending}
	require.NoError(t, item.Include("m1"))
	assert.Equal(t, "m1", item.IncludedInMilestone)

	// included -> dismissed is forbidden
	assert.Error(t, item.Dismiss())

	fresh := &InboxItem{ID: "i2", Status: InboxPending}
	require.NoError(t, fresh.Dismiss())
	assert.Error(t, fresh.Include("m1"))
}

func TestTimestamp_SecondPrecisionUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	ts := NewTimestamp(time.Date(2025, 3, 1, 13, 4, 5, 999999999, loc))

	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2025-03-01T12:04:05Z"`, string(data))

	var back Timestamp
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(ts.Time))
}

func TestTimestamp_NullRoundTrip(t *testing.T) {
	var ts Timestamp
	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var back Timestamp
	require.NoError(t, json.Unmarshal([]byte("null"), &back))
	assert.True(t, back.IsZero())
}

func TestSanitizeMilestoneID(t *testing.T) {
	assert.NoError(t, SanitizeMilestoneID("m-2025-001"))
	assert.Error(t, SanitizeMilestoneID(""))
	assert.Error(t, SanitizeMilestoneID("../escape"))
	assert.Error(t, SanitizeMilestoneID("a b"))
	assert.Error(t, SanitizeMilestoneID("refs:bad"))
}
