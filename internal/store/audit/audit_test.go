package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

func TestRecordAndQueryRounds(t *testing.T) {
	log, err := Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, log.RecordRound(ctx, Round{
		MilestoneID: "m1", Ordinal: 1, Phase: core.PhaseDeveloper,
		CommitHash: "abc123", Tokens: 1200, CostUSD: 0.04,
		StartedAt: start, FinishedAt: start.Add(2 * time.Minute),
	}))
	require.NoError(t, log.RecordRound(ctx, Round{
		MilestoneID: "m1", Ordinal: 1, Phase: core.PhaseAcceptor,
		Verdict: "REJECTED", Reason: "criterion 2 not met", Tokens: 300, CostUSD: 0.01,
		StartedAt: start.Add(2 * time.Minute), FinishedAt: start.Add(3 * time.Minute),
	}))
	require.NoError(t, log.RecordRound(ctx, Round{
		MilestoneID: "m2", Ordinal: 1, Phase: core.PhaseDeveloper,
		Tokens: 500, StartedAt: start, FinishedAt: start.Add(time.Minute),
	}))

	rounds, err := log.RoundsForMilestone(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	assert.Equal(t, core.PhaseDeveloper, rounds[0].Phase)
	assert.Equal(t, "REJECTED", rounds[1].Verdict)
	assert.Equal(t, "criterion 2 not met", rounds[1].Reason)
	assert.Equal(t, start, rounds[0].StartedAt)
}

func TestMilestoneTotals(t *testing.T) {
	log, err := Open(t.TempDir())
	require.NoError(t, err)
	defer log.Close()

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, log.RecordRound(ctx, Round{
			MilestoneID: "m1", Ordinal: i + 1, Phase: core.PhaseDeveloper,
			Tokens: 100, CostUSD: 0.5, StartedAt: now, FinishedAt: now,
		}))
	}

	usage, err := log.MilestoneTotals(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), usage.Tokens)
	assert.InDelta(t, 1.5, usage.CostUSD, 1e-9)

	empty, err := log.MilestoneTotals(ctx, "none")
	require.NoError(t, err)
	assert.Zero(t, empty.Tokens)
}
