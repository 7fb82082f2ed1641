package engine_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/anima/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/anima/internal/agent"
	"github.com/hugo-lorenzo-mato/anima/internal/agent/agenttest"
	"github.com/hugo-lorenzo-mato/anima/internal/clock"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/engine"
	"github.com/hugo-lorenzo-mato/anima/internal/events"
	"github.com/hugo-lorenzo-mato/anima/internal/logging"
	"github.com/hugo-lorenzo-mato/anima/internal/store"
)

const (
	baseCommit = "aaaa111122223333aaaa111122223333aaaa1111"
	featCommit = "bbbb111122223333bbbb111122223333bbbb1111"
)

// gitRunner replays scripted git results keyed by the joined argument list.
type gitRunner struct {
	mu      sync.Mutex
	results map[string]gitResult
	calls   []string
}

type gitResult struct {
	stdout   string
	exitCode int
}

func newGitRunner() *gitRunner {
	r := &gitRunner{results: make(map[string]gitResult)}
	r.results["rev-parse --git-dir"] = gitResult{stdout: ".git\n"}
	r.results["rev-parse HEAD"] = gitResult{stdout: baseCommit + "\n"}
	r.results["rev-parse --abbrev-ref HEAD"] = gitResult{stdout: "milestone/m1\n"}
	r.results["status --porcelain=v2 --branch"] = gitResult{stdout: "# branch.head main\n"}
	r.results["symbolic-ref refs/remotes/origin/HEAD"] = gitResult{stdout: "refs/remotes/origin/main\n"}
	r.results["branch --list --format=%(refname:short)"] = gitResult{stdout: "main\n"}
	r.results["log --reverse --format=%H|%an|%ae|%s|%ci "+baseCommit+"..HEAD"] = gitResult{
		stdout: featCommit + "|Dev|dev@example.com|feat: add login form|2026-03-01 10:00:00 +0000\n",
	}
	return r
}

func (f *gitRunner) Run(_ context.Context, _ string, args ...string) (string, string, int, error) {
	key := strings.Join(args, " ")
	f.mu.Lock()
	f.calls = append(f.calls, key)
	res := f.results[key]
	f.mu.Unlock()
	return res.stdout, "", res.exitCode, nil
}

func (f *gitRunner) set(key string, res gitResult) {
	f.mu.Lock()
	f.results[key] = res
	f.mu.Unlock()
}

func (f *gitRunner) called(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == key {
			return true
		}
	}
	return false
}

// sessionScript hands out scripted sessions per role, in order. Respawns
// consume the next scripted session for the role.
type sessionScript struct {
	mu  sync.Mutex
	dev []*agenttest.ScriptedSession
	acc []*agenttest.ScriptedSession
}

func (s *sessionScript) factory(role core.AgentRole, _, _ string) (agent.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role == core.RoleDeveloper {
		if len(s.dev) == 0 {
			return nil, fmt.Errorf("no developer session scripted")
		}
		next := s.dev[0]
		s.dev = s.dev[1:]
		return next, nil
	}
	if len(s.acc) == 0 {
		return nil, fmt.Errorf("no acceptor session scripted")
	}
	next := s.acc[0]
	s.acc = s.acc[1:]
	return next, nil
}

type fixture struct {
	store  *store.Store
	runner *gitRunner
	engine *engine.Engine
}

func newFixture(t *testing.T, script *sessionScript, opts ...engine.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	st := store.New(dir)
	require.NoError(t, st.EnsureLayout())

	runner := newGitRunner()
	client, err := git.NewClient(dir, git.WithRunner(runner))
	require.NoError(t, err)

	bus := events.New(64)
	t.Cleanup(bus.Close)

	opts = append([]engine.Option{engine.WithIdleWindow(10 * time.Millisecond)}, opts...)
	eng := engine.New("proj-1", st, client, bus, clock.NewSystem(), logging.NewNop(),
		script.factory, opts...)
	return &fixture{store: st, runner: runner, engine: eng}
}

func (f *fixture) seedReadyMilestone(t *testing.T, requiresReview bool) {
	t.Helper()
	m := &core.Milestone{
		ID:                  "m1",
		Title:               "Login",
		DocPath:             ".anima/milestones/m1.md",
		RequiresHumanReview: requiresReview,
		Status:              core.MilestoneReady,
		CreatedAt:           core.NewTimestamp(time.Now()),
	}
	require.NoError(t, f.store.WriteMilestone(m, ""))
}

func (f *fixture) seedInProgressMilestone(t *testing.T, feedback string) {
	t.Helper()
	started := core.NewTimestamp(time.Now())
	m := &core.Milestone{
		ID:              "m1",
		Title:           "Login",
		DocPath:         ".anima/milestones/m1.md",
		Status:          core.MilestoneInProgress,
		BranchName:      "milestone/m1",
		BaseCommit:      baseCommit,
		IterationCount:  2,
		PendingFeedback: feedback,
		CreatedAt:       started,
		StartedAt:       &started,
	}
	require.NoError(t, f.store.WriteMilestone(m, ""))
	state := &core.ProjectState{Status: core.ProjectPaused, CurrentMilestoneID: "m1"}
	require.NoError(t, f.store.WriteProjectState(state, ""))
}

func (f *fixture) milestone(t *testing.T) *core.Milestone {
	t.Helper()
	m, _, err := f.store.ReadMilestone("m1")
	require.NoError(t, err)
	return m
}

func (f *fixture) state(t *testing.T) *core.ProjectState {
	t.Helper()
	s, _, err := f.store.ReadProjectState()
	require.NoError(t, err)
	require.NotNil(t, s)
	return s
}

// completing scripts a developer that declares completion immediately.
func completingDeveloper() *agenttest.ScriptedSession {
	return agenttest.NewScriptedSession(agenttest.Exchange{Lines: []string{
		agenttest.AssistantText("ALL_FEATURES_COMPLETE: login done\nCommits:\n- " + featCommit[:7] + " feat: add login form"),
		agenttest.ResultFrame("done", 500, 0.05),
	}})
}

func acceptingAcceptor() *agenttest.ScriptedSession {
	return agenttest.NewScriptedSession(agenttest.Exchange{Lines: []string{
		agenttest.AssistantText("ACCEPTED: all criteria satisfied"),
		agenttest.ResultFrame("ok", 200, 0.02),
	}})
}

func TestMilestoneCompletesAndMerges(t *testing.T) {
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{completingDeveloper()},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, false)

	result, err := f.engine.Run(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, result.Outcome)

	assert.True(t, f.runner.called("checkout -b milestone/m1 "+baseCommit))
	assert.True(t, f.runner.called("merge milestone/m1 -m Merge milestone/m1: Login"))
	assert.True(t, f.runner.called("tag -a milestone-m1 -m Milestone m1: Login"))

	m := f.milestone(t)
	assert.Equal(t, core.MilestoneCompleted, m.Status)
	assert.NotNil(t, m.CompletedAt)
	assert.Equal(t, int64(700), m.TokensUsed)

	s := f.state(t)
	assert.Equal(t, core.ProjectSleeping, s.Status)
	assert.Empty(t, s.CurrentMilestoneID)
	assert.Equal(t, int64(700), s.TokensUsed)
}

func TestRejectionFeedsNextDeveloperRound(t *testing.T) {
	developer := agenttest.NewScriptedSession(
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("implemented the login form"),
			agenttest.ResultFrame("round 1", 100, 0.01),
		}},
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("added the missing validation tests"),
			agenttest.ResultFrame("round 2", 100, 0.01),
		}},
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("ALL_FEATURES_COMPLETE: everything verified"),
			agenttest.ResultFrame("round 3", 100, 0.01),
		}},
	)
	acceptor := agenttest.NewScriptedSession(
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("REJECTED: missing tests for login validation"),
			agenttest.ResultFrame("r", 50, 0.01),
		}},
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("ACCEPTED: validation covered now"),
			agenttest.ResultFrame("a", 50, 0.01),
		}},
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("ACCEPTED: final review passes"),
			agenttest.ResultFrame("f", 50, 0.01),
		}},
	)
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{developer},
		acc: []*agenttest.ScriptedSession{acceptor},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, false)

	result, err := f.engine.Run(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, result.Outcome)

	sent := developer.Sent()
	require.Len(t, sent, 3)
	assert.NotContains(t, sent[0], "PREVIOUS ROUND REJECTED")
	assert.Contains(t, sent[1], "PREVIOUS ROUND REJECTED")
	assert.Contains(t, sent[1], "missing tests for login validation")
	assert.NotContains(t, sent[2], "PREVIOUS ROUND REJECTED")

	m := f.milestone(t)
	assert.Equal(t, core.MilestoneCompleted, m.Status)
	// The rejected repair round retried the same iteration; only the
	// accepted round consumed budget.
	assert.Equal(t, 1, m.IterationCount)
	assert.Zero(t, m.ConsecutiveRejections)
}

func TestRejectionThresholdPausesProject(t *testing.T) {
	rejection := agenttest.Exchange{Lines: []string{
		agenttest.AssistantText("REJECTED: still broken"),
		agenttest.ResultFrame("r", 50, 0.01),
	}}
	devRound := agenttest.Exchange{Lines: []string{
		agenttest.AssistantText("tried again"),
		agenttest.ResultFrame("d", 50, 0.01),
	}}
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{agenttest.NewScriptedSession(devRound, devRound, devRound)},
		acc: []*agenttest.ScriptedSession{agenttest.NewScriptedSession(rejection, rejection, rejection)},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, false)

	result, err := f.engine.Run(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomePaused, result.Outcome)

	m := f.milestone(t)
	assert.Equal(t, core.MilestoneInProgress, m.Status)
	assert.Equal(t, 3, m.ConsecutiveRejections)

	s := f.state(t)
	assert.Equal(t, core.ProjectPaused, s.Status)
	assert.Equal(t, "m1", s.CurrentMilestoneID)
}

func TestQuotaSignalSuspendsWithoutRejection(t *testing.T) {
	developer := agenttest.NewScriptedSession(agenttest.Exchange{Lines: []string{
		agenttest.ErrorResultFrame("Rate limit reached for your plan. Please try again in 2 hours."),
	}})
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{developer},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, false)

	result, err := f.engine.Run(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeRateLimited, result.Outcome)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), result.ResetAt, time.Minute)

	m := f.milestone(t)
	assert.Equal(t, core.MilestoneInProgress, m.Status)
	assert.Zero(t, m.ConsecutiveRejections)
	assert.Zero(t, m.IterationCount)

	s := f.state(t)
	assert.Equal(t, core.ProjectRateLimited, s.Status)
	assert.Equal(t, "m1", s.CurrentMilestoneID)
	require.NotNil(t, s.RateLimitResetAt)
	assert.WithinDuration(t, result.ResetAt, s.RateLimitResetAt.Time, time.Second)
}

func TestZeroIterationCapPausesBeforeAnyRound(t *testing.T) {
	developer := completingDeveloper()
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{developer},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, false)
	require.NoError(t, os.WriteFile(f.store.ConfigPath(),
		[]byte(`{"maxIterationsPerMilestone": 0}`), 0o644))

	result, err := f.engine.Run(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomePaused, result.Outcome)
	assert.Empty(t, developer.Sent())
	assert.Equal(t, core.ProjectPaused, f.state(t).Status)
}

func TestHumanReviewParksMilestone(t *testing.T) {
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{completingDeveloper()},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, true)

	result, err := f.engine.Run(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeAwaitingReview, result.Outcome)

	assert.False(t, f.runner.called("merge milestone/m1 -m Merge milestone/m1: Login"))

	m := f.milestone(t)
	assert.Equal(t, core.MilestoneAwaitingReview, m.Status)
	assert.Nil(t, m.CompletedAt)

	s := f.state(t)
	assert.Equal(t, core.ProjectSleeping, s.Status)
	assert.Empty(t, s.CurrentMilestoneID)
}

func TestResumeConsumesPendingFeedback(t *testing.T) {
	developer := completingDeveloper()
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{developer},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	f.seedInProgressMilestone(t, "focus on the session timeout edge case")

	result, err := f.engine.Run(context.Background(), "m1", true)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, result.Outcome)

	sent := developer.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "HUMAN FEEDBACK")
	assert.Contains(t, sent[0], "focus on the session timeout edge case")
	assert.Contains(t, sent[0], "resumption after a restart")

	assert.Empty(t, f.milestone(t).PendingFeedback)
}

func TestResumeReconcilesDirtyTree(t *testing.T) {
	developer := agenttest.NewScriptedSession(
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("committed the leftover login handler changes"),
			agenttest.ResultFrame("reconciled", 50, 0.01),
		}},
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("ALL_FEATURES_COMPLETE: done"),
			agenttest.ResultFrame("done", 50, 0.01),
		}},
	)
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{developer},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	f.seedInProgressMilestone(t, "")
	f.runner.set("status --porcelain=v2 --branch", gitResult{
		stdout: "# branch.head milestone/m1\n1 .M N... 100644 100644 100644 abc abc login.go\n",
	})

	result, err := f.engine.Run(context.Background(), "m1", true)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, result.Outcome)

	sent := developer.Sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "uncommitted changes left over")
	assert.Contains(t, sent[0], "login.go")
}

func TestMergeFailureLeavesMilestoneInProgress(t *testing.T) {
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{completingDeveloper()},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, false)
	f.runner.set("merge milestone/m1 -m Merge milestone/m1: Login", gitResult{exitCode: 1})

	result, err := f.engine.Run(context.Background(), "m1", false)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindFatalMilestone))
	assert.Equal(t, engine.OutcomePaused, result.Outcome)

	assert.True(t, f.runner.called("merge --abort"))
	assert.Equal(t, core.MilestoneInProgress, f.milestone(t).Status)

	s := f.state(t)
	assert.Equal(t, core.ProjectPaused, s.Status)
	assert.Equal(t, "m1", s.CurrentMilestoneID)
}

func TestSessionDeathCountsAsRejectionAndRespawns(t *testing.T) {
	dying := agenttest.NewScriptedSession(agenttest.Exchange{DieAfter: true, ExitCode: 137})
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{dying, completingDeveloper()},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, false)

	result, err := f.engine.Run(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, result.Outcome)

	m := f.milestone(t)
	assert.Equal(t, core.MilestoneCompleted, m.Status)
	// The dead round counted as a rejection, not as a consumed iteration.
	assert.Zero(t, m.IterationCount)
	assert.Equal(t, 1, m.ConsecutiveRejections)
}

func TestCancelRollsBackBranch(t *testing.T) {
	script := &sessionScript{}
	f := newFixture(t, script)
	f.seedInProgressMilestone(t, "")

	require.NoError(t, f.engine.Cancel(context.Background(), "m1"))

	assert.True(t, f.runner.called("reset --hard "+baseCommit))
	assert.True(t, f.runner.called("checkout main"))

	m := f.milestone(t)
	assert.Equal(t, core.MilestoneCancelled, m.Status)
	assert.NotNil(t, m.CompletedAt)

	s := f.state(t)
	assert.Equal(t, core.ProjectSleeping, s.Status)
	assert.Empty(t, s.CurrentMilestoneID)
}

func TestPreStartStashesDirtyTree(t *testing.T) {
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{completingDeveloper()},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, false)
	f.runner.set("status --porcelain=v2 --branch", gitResult{
		stdout: "# branch.head main\n? scratch.txt\n",
	})

	result, err := f.engine.Run(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, result.Outcome)
	assert.True(t, f.runner.called("stash push --include-untracked -m anima: pre-milestone leftovers"))
}

func TestRejectionsDoNotConsumeIterationBudget(t *testing.T) {
	developer := agenttest.NewScriptedSession(
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("implemented the login form"),
			agenttest.ResultFrame("d1", 50, 0.01),
		}},
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("ALL_FEATURES_COMPLETE: fixed and verified"),
			agenttest.ResultFrame("d2", 50, 0.01),
		}},
	)
	acceptor := agenttest.NewScriptedSession(
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("REJECTED: missing error handling"),
			agenttest.ResultFrame("r", 50, 0.01),
		}},
		agenttest.Exchange{Lines: []string{
			agenttest.AssistantText("ACCEPTED: final review passes"),
			agenttest.ResultFrame("f", 50, 0.01),
		}},
	)
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{developer},
		acc: []*agenttest.ScriptedSession{acceptor},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, false)
	require.NoError(t, os.WriteFile(f.store.ConfigPath(),
		[]byte(`{"maxIterationsPerMilestone": 1}`), 0o644))

	// A budget of one must still allow a rejected round plus its repair.
	result, err := f.engine.Run(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, result.Outcome)
	assert.Zero(t, f.milestone(t).IterationCount)
}

func TestPreStartFailureLeavesMilestoneReady(t *testing.T) {
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{completingDeveloper()},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	f.seedReadyMilestone(t, false)
	require.NoError(t, f.store.WriteProjectState(
		&core.ProjectState{Status: core.ProjectSleeping}, ""))
	f.runner.set("status --porcelain=v2 --branch", gitResult{exitCode: 1})

	result, err := f.engine.Run(context.Background(), "m1", false)
	require.Error(t, err)
	assert.Equal(t, engine.OutcomePaused, result.Outcome)

	// The milestone never started, so the state must not point at it.
	assert.Equal(t, core.MilestoneReady, f.milestone(t).Status)
	s := f.state(t)
	assert.Equal(t, core.ProjectSleeping, s.Status)
	assert.Empty(t, s.CurrentMilestoneID)

	// Once git works again the same milestone runs to completion.
	f.runner.set("status --porcelain=v2 --branch", gitResult{stdout: "# branch.head main\n"})
	result, err = f.engine.Run(context.Background(), "m1", false)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, result.Outcome)
}

func TestResumeCarriesPersistedRejection(t *testing.T) {
	developer := completingDeveloper()
	script := &sessionScript{
		dev: []*agenttest.ScriptedSession{developer},
		acc: []*agenttest.ScriptedSession{acceptingAcceptor()},
	}
	f := newFixture(t, script)
	started := core.NewTimestamp(time.Now())
	require.NoError(t, f.store.WriteMilestone(&core.Milestone{
		ID:            "m1",
		Title:         "Login",
		DocPath:       ".anima/milestones/m1.md",
		Status:        core.MilestoneInProgress,
		BranchName:    "milestone/m1",
		BaseCommit:    baseCommit,
		LastRejection: "session timeout test is flaky",
		CreatedAt:     started,
		StartedAt:     &started,
	}, ""))
	require.NoError(t, f.store.WriteProjectState(
		&core.ProjectState{Status: core.ProjectPaused, CurrentMilestoneID: "m1"}, ""))

	result, err := f.engine.Run(context.Background(), "m1", true)
	require.NoError(t, err)
	assert.Equal(t, engine.OutcomeCompleted, result.Outcome)

	sent := developer.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "PREVIOUS ROUND REJECTED")
	assert.Contains(t, sent[0], "session timeout test is flaky")

	assert.Empty(t, f.milestone(t).LastRejection)
}
