// Package engine drives a milestone from in_progress to a terminal status
// through the alternating Developer/Acceptor loop. One engine instance runs
// one milestone at a time; the scheduler decides when.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/anima/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/anima/internal/agent"
	"github.com/hugo-lorenzo-mato/anima/internal/clock"
	"github.com/hugo-lorenzo-mato/anima/internal/config"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/events"
	"github.com/hugo-lorenzo-mato/anima/internal/logging"
	"github.com/hugo-lorenzo-mato/anima/internal/store"
	"github.com/hugo-lorenzo-mato/anima/internal/store/audit"
)

// ErrUserCancelled is passed as a cancellation cause when the user cancels
// the active milestone; the engine rolls back instead of just stopping.
var ErrUserCancelled = errors.New("milestone cancelled by user")

// ErrUserPaused is passed as a cancellation cause when the user pauses the
// project mid-round; the milestone stays in_progress.
var ErrUserPaused = errors.New("project paused by user")

// Outcome is what a milestone run ended with, mirrored into the scheduler.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAwaitingReview
	OutcomePaused
	OutcomeRateLimited
	OutcomeCancelled
	OutcomeFailed
	OutcomeInterrupted // process shutdown; state untouched
)

// Result reports a finished run.
type Result struct {
	Outcome Outcome
	ResetAt time.Time // for OutcomeRateLimited
}

// SessionFactory spawns an agent session for a role. Tests substitute
// scripted sessions.
type SessionFactory func(role core.AgentRole, systemPrompt, dir string) (agent.Session, error)

// Preflight checks host resources before sessions spawn. Optional.
type Preflight func(workdir string) error

// Engine runs iteration loops for one project.
type Engine struct {
	projectID string
	store     *store.Store
	git       *git.Client
	bus       *events.Bus
	clk       clock.Clock
	log       *logging.Logger
	spawn     SessionFactory
	audit     *audit.Log
	preflight Preflight
	idle      time.Duration
	backoff   time.Duration
}

// Option configures the engine.
type Option func(*Engine)

// WithAudit records finished rounds in the audit log.
func WithAudit(log *audit.Log) Option {
	return func(e *Engine) { e.audit = log }
}

// WithPreflight runs a resource check before spawning sessions.
func WithPreflight(p Preflight) Option {
	return func(e *Engine) { e.preflight = p }
}

// WithIdleWindow overrides the verdict idle window.
func WithIdleWindow(d time.Duration) Option {
	return func(e *Engine) { e.idle = d }
}

// WithQuotaBackoff overrides the default back-off persisted when a quota
// signal carries no reset time.
func WithQuotaBackoff(d time.Duration) Option {
	return func(e *Engine) { e.backoff = d }
}

// New creates an engine for one project.
func New(projectID string, st *store.Store, gitClient *git.Client, bus *events.Bus,
	clk clock.Clock, log *logging.Logger, spawn SessionFactory, opts ...Option) *Engine {
	e := &Engine{
		projectID: projectID,
		store:     st,
		git:       gitClient,
		bus:       bus,
		clk:       clk,
		log:       log.WithProject(projectID),
		spawn:     spawn,
		idle:      500 * time.Millisecond,
		backoff:   60 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run-scoped state for one milestone execution.
type run struct {
	cfg       *config.ProjectConfig
	milestone *core.Milestone
	mv        store.Version
	state     *core.ProjectState
	sv        store.Version
	doc       *core.MilestoneDoc
	developer agent.Session
	acceptor  agent.Session
	parser    *agent.Parser
	log       *logging.Logger

	resumption bool
	reconcile  *git.Status
}

// Run drives the milestone to a terminal status or a suspension (paused,
// rate_limited, awaiting_review). resume marks a pickup of an already
// in_progress milestone after a pause, restart or review rejection.
func (e *Engine) Run(ctx context.Context, milestoneID string, resume bool) (Result, error) {
	r, err := e.prepare(ctx, milestoneID, resume)
	if err != nil {
		return e.failToPause(milestoneID, err)
	}
	defer e.closeSessions(r)

	result, err := e.loop(ctx, r)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrUserCancelled) {
			return e.rollback(r, core.MilestoneCancelled)
		}
		if errors.Is(context.Cause(ctx), ErrUserPaused) {
			return e.pause(context.Background(), r, "paused by user")
		}
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeInterrupted}, nil
		}
		return e.failToPause(milestoneID, err)
	}
	return result, nil
}

// Cancel rolls back an in_progress milestone that is not currently running
// (paused or after restart): branch reset to baseCommit, status cancelled.
func (e *Engine) Cancel(ctx context.Context, milestoneID string) error {
	r, err := e.load(milestoneID)
	if err != nil {
		return err
	}
	if r.milestone.Status != core.MilestoneInProgress && r.milestone.Status != core.MilestoneAwaitingReview {
		return core.ErrValidation(core.CodeNotInProgress,
			fmt.Sprintf("milestone %s is %s", milestoneID, r.milestone.Status))
	}
	_, err = e.rollbackCtx(ctx, r, core.MilestoneCancelled)
	return err
}

// prepare loads state, performs pre-start or recovery, and spawns sessions.
func (e *Engine) prepare(ctx context.Context, milestoneID string, resume bool) (*run, error) {
	r, err := e.load(milestoneID)
	if err != nil {
		return nil, err
	}

	if resume {
		if err := e.recover(ctx, r); err != nil {
			return nil, err
		}
	} else {
		if err := e.preStart(ctx, r); err != nil {
			return nil, err
		}
	}

	if e.preflight != nil {
		if err := e.preflight(e.git.RepoPath()); err != nil {
			return nil, err
		}
	}

	dir := e.git.RepoPath()
	r.developer, err = e.spawn(core.RoleDeveloper, DeveloperSystemPrompt, dir)
	if err != nil {
		return nil, err
	}
	r.acceptor, err = e.spawn(core.RoleAcceptor, AcceptorSystemPrompt, dir)
	if err != nil {
		_ = r.developer.Close()
		return nil, err
	}
	r.parser = agent.NewParser(e.clk)
	return r, nil
}

func (e *Engine) load(milestoneID string) (*run, error) {
	cfg, err := config.LoadProjectConfig(e.store.ConfigPath())
	if err != nil {
		return nil, err
	}

	milestone, mv, err := e.store.ReadMilestone(milestoneID)
	if err != nil {
		return nil, err
	}
	state, sv, err := e.store.ReadProjectState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &core.ProjectState{Status: core.ProjectSleeping}
	}

	doc, err := e.store.ReadMilestoneDoc(milestoneID)
	if err != nil && !core.IsKind(err, core.KindNotFound) {
		return nil, err
	}
	if doc == nil {
		doc = &core.MilestoneDoc{Title: milestone.Title}
	}

	return &run{
		cfg:       cfg,
		milestone: milestone,
		mv:        mv,
		state:     state,
		sv:        sv,
		doc:       doc,
		log:       e.log.WithMilestone(milestoneID),
	}, nil
}

// preStart creates the milestone branch from the integration branch head and
// persists the in_progress/awake pair.
func (e *Engine) preStart(ctx context.Context, r *run) error {
	status, err := e.git.Status(ctx)
	if err != nil {
		return err
	}
	if !status.IsClean() {
		// Leftovers from outside the loop are set aside, never discarded.
		if err := e.git.Stash(ctx, "anima: pre-milestone leftovers"); err != nil {
			return err
		}
	}

	integration, err := e.git.DefaultBranch(ctx)
	if err != nil {
		return err
	}
	if err := e.git.Switch(ctx, integration); err != nil {
		return err
	}
	base, err := e.git.CurrentCommit(ctx)
	if err != nil {
		return err
	}

	branch := core.MilestoneBranch(r.milestone.ID)
	exists, err := e.git.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if exists {
		if err := e.git.Switch(ctx, branch); err != nil {
			return err
		}
	} else if err := e.git.CreateBranch(ctx, branch, base); err != nil {
		return err
	}

	fromStatus := r.milestone.Status
	if err := r.milestone.Transition(core.MilestoneInProgress); err != nil {
		return err
	}
	now := core.NewTimestamp(e.clk.Now())
	r.milestone.BranchName = branch
	r.milestone.BaseCommit = base
	r.milestone.StartedAt = &now

	prev := r.state.Status
	r.state.Status = core.ProjectAwake
	r.state.CurrentMilestoneID = r.milestone.ID
	if r.state.FirstActivatedAt == nil {
		r.state.FirstActivatedAt = &now
	}

	if err := e.persist(ctx, r); err != nil {
		return err
	}
	e.bus.PublishPriority(events.NewMilestoneStatusChangeEvent(e.projectID, r.milestone.ID, fromStatus, core.MilestoneInProgress))
	e.bus.PublishPriority(events.NewStatusChangeEvent(e.projectID, prev, core.ProjectAwake))
	r.log.Info("milestone started", "branch", branch, "base_commit", base)
	return nil
}

// recover re-enters an in_progress milestone: confirm the branch, note a
// dirty tree for reconciliation, reset the rejection counter.
func (e *Engine) recover(ctx context.Context, r *run) error {
	if r.milestone.Status != core.MilestoneInProgress {
		return core.ErrValidation(core.CodeNotInProgress,
			fmt.Sprintf("milestone %s is %s, cannot resume", r.milestone.ID, r.milestone.Status))
	}

	current, err := e.git.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if current != r.milestone.BranchName {
		if err := e.git.Switch(ctx, r.milestone.BranchName); err != nil {
			return err
		}
	}

	status, err := e.git.Status(ctx)
	if err != nil {
		return err
	}
	if !status.IsClean() {
		r.reconcile = status
	}

	prev := r.state.Status
	r.milestone.ConsecutiveRejections = 0
	r.state.Status = core.ProjectAwake
	r.state.CurrentMilestoneID = r.milestone.ID
	r.state.RateLimitResetAt = nil
	if err := e.persist(ctx, r); err != nil {
		return err
	}
	if prev != core.ProjectAwake {
		e.bus.PublishPriority(events.NewStatusChangeEvent(e.projectID, prev, core.ProjectAwake))
	}
	e.bus.Publish(events.NewRecoveredEvent(e.projectID, r.milestone.ID, "resumed in-progress milestone"))
	r.resumption = true
	r.log.Info("milestone resumed", "iteration_count", r.milestone.IterationCount, "dirty_tree", r.reconcile != nil)
	return nil
}

// persist writes the milestone and state pair under the project lock,
// milestone first. Version tokens refresh on success.
func (e *Engine) persist(ctx context.Context, r *run) error {
	return e.store.WithProjectLock(ctx, func() error {
		if err := e.store.WriteMilestoneAndState(r.milestone, r.mv, r.state, r.sv); err != nil {
			return err
		}
		return e.refreshVersions(r)
	})
}

func (e *Engine) refreshVersions(r *run) error {
	_, mv, err := e.store.ReadMilestone(r.milestone.ID)
	if err != nil {
		return err
	}
	_, sv, err := e.store.ReadProjectState()
	if err != nil {
		return err
	}
	r.mv, r.sv = mv, sv
	return nil
}

func (e *Engine) closeSessions(r *run) {
	if r == nil {
		return
	}
	if r.developer != nil {
		if err := r.developer.Close(); err != nil {
			r.log.Warn("closing developer session", "error", err)
		}
	}
	if r.acceptor != nil {
		if err := r.acceptor.Close(); err != nil {
			r.log.Warn("closing acceptor session", "error", err)
		}
	}
}

// failToPause converts a non-recoverable error into a paused project with a
// descriptive event. A milestone that reached in_progress stays there for a
// human to resume or cancel; one that never started goes back to the ready
// queue with the project asleep, so a later resume does not wedge on it.
func (e *Engine) failToPause(milestoneID string, err error) (Result, error) {
	e.bus.PublishPriority(events.NewErrorEvent(e.projectID, err))
	e.log.Error("milestone run failed", "error", err)

	milestone, _, readErr := e.store.ReadMilestone(milestoneID)
	started := readErr == nil && milestone != nil && milestone.Status == core.MilestoneInProgress

	state, sv, readErr := e.store.ReadProjectState()
	if readErr == nil && state != nil {
		if started {
			state.Status = core.ProjectPaused
			state.CurrentMilestoneID = milestoneID
		} else {
			state.Status = core.ProjectSleeping
			state.CurrentMilestoneID = ""
		}
		if writeErr := e.store.WriteProjectState(state, sv); writeErr != nil {
			e.log.Error("persisting failure state", "error", writeErr)
		}
	}
	return Result{Outcome: OutcomePaused}, err
}

// rollback resets the milestone branch to baseCommit and records the
// terminal status (cancelled or failed). The integration branch is never
// touched.
func (e *Engine) rollback(r *run, to core.MilestoneStatus) (Result, error) {
	return e.rollbackCtx(context.Background(), r, to)
}

func (e *Engine) rollbackCtx(ctx context.Context, r *run, to core.MilestoneStatus) (Result, error) {
	if r.milestone.BaseCommit != "" {
		if current, err := e.git.CurrentBranch(ctx); err == nil && current == r.milestone.BranchName {
			if err := e.git.ResetHard(ctx, r.milestone.BaseCommit); err != nil {
				r.log.Error("rolling back milestone branch", "error", err)
			}
			if integration, err := e.git.DefaultBranch(ctx); err == nil {
				_ = e.git.Switch(ctx, integration)
			}
		}
	}

	from := r.milestone.Status
	if err := r.milestone.Transition(to); err != nil {
		return Result{}, err
	}
	now := core.NewTimestamp(e.clk.Now())
	r.milestone.CompletedAt = &now

	prev := r.state.Status
	r.state.Status = core.ProjectSleeping
	r.state.CurrentMilestoneID = ""
	if err := e.persist(ctx, r); err != nil {
		return Result{}, err
	}

	e.bus.PublishPriority(events.NewMilestoneStatusChangeEvent(e.projectID, r.milestone.ID, from, to))
	e.bus.PublishPriority(events.NewStatusChangeEvent(e.projectID, prev, core.ProjectSleeping))
	r.log.Info("milestone rolled back", "status", to)

	outcome := OutcomeCancelled
	if to == core.MilestoneFailed {
		outcome = OutcomeFailed
	}
	return Result{Outcome: outcome}, nil
}
