package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/anima/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/anima/internal/agent"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/events"
	"github.com/hugo-lorenzo-mato/anima/internal/store/audit"
)

// loop runs developer/acceptor rounds until the milestone reaches a terminal
// status or the run suspends (paused, rate limited, awaiting review).
func (e *Engine) loop(ctx context.Context, r *run) (Result, error) {
	if r.reconcile != nil {
		if result, suspended, err := e.reconcileTree(ctx, r); suspended || err != nil {
			return result, err
		}
		r.reconcile = nil
	}

	for {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if r.milestone.IterationCount >= r.cfg.MaxIterationsPerMilestone {
			return e.pause(ctx, r, "iteration cap reached")
		}

		devResp, result, suspended, err := e.developerRound(ctx, r)
		if suspended || err != nil {
			return result, err
		}
		if devResp == nil {
			// Transient failure already counted as a rejection.
			if r.milestone.ConsecutiveRejections >= r.cfg.RejectionThreshold {
				return e.pause(ctx, r, "rejection threshold reached")
			}
			continue
		}

		if devResp.Verdict != nil && devResp.Verdict.Kind == core.VerdictAllComplete {
			result, done, err := e.finalReview(ctx, r)
			if done || err != nil {
				return result, err
			}
			// Final review rejected: back into the round loop with the
			// reason forwarded, no rejection counted.
			continue
		}

		result, suspended, err = e.acceptorRound(ctx, r)
		if suspended || err != nil {
			return result, err
		}
		if r.milestone.ConsecutiveRejections >= r.cfg.RejectionThreshold {
			return e.pause(ctx, r, "rejection threshold reached")
		}
	}
}

// reconcileTree sends the dirty-tree cleanup prompt before any round runs.
func (e *Engine) reconcileTree(ctx context.Context, r *run) (Result, bool, error) {
	r.log.Info("reconciling dirty working tree")
	resp, err := e.exchange(ctx, r, r.developer, core.RoleDeveloper, BuildReconcilePrompt(r.reconcile))
	if err != nil {
		return Result{}, false, err
	}
	if resp.Quota != nil {
		result, err := e.suspendRateLimited(ctx, r, resp.Quota)
		return result, true, err
	}
	if resp.Died {
		if err := e.respawn(r, core.RoleDeveloper); err != nil {
			return Result{}, false, err
		}
	}
	e.recordUsage(r, resp)
	return Result{}, false, nil
}

// developerRound runs one developer exchange. A nil response with no
// suspension means a transient failure was absorbed as a rejection.
func (e *Engine) developerRound(ctx context.Context, r *run) (*agent.Response, Result, bool, error) {
	ordinal := r.milestone.IterationCount + 1
	startedAt := e.clk.Now()

	commits, err := e.git.LogSince(ctx, r.milestone.BaseCommit)
	if err != nil {
		return nil, Result{}, false, err
	}

	vision, _ := e.store.ReadVision()
	soul, _ := e.store.ReadSoul()
	memory, _ := e.store.ReadProjectMemory()

	feedback := r.milestone.PendingFeedback
	prompt := BuildDeveloperPrompt(DeveloperPromptInput{
		Vision:          vision,
		Soul:            soul,
		MilestoneDoc:    r.doc.Body,
		Memory:          memory,
		Branch:          r.milestone.BranchName,
		Round:           ordinal,
		CompletedSoFar:  commits,
		RejectionReason: r.milestone.LastRejection,
		HumanFeedback:   feedback,
		Resumption:      r.resumption,
	})
	r.resumption = false

	e.bus.Publish(events.NewRoundStartedEvent(e.projectID, r.milestone.ID, ordinal, core.PhaseDeveloper))

	resp, err := e.exchange(ctx, r, r.developer, core.RoleDeveloper, prompt)
	if err != nil {
		var transient *core.DomainError
		if errors.As(err, &transient) && transient.Kind == core.KindTransientAgent {
			// Timeout or mid-response death counts as a rejection.
			return nil, Result{}, false, e.absorbTransient(ctx, r, core.RoleDeveloper, transient)
		}
		return nil, Result{}, false, err
	}

	if resp.Quota != nil {
		result, err := e.suspendRateLimited(ctx, r, resp.Quota)
		return nil, result, true, err
	}
	if resp.Died {
		if err := e.respawn(r, core.RoleDeveloper); err != nil {
			return nil, Result{}, false, err
		}
	}

	// Feedback and the rejection context were consumed by this prompt.
	r.milestone.PendingFeedback = ""
	r.milestone.LastRejection = ""
	e.recordUsage(r, resp)
	e.bus.Publish(events.NewRoundFinishedEvent(e.projectID, r.milestone.ID, ordinal,
		core.PhaseDeveloper, e.clk.Now().Sub(startedAt), resp.Usage))
	return resp, Result{}, false, nil
}

// acceptorRound reviews the developer's latest commits and applies the
// verdict to the counters.
func (e *Engine) acceptorRound(ctx context.Context, r *run) (Result, bool, error) {
	ordinal := r.milestone.IterationCount + 1
	startedAt := e.clk.Now()

	commits, err := e.git.LogSince(ctx, r.milestone.BaseCommit)
	if err != nil {
		return Result{}, false, err
	}
	soul, _ := e.store.ReadSoul()

	prompt := BuildAcceptorRoundPrompt(AcceptorRoundInput{
		Soul:     soul,
		Criteria: r.doc.CriteriaList(),
		Commits:  commits,
	})

	e.bus.Publish(events.NewRoundStartedEvent(e.projectID, r.milestone.ID, ordinal, core.PhaseAcceptor))

	resp, err := e.exchange(ctx, r, r.acceptor, core.RoleAcceptor, prompt)
	if err != nil {
		var transient *core.DomainError
		if errors.As(err, &transient) && transient.Kind == core.KindTransientAgent {
			return Result{}, false, e.absorbTransient(ctx, r, core.RoleAcceptor, transient)
		}
		return Result{}, false, err
	}
	if resp.Quota != nil {
		result, err := e.suspendRateLimited(ctx, r, resp.Quota)
		return result, true, err
	}
	if resp.Died {
		if err := e.respawn(r, core.RoleAcceptor); err != nil {
			return Result{}, false, err
		}
	}
	e.recordUsage(r, resp)

	verdict := resp.Verdict
	if verdict == nil {
		verdict = &core.Verdict{Kind: core.VerdictRejected, Reason: "acceptor returned no verdict"}
	}
	e.bus.Publish(events.NewVerdictEvent(e.projectID, r.milestone.ID, *verdict))

	var commitHash string
	if len(commits) > 0 {
		commitHash = commits[len(commits)-1].Hash
	}

	switch verdict.Kind {
	case core.VerdictAccepted:
		// Only accepted rounds consume the iteration budget; repair rounds
		// retry the same iteration.
		r.milestone.IterationCount++
		r.milestone.ConsecutiveRejections = 0
		r.log.Info("round accepted", "round", ordinal)
	default:
		r.milestone.ConsecutiveRejections++
		r.milestone.LastRejection = verdict.Reason
		r.log.Info("round rejected", "round", ordinal,
			"reason", verdict.Reason, "consecutive_rejections", r.milestone.ConsecutiveRejections)
	}

	if err := e.persist(ctx, r); err != nil {
		return Result{}, false, err
	}
	e.recordRound(ctx, r, ordinal, core.PhaseAcceptor, verdict, commitHash, resp.Usage, startedAt)
	e.bus.Publish(events.NewRoundFinishedEvent(e.projectID, r.milestone.ID, ordinal,
		core.PhaseAcceptor, e.clk.Now().Sub(startedAt), resp.Usage))
	return Result{}, false, nil
}

// finalReview runs the whole-milestone review after ALL_FEATURES_COMPLETE.
// done is true when the run ends here (completed, awaiting review, rate
// limited); a final rejection returns to the round loop.
func (e *Engine) finalReview(ctx context.Context, r *run) (Result, bool, error) {
	ordinal := r.milestone.IterationCount + 1
	startedAt := e.clk.Now()

	commits, err := e.git.LogSince(ctx, r.milestone.BaseCommit)
	if err != nil {
		return Result{}, false, err
	}
	soul, _ := e.store.ReadSoul()

	prompt := BuildFinalReviewPrompt(AcceptorRoundInput{
		Soul:     soul,
		Criteria: r.doc.CriteriaList(),
		Commits:  commits,
	})

	e.bus.Publish(events.NewRoundStartedEvent(e.projectID, r.milestone.ID, ordinal, core.PhaseFinalReview))

	resp, err := e.exchange(ctx, r, r.acceptor, core.RoleAcceptor, prompt)
	if err != nil {
		var transient *core.DomainError
		if errors.As(err, &transient) && transient.Kind == core.KindTransientAgent {
			return Result{}, false, e.absorbTransient(ctx, r, core.RoleAcceptor, transient)
		}
		return Result{}, false, err
	}
	if resp.Quota != nil {
		result, err := e.suspendRateLimited(ctx, r, resp.Quota)
		return result, true, err
	}
	if resp.Died {
		if err := e.respawn(r, core.RoleAcceptor); err != nil {
			return Result{}, false, err
		}
	}
	e.recordUsage(r, resp)

	verdict := resp.Verdict
	if verdict == nil {
		verdict = &core.Verdict{Kind: core.VerdictRejected, Reason: "final review returned no verdict"}
	}
	e.bus.Publish(events.NewVerdictEvent(e.projectID, r.milestone.ID, *verdict))
	e.recordRound(ctx, r, ordinal, core.PhaseFinalReview, verdict, "", resp.Usage, startedAt)

	if verdict.Kind != core.VerdictAccepted {
		// Forwarded to the next developer round without counting a
		// rejection; the developer declared completion prematurely.
		r.milestone.LastRejection = verdict.Reason
		r.log.Info("final review rejected", "reason", verdict.Reason)
		if err := e.persist(ctx, r); err != nil {
			return Result{}, false, err
		}
		return Result{}, false, nil
	}

	requiresReview := r.milestone.RequiresHumanReview
	if r.doc.RequiresHumanReview != nil {
		requiresReview = *r.doc.RequiresHumanReview
	}
	if requiresReview {
		result, err := e.suspendAwaitingReview(ctx, r)
		return result, true, err
	}

	result, err := e.finalize(ctx, r)
	return result, true, err
}

// finalize merges the milestone branch into the integration branch, fast
// forward when possible, tags the result and completes the milestone. A
// merge or tag failure leaves the milestone in_progress and pauses the
// project for a human.
func (e *Engine) finalize(ctx context.Context, r *run) (Result, error) {
	integration, err := e.git.DefaultBranch(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := e.git.Switch(ctx, integration); err != nil {
		return Result{}, err
	}
	if err := e.git.Merge(ctx, r.milestone.BranchName, "Merge "+r.milestone.BranchName+": "+r.milestone.Title); err != nil {
		_ = e.git.AbortMerge(ctx)
		_ = e.git.Switch(ctx, r.milestone.BranchName)
		return Result{}, core.ErrFatalMilestone("merging milestone branch failed").WithCause(err)
	}
	if err := e.git.Tag(ctx, core.MilestoneTag(r.milestone.ID), "Milestone "+r.milestone.ID+": "+r.milestone.Title); err != nil {
		return Result{}, core.ErrFatalMilestone("tagging milestone failed").WithCause(err)
	}

	from := r.milestone.Status
	if err := r.milestone.Transition(core.MilestoneCompleted); err != nil {
		return Result{}, err
	}
	now := core.NewTimestamp(e.clk.Now())
	r.milestone.CompletedAt = &now

	prev := r.state.Status
	r.state.Status = core.ProjectSleeping
	r.state.CurrentMilestoneID = ""
	r.state.RateLimitResetAt = nil
	if err := e.persist(ctx, r); err != nil {
		return Result{}, err
	}

	if err := e.writeMemory(ctx, r); err != nil {
		r.log.Warn("writing iteration memory", "error", err)
	}

	e.bus.PublishPriority(events.NewMilestoneStatusChangeEvent(e.projectID, r.milestone.ID, from, core.MilestoneCompleted))
	e.bus.PublishPriority(events.NewStatusChangeEvent(e.projectID, prev, core.ProjectSleeping))
	r.log.Info("milestone completed", "iterations", r.milestone.IterationCount,
		"tokens", r.milestone.TokensUsed, "cost_usd", r.milestone.CostUSD)
	return Result{Outcome: OutcomeCompleted}, nil
}

// suspendAwaitingReview parks the milestone for human approval. The branch
// stays unmerged until approve or reject arrives.
func (e *Engine) suspendAwaitingReview(ctx context.Context, r *run) (Result, error) {
	from := r.milestone.Status
	if err := r.milestone.Transition(core.MilestoneAwaitingReview); err != nil {
		return Result{}, err
	}

	prev := r.state.Status
	r.state.Status = core.ProjectSleeping
	r.state.CurrentMilestoneID = ""
	if err := e.persist(ctx, r); err != nil {
		return Result{}, err
	}

	e.bus.PublishPriority(events.NewMilestoneStatusChangeEvent(e.projectID, r.milestone.ID, from, core.MilestoneAwaitingReview))
	e.bus.PublishPriority(events.NewStatusChangeEvent(e.projectID, prev, core.ProjectSleeping))
	r.log.Info("milestone awaiting human review")
	return Result{Outcome: OutcomeAwaitingReview}, nil
}

// suspendRateLimited persists the rate_limited state with an absolute reset
// time. Quota never counts as a rejection.
func (e *Engine) suspendRateLimited(ctx context.Context, r *run, signal *core.QuotaSignal) (Result, error) {
	resetAt := e.clk.Now().Add(e.backoff)
	if signal.ResetAt != nil {
		resetAt = signal.ResetAt.Time
	}

	prev := r.state.Status
	stamp := core.NewTimestamp(resetAt)
	r.state.Status = core.ProjectRateLimited
	r.state.CurrentMilestoneID = r.milestone.ID
	r.state.RateLimitResetAt = &stamp
	if err := e.persist(ctx, r); err != nil {
		return Result{}, err
	}

	e.bus.PublishPriority(events.NewQuotaEvent(e.projectID, *signal))
	e.bus.PublishPriority(events.NewStatusChangeEvent(e.projectID, prev, core.ProjectRateLimited))
	r.log.Info("quota signal, backing off", "status", signal.Status, "reset_at", resetAt)
	return Result{Outcome: OutcomeRateLimited, ResetAt: resetAt}, nil
}

// pause parks the project with the milestone kept in_progress.
func (e *Engine) pause(ctx context.Context, r *run, reason string) (Result, error) {
	prev := r.state.Status
	r.state.Status = core.ProjectPaused
	r.state.CurrentMilestoneID = r.milestone.ID
	if err := e.persist(ctx, r); err != nil {
		return Result{}, err
	}

	e.bus.PublishPriority(events.NewStatusChangeEvent(e.projectID, prev, core.ProjectPaused))
	r.log.Info("project paused", "reason", reason,
		"consecutive_rejections", r.milestone.ConsecutiveRejections,
		"iteration_count", r.milestone.IterationCount)
	return Result{Outcome: OutcomePaused}, nil
}

// absorbTransient converts a timeout or session death into a counted
// rejection and respawns the affected session.
func (e *Engine) absorbTransient(ctx context.Context, r *run, role core.AgentRole, cause *core.DomainError) error {
	if ctx.Err() != nil {
		// Engine-level cancellation, not a round failure.
		return cause
	}
	reason := "agent session died mid-round"
	if cause.Code == core.CodeRoundTimeout {
		reason = "round timed out"
	}
	r.milestone.ConsecutiveRejections++
	r.milestone.LastRejection = reason
	r.log.Warn("transient agent failure absorbed as rejection",
		"role", role, "code", cause.Code,
		"consecutive_rejections", r.milestone.ConsecutiveRejections)

	if err := e.respawn(r, role); err != nil {
		return err
	}
	return e.persist(ctx, r)
}

// respawn replaces a dead session for a role.
func (e *Engine) respawn(r *run, role core.AgentRole) error {
	var old agent.Session
	if role == core.RoleDeveloper {
		old = r.developer
	} else {
		old = r.acceptor
	}
	if old != nil {
		_ = old.Close()
	}

	prompt := DeveloperSystemPrompt
	if role == core.RoleAcceptor {
		prompt = AcceptorSystemPrompt
	}
	session, err := e.spawn(role, prompt, e.git.RepoPath())
	if err != nil {
		return err
	}
	if role == core.RoleDeveloper {
		r.developer = session
	} else {
		r.acceptor = session
	}
	r.log.Info("agent session respawned", "role", role)
	return nil
}

// exchange runs one request/response under the per-round deadline, streaming
// parsed events onto the bus.
func (e *Engine) exchange(ctx context.Context, r *run, session agent.Session, role core.AgentRole, prompt string) (*agent.Response, error) {
	roundCtx := ctx
	if r.cfg.AgentTimeoutMs > 0 {
		var cancel context.CancelFunc
		roundCtx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.AgentTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	onEvent := func(ev agent.Event) {
		if ev.Kind == agent.EventText || ev.Kind == agent.EventToolUse {
			e.bus.Publish(events.NewAgentStreamChunkEvent(e.projectID, r.milestone.ID, role, ev.Text))
		}
	}

	resp, err := agent.Collect(roundCtx, session, r.parser, e.clk, e.idle, prompt, onEvent)
	if err != nil && roundCtx.Err() != nil && ctx.Err() == nil {
		// Round deadline, not an engine shutdown.
		return nil, core.ErrTransientAgent(core.CodeRoundTimeout, "round deadline exceeded").WithCause(err)
	}
	return resp, err
}

// recordUsage folds round telemetry into the milestone and project counters.
func (e *Engine) recordUsage(r *run, resp *agent.Response) {
	if resp == nil {
		return
	}
	if resp.Usage.Tokens > 0 {
		r.milestone.TokensUsed += resp.Usage.Tokens
	}
	if resp.Usage.CostUSD > 0 {
		r.milestone.CostUSD += resp.Usage.CostUSD
	}
	r.state.AddUsage(resp.Usage.Tokens, resp.Usage.CostUSD)
	now := core.NewTimestamp(e.clk.Now())
	r.state.LastActiveAt = &now
}

// recordRound appends the round to the audit log when one is configured.
func (e *Engine) recordRound(ctx context.Context, r *run, ordinal int, phase core.RoundPhase,
	verdict *core.Verdict, commitHash string, usage core.Telemetry, startedAt time.Time) {
	if e.audit == nil {
		return
	}
	row := audit.Round{
		MilestoneID: r.milestone.ID,
		Ordinal:     ordinal,
		Phase:       phase,
		CommitHash:  commitHash,
		Tokens:      usage.Tokens,
		CostUSD:     usage.CostUSD,
		StartedAt:   startedAt,
		FinishedAt:  e.clk.Now(),
	}
	if verdict != nil {
		row.Verdict = string(verdict.Kind)
		row.Reason = verdict.Reason
	}
	if err := e.audit.RecordRound(ctx, row); err != nil {
		r.log.Warn("recording audit round", "error", err)
	}
}

// writeMemory appends the iteration summary for future milestones.
func (e *Engine) writeMemory(ctx context.Context, r *run) error {
	commits, err := e.git.LogSince(ctx, r.milestone.BaseCommit)
	if err != nil {
		commits = nil
	}
	return e.store.WriteIterationMemory(e.clk.Now(), r.milestone.ID, milestoneSummary(r, commits))
}

func milestoneSummary(r *run, commits []git.Commit) string {
	var b strings.Builder
	b.WriteString("Completed milestone " + r.milestone.ID + ": " + r.milestone.Title + "\n")
	for _, c := range commits {
		b.WriteString("- " + core.ShortID(c.Hash) + " " + c.Subject + "\n")
	}
	return b.String()
}
