package engine

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/events"
)

// Approve completes a milestone parked in awaiting_review: the branch is
// merged and tagged exactly as a non-review completion would be.
func (e *Engine) Approve(ctx context.Context, milestoneID string) (Result, error) {
	r, err := e.load(milestoneID)
	if err != nil {
		return Result{}, err
	}
	if r.milestone.Status != core.MilestoneAwaitingReview {
		return Result{}, core.ErrValidation(core.CodeNotAwaitingHuman,
			fmt.Sprintf("milestone %s is %s", milestoneID, r.milestone.Status))
	}
	return e.finalize(ctx, r)
}

// RejectReview sends a milestone back to in_progress with the human's reason
// queued as feedback for the next developer round. The rejection counter
// resets; the reason reaches the developer through the prompt, not the
// counter.
func (e *Engine) RejectReview(ctx context.Context, milestoneID, reason string) error {
	r, err := e.load(milestoneID)
	if err != nil {
		return err
	}
	if r.milestone.Status != core.MilestoneAwaitingReview {
		return core.ErrValidation(core.CodeNotAwaitingHuman,
			fmt.Sprintf("milestone %s is %s", milestoneID, r.milestone.Status))
	}

	if err := r.milestone.Transition(core.MilestoneInProgress); err != nil {
		return err
	}
	r.milestone.ConsecutiveRejections = 0
	r.milestone.PendingFeedback = reason

	prev := r.state.Status
	r.state.Status = core.ProjectAwake
	r.state.CurrentMilestoneID = milestoneID
	if err := e.persist(ctx, r); err != nil {
		return err
	}

	e.bus.PublishPriority(events.NewMilestoneStatusChangeEvent(e.projectID, milestoneID,
		core.MilestoneAwaitingReview, core.MilestoneInProgress))
	e.bus.PublishPriority(events.NewStatusChangeEvent(e.projectID, prev, core.ProjectAwake))
	r.log.Info("human review rejected", "reason", reason)
	return nil
}

// AddGuidance queues human guidance for the milestone's next developer
// prompt. Repeated guidance accumulates until consumed.
func (e *Engine) AddGuidance(ctx context.Context, milestoneID, text string) error {
	r, err := e.load(milestoneID)
	if err != nil {
		return err
	}
	if r.milestone.Status.Terminal() {
		return core.ErrValidation(core.CodeNotInProgress,
			fmt.Sprintf("milestone %s is %s", milestoneID, r.milestone.Status))
	}
	if r.milestone.PendingFeedback != "" {
		r.milestone.PendingFeedback += "\n" + text
	} else {
		r.milestone.PendingFeedback = text
	}
	return e.persist(ctx, r)
}
