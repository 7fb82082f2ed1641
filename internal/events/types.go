package events

import (
	"time"

	"github.com/hugo-lorenzo-mato/anima/internal/core"
)

// Event type constants.
const (
	TypeStatusChange          = "status-change"
	TypeMilestoneStatusChange = "milestone-status-change"
	TypeRoundStarted          = "round-started"
	TypeRoundFinished         = "round-finished"
	TypeVerdict               = "verdict"
	TypeAgentStreamChunk      = "agent-stream-chunk"
	TypeQuota                 = "quota-event"
	TypeRecovered             = "recovered"
	TypeError                 = "error"
)

// StatusChangeEvent signals a project status transition.
type StatusChangeEvent struct {
	BaseEvent
	From core.ProjectStatus `json:"from"`
	To   core.ProjectStatus `json:"to"`
}

// NewStatusChangeEvent creates a status change event.
func NewStatusChangeEvent(projectID string, from, to core.ProjectStatus) StatusChangeEvent {
	return StatusChangeEvent{
		BaseEvent: NewBaseEvent(TypeStatusChange, projectID),
		From:      from,
		To:        to,
	}
}

// MilestoneStatusChangeEvent signals a milestone status transition.
type MilestoneStatusChangeEvent struct {
	BaseEvent
	MilestoneID string               `json:"milestone_id"`
	From        core.MilestoneStatus `json:"from"`
	To          core.MilestoneStatus `json:"to"`
}

// NewMilestoneStatusChangeEvent creates a milestone status change event.
func NewMilestoneStatusChangeEvent(projectID, milestoneID string, from, to core.MilestoneStatus) MilestoneStatusChangeEvent {
	return MilestoneStatusChangeEvent{
		BaseEvent:   NewBaseEvent(TypeMilestoneStatusChange, projectID),
		MilestoneID: milestoneID,
		From:        from,
		To:          to,
	}
}

// RoundStartedEvent signals the start of an iteration round phase.
type RoundStartedEvent struct {
	BaseEvent
	MilestoneID string          `json:"milestone_id"`
	Ordinal     int             `json:"ordinal"`
	Phase       core.RoundPhase `json:"phase"`
}

// NewRoundStartedEvent creates a round started event.
func NewRoundStartedEvent(projectID, milestoneID string, ordinal int, phase core.RoundPhase) RoundStartedEvent {
	return RoundStartedEvent{
		BaseEvent:   NewBaseEvent(TypeRoundStarted, projectID),
		MilestoneID: milestoneID,
		Ordinal:     ordinal,
		Phase:       phase,
	}
}

// RoundFinishedEvent signals the end of an iteration round phase.
type RoundFinishedEvent struct {
	BaseEvent
	MilestoneID string          `json:"milestone_id"`
	Ordinal     int             `json:"ordinal"`
	Phase       core.RoundPhase `json:"phase"`
	Duration    time.Duration   `json:"duration"`
	Tokens      int64           `json:"tokens"`
	CostUSD     float64         `json:"cost_usd"`
}

// NewRoundFinishedEvent creates a round finished event.
func NewRoundFinishedEvent(projectID, milestoneID string, ordinal int, phase core.RoundPhase, duration time.Duration, usage core.Telemetry) RoundFinishedEvent {
	return RoundFinishedEvent{
		BaseEvent:   NewBaseEvent(TypeRoundFinished, projectID),
		MilestoneID: milestoneID,
		Ordinal:     ordinal,
		Phase:       phase,
		Duration:    duration,
		Tokens:      usage.Tokens,
		CostUSD:     usage.CostUSD,
	}
}

// VerdictEvent signals an acceptor verdict.
type VerdictEvent struct {
	BaseEvent
	MilestoneID string           `json:"milestone_id"`
	Kind        core.VerdictKind `json:"kind"`
	Reason      string           `json:"reason,omitempty"`
}

// NewVerdictEvent creates a verdict event.
func NewVerdictEvent(projectID, milestoneID string, verdict core.Verdict) VerdictEvent {
	return VerdictEvent{
		BaseEvent:   NewBaseEvent(TypeVerdict, projectID),
		MilestoneID: milestoneID,
		Kind:        verdict.Kind,
		Reason:      verdict.Reason,
	}
}

// AgentStreamChunkEvent carries a fragment of live agent output. High
// volume, delivered lossily.
type AgentStreamChunkEvent struct {
	BaseEvent
	MilestoneID string         `json:"milestone_id"`
	Role        core.AgentRole `json:"role"`
	Chunk       string         `json:"chunk"`
}

// NewAgentStreamChunkEvent creates a stream chunk event.
func NewAgentStreamChunkEvent(projectID, milestoneID string, role core.AgentRole, chunk string) AgentStreamChunkEvent {
	return AgentStreamChunkEvent{
		BaseEvent:   NewBaseEvent(TypeAgentStreamChunk, projectID),
		MilestoneID: milestoneID,
		Role:        role,
		Chunk:       chunk,
	}
}

// QuotaEvent signals that an agent hit a provider rate limit or quota.
type QuotaEvent struct {
	BaseEvent
	Status  core.QuotaStatus `json:"status"`
	ResetAt *core.Timestamp  `json:"reset_at,omitempty"`
}

// NewQuotaEvent creates a quota event.
func NewQuotaEvent(projectID string, signal core.QuotaSignal) QuotaEvent {
	return QuotaEvent{
		BaseEvent: NewBaseEvent(TypeQuota, projectID),
		Status:    signal.Status,
		ResetAt:   signal.ResetAt,
	}
}

// RecoveredEvent signals that startup recovery repaired a project.
type RecoveredEvent struct {
	BaseEvent
	MilestoneID string `json:"milestone_id,omitempty"`
	Action      string `json:"action"`
}

// NewRecoveredEvent creates a recovery event.
func NewRecoveredEvent(projectID, milestoneID, action string) RecoveredEvent {
	return RecoveredEvent{
		BaseEvent:   NewBaseEvent(TypeRecovered, projectID),
		MilestoneID: milestoneID,
		Action:      action,
	}
}

// ErrorEvent signals a project-scoped failure.
type ErrorEvent struct {
	BaseEvent
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewErrorEvent creates an error event.
func NewErrorEvent(projectID string, err error) ErrorEvent {
	return ErrorEvent{
		BaseEvent: NewBaseEvent(TypeError, projectID),
		Kind:      string(core.GetKind(err)),
		Message:   err.Error(),
	}
}
