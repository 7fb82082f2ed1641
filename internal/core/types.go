package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Timestamp is a time.Time persisted as ISO 8601 UTC with second precision.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to second precision in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Second)}
}

// MarshalJSON renders "2006-01-02T15:04:05Z".
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`null`), nil
	}
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05Z"))
}

// UnmarshalJSON accepts RFC 3339 with or without fractional seconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC().Truncate(time.Second)
	return nil
}

// ProjectStatus is the lifecycle state of a managed project.
type ProjectStatus string

const (
	ProjectSleeping    ProjectStatus = "sleeping"
	ProjectChecking    ProjectStatus = "checking"
	ProjectAwake       ProjectStatus = "awake"
	ProjectPaused      ProjectStatus = "paused"
	ProjectRateLimited ProjectStatus = "rate_limited"
)

// RequiresMilestone reports whether the status implies an owned milestone.
func (s ProjectStatus) RequiresMilestone() bool {
	return s == ProjectAwake || s == ProjectPaused || s == ProjectRateLimited
}

// ProjectState is the persisted per-project record (.anima/state.json).
type ProjectState struct {
	SchemaVersion      int           `json:"schemaVersion,omitempty"`
	Status             ProjectStatus `json:"status"`
	CurrentMilestoneID string        `json:"currentMilestoneId,omitempty"`
	RateLimitResetAt   *Timestamp    `json:"rateLimitResetAt,omitempty"`
	TokensUsed         int64         `json:"tokensUsed"`
	CostUSD            float64       `json:"costUsd"`
	FirstActivatedAt   *Timestamp    `json:"firstActivatedAt,omitempty"`
	LastActiveAt       *Timestamp    `json:"lastActiveAt,omitempty"`
}

// NewProjectState returns the initial record for a freshly touched project.
func NewProjectState() *ProjectState {
	return &ProjectState{Status: ProjectSleeping}
}

// Validate enforces the structural invariants on the record.
func (s *ProjectState) Validate() error {
	switch s.Status {
	case ProjectSleeping, ProjectChecking, ProjectAwake, ProjectPaused, ProjectRateLimited:
	default:
		return ErrValidation(CodeInvalidState, fmt.Sprintf("unknown project status %q", s.Status))
	}
	if s.Status.RequiresMilestone() && s.CurrentMilestoneID == "" {
		return ErrValidation(CodeInvalidState,
			fmt.Sprintf("status %s requires currentMilestoneId", s.Status))
	}
	if !s.Status.RequiresMilestone() && s.CurrentMilestoneID != "" {
		return ErrValidation(CodeInvalidState,
			fmt.Sprintf("status %s must not carry currentMilestoneId", s.Status))
	}
	if s.TokensUsed < 0 || s.CostUSD < 0 {
		return ErrValidation(CodeInvalidState, "cumulative counters must be non-negative")
	}
	return nil
}

// AddUsage accumulates token/cost telemetry. Counters are monotonic.
func (s *ProjectState) AddUsage(tokens int64, costUSD float64) {
	if tokens > 0 {
		s.TokensUsed += tokens
	}
	if costUSD > 0 {
		s.CostUSD += costUSD
	}
}

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestoneDraft          MilestoneStatus = "draft"
	MilestoneReady          MilestoneStatus = "ready"
	MilestoneInProgress     MilestoneStatus = "in_progress"
	MilestoneAwaitingReview MilestoneStatus = "awaiting_review"
	MilestoneCompleted      MilestoneStatus = "completed"
	MilestoneCancelled      MilestoneStatus = "cancelled"
	MilestoneFailed         MilestoneStatus = "failed"
)

// Terminal reports whether the status is final.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneCompleted || s == MilestoneCancelled || s == MilestoneFailed
}

// Deletable reports whether a milestone in this status may be deleted
// outright. Anything else requires cancel.
func (s MilestoneStatus) Deletable() bool {
	return s == MilestoneDraft || s == MilestoneReady
}

// milestoneTransitions is the legal edge set of the milestone lifecycle.
var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestoneDraft:          {MilestoneReady},
	MilestoneReady:          {MilestoneDraft, MilestoneInProgress},
	MilestoneInProgress:     {MilestoneAwaitingReview, MilestoneCompleted, MilestoneCancelled, MilestoneFailed},
	MilestoneAwaitingReview: {MilestoneCompleted, MilestoneInProgress, MilestoneCancelled},
}

// CanTransition reports whether from -> to is a legal milestone edge.
func (s MilestoneStatus) CanTransition(to MilestoneStatus) bool {
	for _, next := range milestoneTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Milestone is the persisted milestone record (.anima/milestones/{id}.json).
type Milestone struct {
	SchemaVersion         int             `json:"schemaVersion,omitempty"`
	ID                    string          `json:"id"`
	Title                 string          `json:"title"`
	DocPath               string          `json:"docPath"`
	RequiresHumanReview   bool            `json:"requiresHumanReview"`
	Status                MilestoneStatus `json:"status"`
	BranchName            string          `json:"branchName"`
	BaseCommit            string          `json:"baseCommit,omitempty"`
	IterationCount        int             `json:"iterationCount"`
	ConsecutiveRejections int             `json:"consecutiveRejections"`
	TokensUsed            int64           `json:"tokensUsed"`
	CostUSD               float64         `json:"costUsd"`
	// PendingFeedback carries human guidance (resume notes, review
	// rejection reasons) into the next developer prompt, then clears.
	PendingFeedback string `json:"pendingFeedback,omitempty"`
	// LastRejection is the most recent acceptor rejection reason, kept on
	// disk so a repair round after a suspension or restart still sees it.
	LastRejection string     `json:"lastRejection,omitempty"`
	CreatedAt     Timestamp  `json:"createdAt"`
	StartedAt     *Timestamp `json:"startedAt,omitempty"`
	CompletedAt   *Timestamp `json:"completedAt,omitempty"`
}

// MilestoneBranch returns the branch name for a milestone id.
func MilestoneBranch(id string) string {
	return "milestone/" + id
}

// MilestoneTag returns the integration tag for a milestone id.
func MilestoneTag(id string) string {
	return "milestone-" + id
}

// Validate enforces the structural invariants on the record.
func (m *Milestone) Validate() error {
	if m.ID == "" {
		return ErrValidation(CodeInvalidState, "milestone id is empty")
	}
	switch m.Status {
	case MilestoneDraft, MilestoneReady, MilestoneInProgress,
		MilestoneAwaitingReview, MilestoneCompleted, MilestoneCancelled, MilestoneFailed:
	default:
		return ErrValidation(CodeInvalidState, fmt.Sprintf("unknown milestone status %q", m.Status))
	}
	if m.BranchName != "" && m.BranchName != MilestoneBranch(m.ID) {
		return ErrValidation(CodeInvalidState,
			fmt.Sprintf("branch %q does not match milestone %s", m.BranchName, m.ID))
	}
	started := m.Status == MilestoneInProgress || m.Status == MilestoneAwaitingReview || m.Status.Terminal()
	if started && m.Status != MilestoneDraft && m.Status != MilestoneReady {
		// cancelled from ready never started, so only enforce when a start was recorded
		if m.StartedAt != nil && m.BaseCommit == "" {
			return ErrValidation(CodeMissingBase,
				fmt.Sprintf("milestone %s is %s without a base commit", m.ID, m.Status))
		}
	}
	return nil
}

// Transition moves the milestone to a new status, enforcing the lifecycle.
func (m *Milestone) Transition(to MilestoneStatus) error {
	if !m.Status.CanTransition(to) {
		return ErrValidation(CodeInvalidState,
			fmt.Sprintf("milestone %s: illegal transition %s -> %s", m.ID, m.Status, to))
	}
	m.Status = to
	return nil
}

// InboxItemType classifies inbox items.
type InboxItemType string

const (
	InboxBug          InboxItemType = "bug"
	InboxFeature      InboxItemType = "feature"
	InboxOptimization InboxItemType = "optimization"
)

// InboxPriority orders inbox items.
type InboxPriority string

const (
	PriorityLow    InboxPriority = "low"
	PriorityMedium InboxPriority = "medium"
	PriorityHigh   InboxPriority = "high"
)

// InboxStatus is the lifecycle state of an inbox item.
type InboxStatus string

const (
	InboxPending   InboxStatus = "pending"
	InboxIncluded  InboxStatus = "included"
	InboxDismissed InboxStatus = "dismissed"
)

// InboxItem is the persisted inbox record (.anima/inbox/{id}.json). The core
// never deletes items; the milestone-creation flow includes or dismisses them.
type InboxItem struct {
	SchemaVersion       int           `json:"schemaVersion,omitempty"`
	ID                  string        `json:"id"`
	Type                InboxItemType `json:"type"`
	Title               string        `json:"title"`
	Description         string        `json:"description,omitempty"`
	Priority            InboxPriority `json:"priority"`
	Source              string        `json:"source"` // manual | github
	SourceRef           string        `json:"sourceRef,omitempty"`
	Status              InboxStatus   `json:"status"`
	IncludedInMilestone string        `json:"includedInMilestone,omitempty"`
	CreatedAt           Timestamp     `json:"createdAt"`
}

// Include marks a pending item as included in a milestone.
func (i *InboxItem) Include(milestoneID string) error {
	if i.Status != InboxPending {
		return ErrValidation(CodeInvalidState,
			fmt.Sprintf("inbox item %s: cannot include from %s", i.ID, i.Status))
	}
	i.Status = InboxIncluded
	i.IncludedInMilestone = milestoneID
	return nil
}

// Dismiss marks a pending item as dismissed.
func (i *InboxItem) Dismiss() error {
	if i.Status != InboxPending {
		return ErrValidation(CodeInvalidState,
			fmt.Sprintf("inbox item %s: cannot dismiss from %s", i.ID, i.Status))
	}
	i.Status = InboxDismissed
	return nil
}

// MilestoneOrder is the user-curated pickup order (.anima/milestones/order.json).
// It may reference ids that are no longer ready; readers skip those.
type MilestoneOrder struct {
	SchemaVersion int      `json:"schemaVersion,omitempty"`
	IDs           []string `json:"ids"`
}

// RoundPhase identifies which exchange of an iteration round is in flight.
type RoundPhase string

const (
	PhaseDeveloper   RoundPhase = "developer"
	PhaseAcceptor    RoundPhase = "acceptor"
	PhaseFinalReview RoundPhase = "final_review"
)

// AgentRole is the role of an agent session.
type AgentRole string

const (
	RoleDeveloper AgentRole = "developer"
	RoleAcceptor  AgentRole = "acceptor"
)

// IterationRound is the in-memory record of one developer/acceptor exchange.
// Optionally persisted as an audit row.
type IterationRound struct {
	MilestoneID string
	Ordinal     int // 1-based
	Phase       RoundPhase
	Prompt      string
	Transcript  string
	Verdict     *Verdict
	Elapsed     time.Duration
	Tokens      int64
	CostUSD     float64
	StartedAt   time.Time
}

// ProjectSnapshot is the control-API view of one project.
type ProjectSnapshot struct {
	ProjectID    string        `json:"projectId"`
	Name         string        `json:"name"`
	Path         string        `json:"path"`
	State        *ProjectState `json:"state"`
	Milestone    *Milestone    `json:"milestone,omitempty"`
	ReadyQueue   []string      `json:"readyQueue,omitempty"`
	PendingItems int           `json:"pendingInboxItems"`
}

// ShortID returns the first 8 characters of an id for log lines.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// SanitizeMilestoneID rejects ids that would escape the milestones directory
// or produce an invalid git ref.
func SanitizeMilestoneID(id string) error {
	if id == "" {
		return ErrValidation(CodeInvalidState, "milestone id is empty")
	}
	if strings.ContainsAny(id, "/\\ ~^:?*[") || strings.Contains(id, "..") {
		return ErrValidation(CodeInvalidState, fmt.Sprintf("milestone id %q contains invalid characters", id))
	}
	return nil
}
