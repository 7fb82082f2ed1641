package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hugo-lorenzo-mato/anima/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/anima/internal/clock"
	"github.com/hugo-lorenzo-mato/anima/internal/config"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/engine"
	"github.com/hugo-lorenzo-mato/anima/internal/events"
	"github.com/hugo-lorenzo-mato/anima/internal/logging"
)

// Supervisor is the long-lived process root. One worker per registered
// project; control operations route to the owning worker.
type Supervisor struct {
	app      *config.App
	log      *logging.Logger
	bus      *events.Bus
	clk      clock.Clock
	registry *Registry
	sessions engine.SessionFactory
	runner   git.Runner

	mu      sync.Mutex
	ctx     context.Context
	workers map[string]*workerHandle
	wg      sync.WaitGroup
}

type workerHandle struct {
	worker *worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithClock substitutes the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(s *Supervisor) { s.clk = clk }
}

// WithSessionFactory substitutes the agent session factory for every
// project. Tests script sessions through this.
func WithSessionFactory(f engine.SessionFactory) Option {
	return func(s *Supervisor) { s.sessions = f }
}

// WithGitRunner substitutes the git command runner for every project.
func WithGitRunner(r git.Runner) Option {
	return func(s *Supervisor) { s.runner = r }
}

// New creates a supervisor, loading the project registry from the data dir.
func New(app *config.App, log *logging.Logger, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		app:     app,
		log:     log,
		bus:     events.New(app.Events.BufferSize),
		clk:     clock.NewSystem(),
		workers: make(map[string]*workerHandle),
	}
	for _, opt := range opts {
		opt(s)
	}

	registry, err := NewRegistry(filepath.Join(app.DataDir, "config.json"), log)
	if err != nil {
		return nil, err
	}
	s.registry = registry
	return s, nil
}

// Bus exposes the event bus for API and CLI consumers.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Run starts a worker per registered project and blocks until the context is
// cancelled. Workers added later via RegisterProject start immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	regs := s.registry.List()
	s.mu.Unlock()

	for _, reg := range regs {
		if err := s.startWorker(reg); err != nil {
			s.log.Error("starting project worker", "project_id", reg.ID, "path", reg.Path, "error", err)
			s.bus.PublishPriority(events.NewErrorEvent(reg.ID, err))
		}
	}
	s.log.Info("supervisor running", "project_count", len(regs))

	<-ctx.Done()
	s.shutdown()
	return nil
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	handles := make([]*workerHandle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	s.wg.Wait()
	s.bus.Close()
	s.log.Info("supervisor stopped")
}

func (s *Supervisor) startWorker(reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Not running yet: Run picks the registration up from the registry.
	if s.ctx == nil || s.ctx.Err() != nil {
		return nil
	}
	if _, exists := s.workers[reg.ID]; exists {
		return nil
	}

	w, err := newWorker(reg, s.app, s.bus, s.clk, s.log, s.sessions, s.runner)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithCancel(s.ctx)
	h := &workerHandle{worker: w, cancel: cancel, done: make(chan struct{})}
	s.workers[reg.ID] = h

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		w.run(wctx)
	}()
	return nil
}

func (s *Supervisor) handle(projectID string) (*workerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.workers[projectID]
	if !ok {
		return nil, core.ErrNotFound("project", projectID)
	}
	return h, nil
}

// RegisterProject adds a project and starts its worker when the supervisor
// is running.
func (s *Supervisor) RegisterProject(path, name string) (Registration, error) {
	reg, err := s.registry.Add(path, name, core.NewTimestamp(s.clk.Now()))
	if err != nil {
		return Registration{}, err
	}
	if err := s.startWorker(reg); err != nil {
		// Registration stands; the project stays dormant until the cause is
		// fixed and the supervisor restarts.
		s.log.Error("starting project worker", "project_id", reg.ID, "error", err)
		s.bus.PublishPriority(events.NewErrorEvent(reg.ID, err))
	}
	return reg, nil
}

// RemoveProject stops the project's worker and unregisters it. The .anima
// directory and all milestone data stay on disk.
func (s *Supervisor) RemoveProject(projectID string) error {
	s.mu.Lock()
	h, ok := s.workers[projectID]
	if ok {
		delete(s.workers, projectID)
	}
	s.mu.Unlock()

	if ok {
		h.cancel()
		<-h.done
	}
	return s.registry.Remove(projectID)
}

// ListProjects returns all registrations.
func (s *Supervisor) ListProjects() []Registration {
	return s.registry.List()
}

// Snapshot returns the current state, active milestone, ready queue and
// pending inbox count for one project.
func (s *Supervisor) Snapshot(projectID string) (*core.ProjectSnapshot, error) {
	h, err := s.handle(projectID)
	if err != nil {
		return nil, err
	}
	return h.worker.snapshot()
}

// WakeNow triggers an immediate check regardless of schedule. A paused
// milestone resumes.
func (s *Supervisor) WakeNow(projectID string) error {
	h, err := s.handle(projectID)
	if err != nil {
		return err
	}
	h.worker.requestResume()
	h.worker.sched.WakeNow()
	return nil
}

// Pause stops the active run after its current round; the milestone stays
// in_progress. A no-op when nothing runs.
func (s *Supervisor) Pause(projectID string) error {
	h, err := s.handle(projectID)
	if err != nil {
		return err
	}
	if !h.worker.cancelActive("", engine.ErrUserPaused) {
		h.worker.log.Info("pause requested with no active run")
	}
	return nil
}

// Resume releases a paused project; the pending milestone picks up where it
// left off.
func (s *Supervisor) Resume(projectID string) error {
	h, err := s.handle(projectID)
	if err != nil {
		return err
	}
	h.worker.requestResume()
	h.worker.sched.Resume()
	return nil
}

// CancelMilestone aborts a milestone: the running one by cancelling its
// context, a parked one by rolling it back directly.
func (s *Supervisor) CancelMilestone(ctx context.Context, projectID, milestoneID string) error {
	h, err := s.handle(projectID)
	if err != nil {
		return err
	}
	if h.worker.cancelActive(milestoneID, engine.ErrUserCancelled) {
		return nil
	}
	if err := h.worker.eng.Cancel(ctx, milestoneID); err != nil {
		return err
	}
	h.worker.sched.Cancel()
	return nil
}

// ApproveReview merges and tags a milestone parked in awaiting_review, then
// wakes the scheduler to look for the next ready milestone.
func (s *Supervisor) ApproveReview(ctx context.Context, projectID, milestoneID string) error {
	h, err := s.handle(projectID)
	if err != nil {
		return err
	}
	if _, err := h.worker.eng.Approve(ctx, milestoneID); err != nil {
		return err
	}
	h.worker.sched.WakeNow()
	return nil
}

// RejectReview sends an awaiting_review milestone back to the loop with the
// human's reason as feedback for the next developer round.
func (s *Supervisor) RejectReview(ctx context.Context, projectID, milestoneID, reason string) error {
	h, err := s.handle(projectID)
	if err != nil {
		return err
	}
	if err := h.worker.eng.RejectReview(ctx, milestoneID, reason); err != nil {
		return err
	}
	h.worker.requestResume()
	h.worker.sched.WakeNow()
	return nil
}

// ProvideGuidance queues human guidance for the current milestone's next
// developer prompt.
func (s *Supervisor) ProvideGuidance(ctx context.Context, projectID, text string) error {
	h, err := s.handle(projectID)
	if err != nil {
		return err
	}
	state, _, err := h.worker.store.ReadProjectState()
	if err != nil {
		return err
	}
	if state == nil || state.CurrentMilestoneID == "" {
		return core.ErrValidation(core.CodeNotInProgress,
			fmt.Sprintf("project %s has no active milestone", projectID))
	}
	return h.worker.eng.AddGuidance(ctx, state.CurrentMilestoneID, text)
}

// SubscribeEvents subscribes to the event stream, optionally filtered by
// project (empty = all) and event types.
func (s *Supervisor) SubscribeEvents(projectID string, types ...string) <-chan events.Event {
	return s.bus.Subscribe(projectID, types...)
}

// UnsubscribeEvents removes a subscription created by SubscribeEvents.
func (s *Supervisor) UnsubscribeEvents(ch <-chan events.Event) {
	s.bus.Unsubscribe(ch)
}
