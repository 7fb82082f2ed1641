package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hugo-lorenzo-mato/anima/internal/adapters/git"
	"github.com/hugo-lorenzo-mato/anima/internal/agent"
	"github.com/hugo-lorenzo-mato/anima/internal/clock"
	"github.com/hugo-lorenzo-mato/anima/internal/config"
	"github.com/hugo-lorenzo-mato/anima/internal/core"
	"github.com/hugo-lorenzo-mato/anima/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/anima/internal/engine"
	"github.com/hugo-lorenzo-mato/anima/internal/events"
	"github.com/hugo-lorenzo-mato/anima/internal/logging"
	"github.com/hugo-lorenzo-mato/anima/internal/scheduler"
	"github.com/hugo-lorenzo-mato/anima/internal/store"
	"github.com/hugo-lorenzo-mato/anima/internal/store/audit"
)

// worker runs one project: its scheduler, its config watcher, and the
// iteration engine behind the scheduler's check callback.
type worker struct {
	reg   Registration
	bus   *events.Bus
	log   *logging.Logger
	store *store.Store
	eng   *engine.Engine
	sched *scheduler.Scheduler
	watch *config.Watcher
	audit *audit.Log

	projLog *logging.Logger // file-backed; nil when falling back to the shared logger

	mu              sync.Mutex
	activeMilestone string
	cancelRun       context.CancelCauseFunc
	resumeRequested bool
}

func newWorker(reg Registration, app *config.App, bus *events.Bus, clk clock.Clock,
	baseLog *logging.Logger, sessions engine.SessionFactory, runner git.Runner) (*worker, error) {

	log := baseLog
	projLog, err := logging.NewProjectLogger(reg.Path, app.Log.Level)
	if err != nil {
		baseLog.Warn("project log file unavailable, logging to shared output",
			"project_id", reg.ID, "error", err)
		projLog = nil
	} else {
		log = projLog
	}

	st := store.New(reg.Path)
	if err := st.EnsureLayout(); err != nil {
		return nil, err
	}

	var gitOpts []git.Option
	if runner != nil {
		gitOpts = append(gitOpts, git.WithRunner(runner))
	}
	gitClient, err := git.NewClient(reg.Path, gitOpts...)
	if err != nil {
		return nil, err
	}

	auditLog, err := audit.Open(reg.Path)
	if err != nil {
		log.Warn("audit log unavailable", "project_id", reg.ID, "error", err)
		auditLog = nil
	}

	cfg, err := config.LoadProjectConfig(st.ConfigPath())
	if err != nil {
		log.Warn("project config unreadable, using defaults", "project_id", reg.ID, "error", err)
		defaults := config.DefaultProjectConfig()
		cfg = &defaults
	}

	spawn := sessions
	if spawn == nil {
		spawn = defaultSessionFactory(st, app)
	}

	engOpts := []engine.Option{
		engine.WithPreflight(func(workdir string) error {
			_, err := diagnostics.Preflight(workdir, diagnostics.DefaultThresholds())
			return err
		}),
	}
	if auditLog != nil {
		engOpts = append(engOpts, engine.WithAudit(auditLog))
	}

	w := &worker{
		reg:     reg,
		bus:     bus,
		log:     log.WithProject(reg.ID),
		store:   st,
		audit:   auditLog,
		projLog: projLog,
	}
	w.eng = engine.New(reg.ID, st, gitClient, bus, clk, log, spawn, engOpts...)

	var schedOpts []scheduler.Option
	if state, _, err := st.ReadProjectState(); err == nil && state != nil &&
		state.Status == core.ProjectRateLimited && state.RateLimitResetAt != nil {
		if at := state.RateLimitResetAt.Time; at.After(clk.Now()) {
			schedOpts = append(schedOpts, scheduler.WithInitialResetAt(at))
		}
	}
	w.sched = scheduler.New(clk, w.log, cfg.WakeSchedule, w.check, schedOpts...)

	w.watch = config.NewWatcher(st.ConfigPath(), w.log, func(pc *config.ProjectConfig) {
		w.sched.UpdateSchedule(pc.WakeSchedule)
	})

	return w, nil
}

// defaultSessionFactory spawns the real agent CLI, honoring per-project
// binary/model overrides at spawn time so config edits apply to the next
// session.
func defaultSessionFactory(st *store.Store, app *config.App) engine.SessionFactory {
	return func(role core.AgentRole, systemPrompt, dir string) (agent.Session, error) {
		cfg, err := config.LoadProjectConfig(st.ConfigPath())
		if err != nil {
			return nil, err
		}
		binary := cfg.AgentBinary
		if binary == "" {
			binary = app.Agent.Binary
		}
		model := cfg.AgentModel
		if model == "" {
			model = app.Agent.Model
		}
		host, err := agent.Spawn(agent.Command{
			Binary:       binary,
			Model:        model,
			SystemPrompt: systemPrompt,
			Dir:          dir,
		})
		if err != nil {
			return nil, err
		}
		return host, nil
	}
}

// run blocks until the context is cancelled.
func (w *worker) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := w.watch.Run(gctx); err != nil {
			w.log.Warn("config watcher stopped", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		w.sched.Run(gctx)
		return nil
	})
	_ = g.Wait()
	w.close()
}

func (w *worker) close() {
	if w.audit != nil {
		if err := w.audit.Close(); err != nil {
			w.log.Warn("closing audit log", "error", err)
		}
	}
	if w.projLog != nil {
		_ = w.projLog.Close()
	}
}

// check is the scheduler's checking phase: resume the current milestone if
// one is pending, otherwise pick the next ready one from the order.
func (w *worker) check(ctx context.Context) scheduler.CheckResult {
	resume := w.takeResumeRequested()

	state, _, err := w.store.ReadProjectState()
	if err != nil {
		return w.checkFailed(err)
	}

	if state != nil && state.CurrentMilestoneID != "" {
		// A paused project holds its milestone until a human resumes or
		// cancels; scheduled ticks must not restart it.
		if state.Status == core.ProjectPaused && !resume {
			return scheduler.CheckResult{Kind: scheduler.ResultPaused}
		}
		return w.runMilestone(ctx, state.CurrentMilestoneID, true)
	}

	next, err := w.nextReady()
	if err != nil {
		return w.checkFailed(err)
	}
	if next == "" {
		return scheduler.CheckResult{Kind: scheduler.ResultSlept}
	}
	return w.runMilestone(ctx, next, false)
}

// checkFailed quarantines corrupt state files and parks the project until a
// human intervenes.
func (w *worker) checkFailed(err error) scheduler.CheckResult {
	var dom *core.DomainError
	if errors.As(err, &dom) && dom.Kind == core.KindCorruptState {
		if path, ok := dom.Details["path"].(string); ok {
			if moved, qerr := w.store.Quarantine(path); qerr != nil {
				w.log.Error("quarantining corrupt file", "path", path, "error", qerr)
			} else {
				w.log.Error("corrupt state file quarantined", "path", path, "moved_to", moved)
			}
		}
	}
	w.bus.PublishPriority(events.NewErrorEvent(w.reg.ID, err))
	w.log.Error("milestone check failed", "error", err)
	return scheduler.CheckResult{Kind: scheduler.ResultPaused}
}

func (w *worker) runMilestone(ctx context.Context, milestoneID string, resume bool) scheduler.CheckResult {
	runCtx, cancel := context.WithCancelCause(ctx)
	w.mu.Lock()
	w.activeMilestone = milestoneID
	w.cancelRun = cancel
	w.mu.Unlock()
	defer func() {
		cancel(nil)
		w.mu.Lock()
		w.activeMilestone = ""
		w.cancelRun = nil
		w.mu.Unlock()
	}()

	result, err := w.eng.Run(runCtx, milestoneID, resume)
	if err != nil {
		w.log.Error("milestone run failed", "milestone_id", milestoneID, "error", err)
	}

	switch result.Outcome {
	case engine.OutcomeCompleted, engine.OutcomeFailed:
		return scheduler.CheckResult{Kind: scheduler.ResultFinished}
	case engine.OutcomeAwaitingReview:
		// Parked for human review; the project sleeps without advancing to
		// the next milestone until the review lands.
		return scheduler.CheckResult{Kind: scheduler.ResultSlept}
	case engine.OutcomeRateLimited:
		return scheduler.CheckResult{Kind: scheduler.ResultRateLimited, ResetAt: result.ResetAt}
	case engine.OutcomeCancelled, engine.OutcomeInterrupted:
		return scheduler.CheckResult{Kind: scheduler.ResultCancelled}
	default:
		return scheduler.CheckResult{Kind: scheduler.ResultPaused}
	}
}

// readyQueue returns ready milestone ids in execution order: the curated
// order first, then ready milestones missing from it by creation time.
func (w *worker) readyQueue() ([]string, error) {
	order, _, err := w.store.ReadOrder()
	if err != nil {
		return nil, err
	}
	milestones, err := w.store.ListMilestones()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*core.Milestone, len(milestones))
	for _, m := range milestones {
		byID[m.ID] = m
	}

	var queue []string
	ordered := make(map[string]bool, len(order.IDs))
	for _, id := range order.IDs {
		ordered[id] = true
		if m, ok := byID[id]; ok && m.Status == core.MilestoneReady {
			queue = append(queue, id)
		}
	}

	var rest []*core.Milestone
	for _, m := range milestones {
		if !ordered[m.ID] && m.Status == core.MilestoneReady {
			rest = append(rest, m)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		return rest[i].CreatedAt.Time.Before(rest[j].CreatedAt.Time)
	})
	for _, m := range rest {
		queue = append(queue, m.ID)
	}
	return queue, nil
}

func (w *worker) nextReady() (string, error) {
	queue, err := w.readyQueue()
	if err != nil {
		return "", err
	}
	if len(queue) == 0 {
		return "", nil
	}
	return queue[0], nil
}

func (w *worker) snapshot() (*core.ProjectSnapshot, error) {
	state, _, err := w.store.ReadProjectState()
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &core.ProjectState{Status: core.ProjectSleeping}
	}

	snap := &core.ProjectSnapshot{
		ProjectID: w.reg.ID,
		Name:      w.reg.Name,
		Path:      w.reg.Path,
		State:     state,
	}
	if state.CurrentMilestoneID != "" {
		if m, _, err := w.store.ReadMilestone(state.CurrentMilestoneID); err == nil {
			snap.Milestone = m
		}
	}
	if queue, err := w.readyQueue(); err == nil {
		snap.ReadyQueue = queue
	}
	if items, err := w.store.ListInboxItems(); err == nil {
		for _, item := range items {
			if item.Status == core.InboxPending {
				snap.PendingItems++
			}
		}
	}
	return snap, nil
}

// requestResume lets the next check re-enter a paused milestone.
func (w *worker) requestResume() {
	w.mu.Lock()
	w.resumeRequested = true
	w.mu.Unlock()
}

func (w *worker) takeResumeRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := w.resumeRequested
	w.resumeRequested = false
	return v
}

// cancelActive cancels the in-flight run with the given cause. When
// milestoneID is non-empty the cancellation only applies if that milestone is
// the one running. Reports whether a run was cancelled.
func (w *worker) cancelActive(milestoneID string, cause error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelRun == nil {
		return false
	}
	if milestoneID != "" && w.activeMilestone != milestoneID {
		return false
	}
	w.cancelRun(cause)
	return true
}
