// Package scheduler decides when a project moves out of sleeping. It owns
// timers only; the actual milestone check and iteration run behind the
// CheckFunc callback, and all state persistence happens there.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/anima/internal/clock"
	"github.com/hugo-lorenzo-mato/anima/internal/config"
	"github.com/hugo-lorenzo-mato/anima/internal/logging"
)

// ResultKind tells the scheduler what a check ended with.
type ResultKind int

const (
	// ResultSlept means no ready milestone was found.
	ResultSlept ResultKind = iota
	// ResultFinished means an iteration ran to a terminal milestone status;
	// the scheduler re-checks immediately for the next ready milestone.
	ResultFinished
	// ResultPaused means the project needs human input; only resume or
	// cancel moves it on.
	ResultPaused
	// ResultRateLimited means a quota signal was observed; the scheduler
	// arms a one-shot resume timer.
	ResultRateLimited
	// ResultCancelled means the user cancelled; back to sleeping.
	ResultCancelled
)

// CheckResult is the outcome of one checking phase.
type CheckResult struct {
	Kind    ResultKind
	ResetAt time.Time // for ResultRateLimited; zero means unknown
}

// CheckFunc performs the checking phase: read the milestone order, and if a
// ready milestone exists, drive it through the iteration engine.
type CheckFunc func(ctx context.Context) CheckResult

// DefaultQuotaBackoff applies when a quota signal carries no reset time.
const DefaultQuotaBackoff = 60 * time.Minute

// Scheduler runs the wake/sleep loop for one project.
type Scheduler struct {
	clk   clock.Clock
	log   *logging.Logger
	check CheckFunc

	mu       sync.Mutex
	schedule config.WakeSchedule
	backoff  time.Duration

	wake      chan struct{}
	resume    chan struct{}
	cancelReq chan struct{}
	updates   chan config.WakeSchedule

	initialResetAt time.Time
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithQuotaBackoff overrides the default back-off for quota signals without
// a reset time.
func WithQuotaBackoff(d time.Duration) Option {
	return func(s *Scheduler) { s.backoff = d }
}

// WithInitialResetAt arms the quota-resume timer on startup, honoring a
// persisted rate_limited state across restarts.
func WithInitialResetAt(t time.Time) Option {
	return func(s *Scheduler) { s.initialResetAt = t }
}

// New creates a scheduler for one project.
func New(clk clock.Clock, log *logging.Logger, schedule config.WakeSchedule, check CheckFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		clk:       clk,
		log:       log,
		check:     check,
		schedule:  schedule,
		backoff:   DefaultQuotaBackoff,
		wake:      make(chan struct{}, 1),
		resume:    make(chan struct{}, 1),
		cancelReq: make(chan struct{}, 1),
		updates:   make(chan config.WakeSchedule, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WakeNow requests an immediate check. Coalesced if one is already pending.
func (s *Scheduler) WakeNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Resume releases a paused project and triggers a check.
func (s *Scheduler) Resume() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// Cancel returns the project to sleeping from paused or rate_limited.
func (s *Scheduler) Cancel() {
	select {
	case s.cancelReq <- struct{}{}:
	default:
	}
}

// UpdateSchedule swaps the wake schedule; takes effect when the next timer
// is armed.
func (s *Scheduler) UpdateSchedule(ws config.WakeSchedule) {
	s.mu.Lock()
	s.schedule = ws
	s.mu.Unlock()
	select {
	case s.updates <- ws:
	default:
	}
}

func (s *Scheduler) currentSchedule() config.WakeSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schedule
}

// Run drives the wake loop until the context is cancelled. On startup a
// check runs immediately regardless of schedule type, unless a persisted
// quota reset time is still in the future.
func (s *Scheduler) Run(ctx context.Context) {
	paused := false
	resetAt := s.initialResetAt

	// Startup check.
	if resetAt.IsZero() || !resetAt.After(s.clk.Now()) {
		resetAt = time.Time{}
		if done := s.runCheck(ctx, &paused, &resetAt); done {
			return
		}
	}

	for {
		switch {
		case !resetAt.IsZero():
			if s.waitRateLimited(ctx, &resetAt, &paused) {
				return
			}
		case paused:
			if s.waitPaused(ctx, &paused, &resetAt) {
				return
			}
		default:
			if s.waitSleeping(ctx, &paused, &resetAt) {
				return
			}
		}
	}
}

// runCheck executes the checking phase and folds its result into the loop
// state. Returns true when the context is done.
func (s *Scheduler) runCheck(ctx context.Context, paused *bool, resetAt *time.Time) bool {
	for {
		if ctx.Err() != nil {
			return true
		}
		result := s.check(ctx)
		switch result.Kind {
		case ResultFinished:
			// A milestone finished; look for the next ready one right away.
			continue
		case ResultPaused:
			*paused = true
		case ResultRateLimited:
			at := result.ResetAt
			if at.IsZero() {
				at = s.clk.Now().Add(s.backoff)
			}
			s.log.Info("quota back-off armed", "reset_at", at)
			*resetAt = at
		case ResultCancelled, ResultSlept:
			*paused = false
		}
		return ctx.Err() != nil
	}
}

// waitSleeping blocks until the next scheduled tick or a manual wake.
func (s *Scheduler) waitSleeping(ctx context.Context, paused *bool, resetAt *time.Time) bool {
	var timer clock.Timer
	var tickC <-chan time.Time
	if d, ok := s.nextTickIn(); ok {
		timer = s.clk.NewTimer(d)
		tickC = timer.C()
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	select {
	case <-ctx.Done():
		return true
	case <-tickC:
	case <-s.wake:
	case <-s.resume:
	case <-s.updates:
		// Re-arm with the new schedule.
		return false
	case <-s.cancelReq:
		return false
	}
	return s.runCheck(ctx, paused, resetAt)
}

// waitPaused blocks until human input.
func (s *Scheduler) waitPaused(ctx context.Context, paused *bool, resetAt *time.Time) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.resume:
		*paused = false
		return s.runCheck(ctx, paused, resetAt)
	case <-s.wake:
		*paused = false
		return s.runCheck(ctx, paused, resetAt)
	case <-s.cancelReq:
		*paused = false
		return false
	}
}

// waitRateLimited blocks until the persisted reset time.
func (s *Scheduler) waitRateLimited(ctx context.Context, resetAt *time.Time, paused *bool) bool {
	d := resetAt.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}
	timer := s.clk.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C():
	case <-s.wake:
	case <-s.cancelReq:
		*resetAt = time.Time{}
		return false
	}
	*resetAt = time.Time{}
	return s.runCheck(ctx, paused, resetAt)
}

// nextTickIn computes the duration until the next scheduled tick. Manual
// schedules have none.
func (s *Scheduler) nextTickIn() (time.Duration, bool) {
	schedule := s.currentSchedule()
	now := s.clk.Now()

	switch schedule.Type {
	case config.ScheduleInterval:
		return time.Duration(schedule.IntervalMinutes) * time.Minute, true
	case config.ScheduleTimes:
		next, ok := nextWallClock(now, schedule.Times)
		if !ok {
			return 0, false
		}
		return next.Sub(now), true
	default:
		return 0, false
	}
}

// nextWallClock finds the earliest configured HH:MM after now, rolling to
// tomorrow when today's are all past. Computing from the current wall time
// at every arm re-derives the list across midnight and DST shifts.
func nextWallClock(now time.Time, times []string) (time.Time, bool) {
	if len(times) == 0 {
		return time.Time{}, false
	}

	candidates := make([]time.Time, 0, len(times)*2)
	for _, hhmm := range times {
		t, err := time.Parse("15:04", hhmm)
		if err != nil {
			continue
		}
		today := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		candidates = append(candidates, today, today.AddDate(0, 0, 1))
	}
	if len(candidates) == 0 {
		return time.Time{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	for _, c := range candidates {
		if c.After(now) {
			return c, true
		}
	}
	return time.Time{}, false
}
