package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/relay/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ReaperConfig holds the dependencies for the idle reaper.
type ReaperConfig struct {
	Store      *persistence.Store
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	Schedule   string        // cron expression for the sweep
	IdleAfter  time.Duration // inactivity threshold
}

// Reaper periodically stops running sessions whose last activity is older
// than the threshold, marking them idle. This is what turns an abandoned
// "running" session back into a spawn-eligible one.
type Reaper struct {
	store      *persistence.Store
	dispatcher *Dispatcher
	logger     *slog.Logger
	schedule   cronlib.Schedule
	idleAfter  time.Duration
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReaper(cfg ReaperConfig) (*Reaper, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse reaper schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idleAfter := cfg.IdleAfter
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}
	return &Reaper{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		schedule:   sched,
		idleAfter:  idleAfter,
		now:        time.Now,
	}, nil
}

// SetIdleAfter adjusts the inactivity threshold, used by config hot-reload.
func (r *Reaper) SetIdleAfter(d time.Duration) {
	if d > 0 {
		r.idleAfter = d
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("idle reaper started", "idle_after", r.idleAfter)
}

func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("idle reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		next := r.schedule.Next(r.now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			r.Sweep(ctx)
		}
	}
}

// Sweep stops every running session with a live handle and stale activity.
// Stop, not remove: the handle (or a snapshot of it) survives for resume.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := r.now().Add(-r.idleAfter)
	for _, kind := range []persistence.EnvironmentKind{
		persistence.EnvironmentDocker,
		persistence.EnvironmentServerless,
	} {
		candidates, err := r.store.IdleCandidates(ctx, kind, cutoff)
		if err != nil {
			r.logger.Error("idle candidate scan failed", "environment", string(kind), "error", err)
			continue
		}
		for _, sess := range candidates {
			r.logger.Info("reaping idle session",
				"session_id", sess.ID, "environment", string(kind), "last_activity", sess.UpdatedAt)
			if err := r.dispatcher.StopSession(ctx, sess.ID); err != nil {
				r.logger.Warn("reap stop failed", "session_id", sess.ID, "error", err)
			}
		}
	}
}
