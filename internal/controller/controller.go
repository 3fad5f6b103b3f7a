// Package controller sequences a batch run: acquire the run lock, load and
// validate the plan, drain the queue through the worker supervisor, write the
// run summary, release the lock. Per-item failures never fail the run; only
// lock contention, an empty plan, and result-durability failures do.
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pvelkov/gazetted/internal/config"
	"github.com/pvelkov/gazetted/internal/pidreg"
	"github.com/pvelkov/gazetted/internal/plan"
	"github.com/pvelkov/gazetted/internal/results"
	"github.com/pvelkov/gazetted/internal/runlock"
	"github.com/pvelkov/gazetted/internal/supervisor"
)

// ErrRunAlreadyActive wraps the lock manager's contention error at the
// caller-visible surface.
var ErrRunAlreadyActive = runlock.ErrAlreadyLocked

// Controller is the top-level run state machine. One controller drives one
// run; it is not reusable.
type Controller struct {
	settings config.Settings
	logger   *zap.Logger
	launcher supervisor.Launcher

	state State
	now   func() time.Time
}

// New builds a controller. The default launcher spawns the configured worker
// command; tests swap it via SetLauncher.
func New(settings config.Settings, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		settings: settings,
		logger:   logger,
		launcher: &supervisor.ExecLauncher{
			Command: settings.Worker.Command,
			Args:    settings.Worker.Args,
			Dir:     settings.Worker.Dir,
		},
		state: StateIdle,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetLauncher overrides the worker launcher. Test hook.
func (c *Controller) SetLauncher(l supervisor.Launcher) {
	if l != nil {
		c.launcher = l
	}
}

// SetClock overrides the timestamp source. Test hook.
func (c *Controller) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// State returns the controller's current phase.
func (c *Controller) State() State { return c.state }

// Run executes the batch. Cancelling ctx cancels pending work and terminates
// in-flight workers, then reports normally: cancellation is not an error.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	startedAt := c.now()
	runRoot := c.settings.RunRoot

	if err := c.transition(StateLocking); err != nil {
		return Summary{}, err
	}
	registry := pidreg.New(runRoot, c.logger)
	locks := runlock.New(runRoot, c.logger)
	locks.StaleProbe = func() bool {
		live, err := registry.ListLive()
		return err == nil && len(live) == 0
	}
	runID := uuid.NewString()
	handle, err := locks.Acquire(runID)
	if err != nil {
		c.fail()
		if errors.Is(err, runlock.ErrAlreadyLocked) {
			return Summary{}, err
		}
		return Summary{}, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := locks.Release(handle); err != nil {
			c.logger.Warn("lock release failed", zap.Error(err))
		}
	}()

	if err := c.transition(StateLoading); err != nil {
		return Summary{}, err
	}
	p, err := plan.Load(c.settings.PlanPath)
	if err != nil {
		c.fail()
		return Summary{}, err
	}
	if err := p.Validate(); err != nil {
		c.fail()
		return Summary{}, err
	}
	items := p.Items()

	if err := c.transition(StateDraining); err != nil {
		return Summary{}, err
	}
	sink := results.New(runRoot, c.logger)
	sup := supervisor.New(supervisor.Config{
		PoolSize:       c.settings.PoolSize,
		PerItemTimeout: c.settings.PerItemTimeout,
		MaxAttempts:    c.settings.MaxAttempts,
		PollInterval:   c.settings.PollInterval,
		TermGrace:      c.settings.TermGrace,
		OutDir:         filepath.Join(runRoot, "out"),
	}, c.launcher, registry, sink, c.logger)

	summary := Summary{RunID: runID, Total: len(items), StartedAt: startedAt}
	sup.SetObserver(summary.observe)
	drainErr := sup.Run(ctx, runID, items)

	if err := c.transition(StateReporting); err != nil {
		return Summary{}, err
	}
	summary.FinishedAt = c.now()
	summary.Duration = summary.FinishedAt.Sub(summary.StartedAt)
	summary.sortIDs()
	if err := writeSummary(runRoot, summary); err != nil {
		c.fail()
		return summary, err
	}

	if drainErr != nil {
		// Completed results are durable; the run itself still failed.
		c.fail()
		return summary, fmt.Errorf("drain queue: %w", drainErr)
	}
	if err := c.transition(StateDone); err != nil {
		return summary, err
	}
	c.logger.Info("run complete",
		zap.String("run_id", runID),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("timed_out", summary.TimedOut),
		zap.Int("cancelled", summary.Cancelled),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

func (c *Controller) transition(to State) error {
	if err := ValidateTransition(c.state, to); err != nil {
		return err
	}
	c.state = to
	return nil
}

func (c *Controller) fail() {
	if err := ValidateTransition(c.state, StateFailed); err == nil {
		c.state = StateFailed
	}
}
