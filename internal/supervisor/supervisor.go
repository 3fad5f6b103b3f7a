// Package supervisor owns the bounded pool of worker processes that drain a
// run's work queue. A single coordinating goroutine polls the pool on a fixed
// interval; no worker can block the supervisor's liveness checks. Every
// dispatch and every terminal transition is mirrored into the PID registry
// and result ledger synchronously, so a crash of the supervisor itself leaves
// both consistent with the last completed step.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/pvelkov/gazetted/internal/pidreg"
	"github.com/pvelkov/gazetted/internal/plan"
	"github.com/pvelkov/gazetted/internal/results"
)

// SlotState is the lifecycle state of one pool slot.
type SlotState string

const (
	SlotIdle        SlotState = "idle"
	SlotRunning     SlotState = "running"
	SlotTerminating SlotState = "terminating"
	SlotCrashed     SlotState = "crashed"
)

// Termination reasons carried on a slot while its process winds down.
const (
	reasonTimeout = "timeout"
	reasonCancel  = "cancel"
)

type slot struct {
	index     int
	state     SlotState
	item      *plan.Item
	proc      Proc
	pid       int
	startedAt time.Time
	outPath   string
	reason    string
	killAt    time.Time
	killed    bool
}

// Config bounds the pool.
type Config struct {
	PoolSize       int
	PerItemTimeout time.Duration
	MaxAttempts    int
	PollInterval   time.Duration
	TermGrace      time.Duration
	// OutDir receives one payload file per attempt.
	OutDir string
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.TermGrace <= 0 {
		c.TermGrace = 5 * time.Second
	}
}

func (c Config) validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be > 0")
	}
	if c.PerItemTimeout <= 0 {
		return fmt.Errorf("per-item timeout must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be > 0")
	}
	if c.OutDir == "" {
		return fmt.Errorf("output dir is required")
	}
	return nil
}

// Supervisor drains one run's queue through a fixed pool. Not restartable:
// Run may be called once.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	registry *pidreg.Registry
	sink     *results.Sink
	logger   *zap.Logger

	runID    string
	queue    *plan.Queue
	slots    []*slot
	observer func(results.Record)
	now      func() time.Time
	sleep    func(time.Duration)
	started  bool
}

// New wires a supervisor. A nil logger logs nowhere.
func New(cfg Config, launcher Launcher, registry *pidreg.Registry, sink *results.Sink, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		registry: registry,
		sink:     sink,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    time.Sleep,
	}
}

// SetObserver registers a callback invoked after each record is durably
// appended. The controller uses it to keep its running tally.
func (s *Supervisor) SetObserver(fn func(results.Record)) { s.observer = fn }

// SetClock overrides the timestamp source. Test hook.
func (s *Supervisor) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Run drains items until every one is terminal, then returns. A context
// cancellation cancels queued items without dispatch, terminates in-flight
// workers, and records them Cancelled. The only fatal errors are result or
// registry persistence failures: per-item failures are data, not errors.
func (s *Supervisor) Run(ctx context.Context, runID string, items []*plan.Item) error {
	if err := s.initRun(runID, items); err != nil {
		return err
	}
	cancelled := false
	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			if err := s.cancelQueued(); err != nil {
				s.teardown()
				return err
			}
			s.signalRunning()
		}
		if err := s.tick(cancelled); err != nil {
			s.teardown()
			return err
		}
		if s.queue.Len() == 0 && s.allIdle() {
			return nil
		}
		s.wait(ctx, cancelled)
	}
}

func (s *Supervisor) initRun(runID string, items []*plan.Item) error {
	if s.started {
		return fmt.Errorf("supervisor is not restartable")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if s.launcher == nil || s.registry == nil || s.sink == nil {
		return fmt.Errorf("launcher, registry, and sink are required")
	}
	if err := s.cfg.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	s.started = true
	s.runID = runID
	s.queue = plan.NewQueue(items)
	s.slots = make([]*slot, s.cfg.PoolSize)
	for i := range s.slots {
		s.slots[i] = &slot{index: i, state: SlotIdle}
	}
	return nil
}

// tick advances the pool one step: fill idle slots in ascending slot order
// with queue-order items, then poll running slots for exit or timeout.
// Deterministic for a given clock and launcher.
func (s *Supervisor) tick(cancelled bool) error {
	if !cancelled {
		for _, sl := range s.slots {
			if sl.state != SlotIdle {
				continue
			}
			item, ok := s.queue.Pop()
			if !ok {
				break
			}
			if err := s.dispatch(sl, item); err != nil {
				return err
			}
		}
	}
	for _, sl := range s.slots {
		if sl.state == SlotIdle {
			continue
		}
		done, exitErr := sl.proc.Poll()
		if done {
			if err := s.finalize(sl, exitErr); err != nil {
				return err
			}
			continue
		}
		now := s.now()
		switch sl.state {
		case SlotRunning:
			if now.Sub(sl.startedAt) >= s.cfg.PerItemTimeout {
				s.beginTermination(sl, reasonTimeout)
			}
		case SlotTerminating:
			if !sl.killed && !now.Before(sl.killAt) {
				sl.killed = true
				if err := sl.proc.Kill(); err != nil {
					s.logger.Warn("force kill failed",
						zap.Int("pid", sl.pid), zap.Error(err))
				}
			}
		}
	}
	return nil
}

func (s *Supervisor) dispatch(sl *slot, item *plan.Item) error {
	item.Attempts++
	if err := item.Transition(plan.StatusDispatched); err != nil {
		return err
	}
	outPath := filepath.Join(s.cfg.OutDir,
		fmt.Sprintf("item-%04d-a%d.json", item.ID, item.Attempts))
	proc, err := s.launcher.Start(*item, outPath)
	if err != nil {
		// A worker that cannot even start counts as a crashed attempt.
		s.logger.Warn("worker launch failed",
			zap.Int("item_id", item.ID), zap.Int("attempt", item.Attempts), zap.Error(err))
		return s.settleFailure(sl, item, results.ErrKindCrash, err.Error(), 0)
	}

	sl.state = SlotRunning
	sl.item = item
	sl.proc = proc
	sl.pid = proc.Pid()
	sl.startedAt = s.now()
	sl.outPath = outPath
	sl.reason = ""
	sl.killed = false

	if err := s.registry.Register(sl.pid, s.runID); err != nil {
		// Without the registry entry a crash would leak this process; stop
		// it and fail the run.
		_ = proc.Kill()
		s.reset(sl)
		return fmt.Errorf("register worker pid: %w", err)
	}
	s.logger.Debug("dispatched item",
		zap.Int("item_id", item.ID), zap.Int("slot", sl.index),
		zap.Int("pid", sl.pid), zap.Int("attempt", item.Attempts))
	return nil
}

// finalize settles a slot whose process has exited, in the order the ledger
// contract requires: registry entry removed first, then the record appended.
func (s *Supervisor) finalize(sl *slot, exitErr error) error {
	item := sl.item
	duration := s.now().Sub(sl.startedAt)
	if exitErr != nil && sl.reason == "" {
		sl.state = SlotCrashed
	}
	if sl.pid > 0 {
		if err := s.registry.Unregister(sl.pid); err != nil {
			return fmt.Errorf("unregister worker pid: %w", err)
		}
	}

	switch {
	case sl.reason == reasonCancel:
		if err := item.Transition(plan.StatusCancelled); err != nil {
			return err
		}
		s.reset(sl)
		return s.emit(results.Record{
			ItemID:   item.ID,
			Status:   plan.StatusCancelled,
			ErrKind:  results.ErrKindCancelled,
			Attempts: item.Attempts,
			Duration: duration,
		})
	case sl.reason == "" && exitErr == nil && fileExists(sl.outPath):
		if err := item.Transition(plan.StatusSucceeded); err != nil {
			return err
		}
		payload := sl.outPath
		s.reset(sl)
		return s.emit(results.Record{
			ItemID:      item.ID,
			Status:      plan.StatusSucceeded,
			PayloadPath: payload,
			Attempts:    item.Attempts,
			Duration:    duration,
		})
	default:
		kind := results.ErrKindCrash
		msg := "worker exited without a result payload"
		if exitErr != nil {
			msg = exitErr.Error()
		}
		if sl.reason == reasonTimeout {
			kind = results.ErrKindTimeout
			msg = fmt.Sprintf("timed out after %s", s.cfg.PerItemTimeout)
		}
		return s.settleFailure(sl, item, kind, msg, duration)
	}
}

// settleFailure applies the shared retry-vs-terminal rule for crashes,
// timeouts, and launch failures. Retried items go to the back of the queue.
func (s *Supervisor) settleFailure(sl *slot, item *plan.Item, kind, msg string, duration time.Duration) error {
	s.reset(sl)
	if item.Attempts < s.cfg.MaxAttempts {
		if err := item.Transition(plan.StatusPending); err != nil {
			return err
		}
		s.queue.PushBack(item)
		s.logger.Info("requeued item",
			zap.Int("item_id", item.ID), zap.String("cause", kind),
			zap.Int("attempt", item.Attempts), zap.Int("max_attempts", s.cfg.MaxAttempts))
		return nil
	}
	status := plan.StatusFailed
	if kind == results.ErrKindTimeout {
		status = plan.StatusTimedOut
	}
	if err := item.Transition(status); err != nil {
		return err
	}
	return s.emit(results.Record{
		ItemID:   item.ID,
		Status:   status,
		ErrKind:  kind,
		ErrMsg:   msg,
		Attempts: item.Attempts,
		Duration: duration,
	})
}

func (s *Supervisor) beginTermination(sl *slot, reason string) {
	sl.reason = reason
	sl.state = SlotTerminating
	sl.killAt = s.now().Add(s.cfg.TermGrace)
	sl.killed = false
	if err := sl.proc.Signal(); err != nil {
		s.logger.Warn("terminate signal failed",
			zap.Int("pid", sl.pid), zap.Error(err))
	}
	s.logger.Info("terminating worker",
		zap.Int("item_id", sl.item.ID), zap.Int("pid", sl.pid), zap.String("reason", reason))
}

// cancelQueued marks every not-yet-dispatched item Cancelled and records it.
func (s *Supervisor) cancelQueued() error {
	for _, item := range s.queue.Drain() {
		if err := item.Transition(plan.StatusCancelled); err != nil {
			return err
		}
		if err := s.emit(results.Record{
			ItemID:   item.ID,
			Status:   plan.StatusCancelled,
			ErrKind:  results.ErrKindCancelled,
			Attempts: item.Attempts,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) signalRunning() {
	for _, sl := range s.slots {
		if sl.state == SlotRunning {
			s.beginTermination(sl, reasonCancel)
		}
	}
}

// teardown force-kills whatever is still running. Only reached when a
// persistence failure aborts the run.
func (s *Supervisor) teardown() {
	for _, sl := range s.slots {
		if sl.state == SlotIdle {
			continue
		}
		_ = sl.proc.Kill()
		if sl.pid > 0 {
			if err := s.registry.Unregister(sl.pid); err != nil {
				s.logger.Warn("teardown unregister failed",
					zap.Int("pid", sl.pid), zap.Error(err))
			}
		}
		s.reset(sl)
	}
}

func (s *Supervisor) emit(rec results.Record) error {
	rec.CompletedAt = s.now()
	if err := s.sink.Append(rec); err != nil {
		return err
	}
	if s.observer != nil {
		s.observer(rec)
	}
	return nil
}

func (s *Supervisor) reset(sl *slot) {
	sl.state = SlotIdle
	sl.item = nil
	sl.proc = nil
	sl.pid = 0
	sl.outPath = ""
	sl.reason = ""
	sl.killed = false
}

func (s *Supervisor) allIdle() bool {
	for _, sl := range s.slots {
		if sl.state != SlotIdle {
			return false
		}
	}
	return true
}

// RunningCount reports how many slots currently host a live worker.
func (s *Supervisor) RunningCount() int {
	n := 0
	for _, sl := range s.slots {
		if sl.state == SlotRunning || sl.state == SlotTerminating {
			n++
		}
	}
	return n
}

func (s *Supervisor) wait(ctx context.Context, cancelled bool) {
	if cancelled {
		s.sleep(s.cfg.PollInterval)
		return
	}
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
