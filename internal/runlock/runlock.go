// Package runlock provides the filesystem-backed mutual exclusion between
// orchestrator runs. The lock file plus a liveness check on its owner pid is
// the sole source of truth: there is no heartbeat channel. A random per-run
// nonce guards against the owner pid having been reused by an unrelated
// process after a crash.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pvelkov/gazetted/internal/procutil"
)

const lockFileName = "run.lock.json"

// ErrAlreadyLocked means a live-owned lock exists; callers surface this
// immediately and never wait for the other run.
var ErrAlreadyLocked = errors.New("another run holds the lock")

// Record is the on-disk lock content.
type Record struct {
	OwnerPID   int       `json:"owner_pid"`
	RunID      string    `json:"run_id"`
	Nonce      string    `json:"nonce"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Handle proves ownership of an acquired lock. Release with a stale handle
// (the lock has since been reclaimed) is a no-op.
type Handle struct {
	record Record
}

// RunID returns the run the handle was acquired for.
func (h *Handle) RunID() string { return h.record.RunID }

// Manager owns one lock path. StaleProbe, when set, is consulted before
// reclaiming an unreadable lock file: it must return true only when no
// conflicting worker process is alive (the controller wires it to a PID
// registry scan).
type Manager struct {
	path       string
	logger     *zap.Logger
	StaleProbe func() bool

	alive func(int) bool
	now   func() time.Time
}

// New returns a manager for the lock under runRoot.
func New(runRoot string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		path:   filepath.Join(runRoot, lockFileName),
		logger: logger,
		alive:  procutil.Alive,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the lock file location.
func (m *Manager) Path() string { return m.path }

// SetAliveProbe overrides the pid liveness check. Test hook.
func (m *Manager) SetAliveProbe(alive func(int) bool) {
	if alive != nil {
		m.alive = alive
	}
}

// SetClock overrides the timestamp source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Acquire takes the lock for runID. A lock whose owner pid is dead is
// reclaimed; an unreadable lock is reclaimed only if StaleProbe confirms no
// conflicting process is alive.
func (m *Manager) Acquire(runID string) (*Handle, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	for attempt := 0; attempt < 2; attempt++ {
		rec := Record{
			OwnerPID:   os.Getpid(),
			RunID:      runID,
			Nonce:      uuid.NewString(),
			AcquiredAt: m.now(),
		}
		created, err := m.tryCreate(rec)
		if err != nil {
			return nil, err
		}
		if created {
			return &Handle{record: rec}, nil
		}

		existing, readErr := m.read()
		switch {
		case readErr == nil:
			if m.alive(existing.OwnerPID) {
				return nil, fmt.Errorf("%w: pid=%d run=%s acquired_at=%s",
					ErrAlreadyLocked, existing.OwnerPID, existing.RunID,
					existing.AcquiredAt.Format(time.RFC3339))
			}
			m.logger.Warn("reclaiming stale run lock",
				zap.Int("owner_pid", existing.OwnerPID),
				zap.String("run_id", existing.RunID))
		case errors.Is(readErr, os.ErrNotExist):
			// Lost a race with a release; retry the create.
			continue
		default:
			// Unreadable lock record. Fail open only when the probe confirms
			// nothing conflicting is running.
			if m.StaleProbe != nil && !m.StaleProbe() {
				return nil, fmt.Errorf("%w: lock file unreadable and workers still alive: %v",
					ErrAlreadyLocked, readErr)
			}
			m.logger.Warn("reclaiming unreadable run lock", zap.Error(readErr))
		}
		if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reclaim lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lost acquire race twice", ErrAlreadyLocked)
}

// Release drops the lock if the handle still owns it. Releasing twice, or
// after a newer run reclaimed the lock, is a no-op.
func (m *Manager) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	existing, err := m.read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		m.logger.Warn("release: lock file unreadable, leaving in place", zap.Error(err))
		return nil
	}
	if existing.Nonce != h.record.Nonce {
		// Reclaimed by a newer run; not ours to delete.
		return nil
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// IsHeld reports whether a live-owned lock currently exists.
func (m *Manager) IsHeld() bool {
	rec, err := m.read()
	if err != nil {
		return false
	}
	return m.alive(rec.OwnerPID)
}

// Current returns the on-disk record. ok is false when no lock file exists.
func (m *Manager) Current() (Record, bool, error) {
	rec, err := m.read()
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// ForceClearStale removes the lock file unless its owner is alive. Used by
// the external cleanup path; it never clears a currently-valid holder.
func (m *Manager) ForceClearStale() (bool, error) {
	rec, err := m.read()
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err == nil && m.alive(rec.OwnerPID) {
		return false, nil
	}
	if err != nil {
		m.logger.Warn("clearing unreadable run lock", zap.Error(err))
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("clear lock: %w", err)
	}
	return true, nil
}

// tryCreate writes the record with O_EXCL so exactly one concurrent acquire
// can win. Returns created=false when a lock file already exists.
func (m *Manager) tryCreate(rec Record) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return false, fmt.Errorf("create run root: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal lock record: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = os.Remove(m.path)
		return false, fmt.Errorf("write lock record: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = os.Remove(m.path)
		return false, fmt.Errorf("sync lock record: %w", err)
	}
	return true, nil
}

func (m *Manager) read() (Record, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse lock record: %w", err)
	}
	if rec.OwnerPID <= 0 {
		return Record{}, fmt.Errorf("lock record has no owner pid")
	}
	return rec, nil
}
