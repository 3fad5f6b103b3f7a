// Package pidreg persists the pids of spawned worker processes so that a
// crashed orchestrator leaves enough state behind for an external cleanup
// pass to recover the machine. The registry file is rewritten atomically on
// every mutation; entries carry the owning run id so cleanup never kills a
// worker belonging to the current lock holder.
package pidreg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pvelkov/gazetted/internal/fsio"
	"github.com/pvelkov/gazetted/internal/procutil"
)

const registryFileName = "workers.pids.json"

// Entry is one tracked worker process.
type Entry struct {
	PID       int       `json:"pid"`
	RunID     string    `json:"run_id"`
	SpawnedAt time.Time `json:"spawned_at"`
}

// Registry owns one registry file.
type Registry struct {
	path   string
	logger *zap.Logger

	alive func(int) bool
	kill  func(int) error
	now   func() time.Time
}

// New returns a registry stored under runRoot.
func New(runRoot string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		path:   filepath.Join(runRoot, registryFileName),
		logger: logger,
		alive:  procutil.Alive,
		kill:   procutil.Kill,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Path returns the registry file location.
func (r *Registry) Path() string { return r.path }

// SetProcHooks overrides the liveness and kill functions. Test hook.
func (r *Registry) SetProcHooks(alive func(int) bool, kill func(int) error) {
	if alive != nil {
		r.alive = alive
	}
	if kill != nil {
		r.kill = kill
	}
}

// Register records a freshly spawned worker pid.
func (r *Registry) Register(pid int, runID string) error {
	if pid <= 0 {
		return fmt.Errorf("pid must be > 0")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	entries, err := r.load()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.PID == pid {
			return fmt.Errorf("pid %d already registered to run %s", pid, e.RunID)
		}
	}
	entries = append(entries, Entry{PID: pid, RunID: runID, SpawnedAt: r.now()})
	return r.store(entries)
}

// Unregister removes a pid after its worker exited. Removing an unknown pid
// is a no-op.
func (r *Registry) Unregister(pid int) error {
	entries, err := r.load()
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.PID != pid {
			out = append(out, e)
		}
	}
	if len(out) == len(entries) {
		return nil
	}
	return r.store(out)
}

// ListLive returns the registered pids whose process still exists, ascending.
func (r *Registry) ListLive() ([]int, error) {
	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(entries))
	for _, e := range entries {
		if r.alive(e.PID) {
			out = append(out, e.PID)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Entries returns the raw registry content.
func (r *Registry) Entries() ([]Entry, error) {
	return r.load()
}

// ReclaimOrphans force-kills every live registered worker whose run id does
// not match heldRunID (empty means no lock is held, so every worker is an
// orphan), and drops dead entries. Returns the pids that were killed.
// Idempotent: a second pass finds nothing to do.
func (r *Registry) ReclaimOrphans(heldRunID string) ([]int, error) {
	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	killed := make([]int, 0)
	kept := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !r.alive(e.PID) {
			continue
		}
		if heldRunID != "" && e.RunID == heldRunID {
			kept = append(kept, e)
			continue
		}
		r.logger.Warn("killing orphaned worker",
			zap.Int("pid", e.PID), zap.String("run_id", e.RunID))
		if err := r.kill(e.PID); err != nil {
			// Keep the entry so a later pass can retry.
			r.logger.Warn("orphan kill failed", zap.Int("pid", e.PID), zap.Error(err))
			kept = append(kept, e)
			continue
		}
		killed = append(killed, e.PID)
	}
	if err := r.store(kept); err != nil {
		return killed, err
	}
	sort.Ints(killed)
	return killed, nil
}

func (r *Registry) load() ([]Entry, error) {
	var entries []Entry
	err := fsio.ReadJSON(r.path, &entries)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		// Unreadable registry recovers as empty; losing track of pids is
		// preferable to refusing to run (the cleanup pass cross-checks the
		// lock before killing anything).
		r.logger.Warn("pid registry unreadable, treating as empty", zap.Error(err))
		return nil, nil
	}
	return entries, nil
}

func (r *Registry) store(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	if err := fsio.WriteJSONAtomic(r.path, entries); err != nil {
		return fmt.Errorf("rewrite pid registry: %w", err)
	}
	return nil
}
