package controller

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pvelkov/gazetted/internal/pidreg"
	"github.com/pvelkov/gazetted/internal/procutil"
	"github.com/pvelkov/gazetted/internal/runlock"
)

// CleanupReport describes what an external cleanup pass reclaimed.
type CleanupReport struct {
	KilledPIDs  []int `json:"killed_pids"`
	LockCleared bool  `json:"lock_cleared"`
}

// Cleanup recovers the run root from an abnormally terminated orchestrator:
// it kills orphaned worker processes and clears a stale lock. Idempotent and
// safe to invoke while a run is active: workers and the lock of a live owner
// are never touched.
func Cleanup(runRoot string, logger *zap.Logger) (CleanupReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := pidreg.New(runRoot, logger)
	locks := runlock.New(runRoot, logger)

	heldRunID := ""
	rec, ok, err := locks.Current()
	switch {
	case err != nil:
		// Unreadable lock record: the owner is unknowable. Refuse to kill
		// anything while registered workers are still alive.
		live, liveErr := registry.ListLive()
		if liveErr != nil {
			return CleanupReport{}, fmt.Errorf("scan pid registry: %w", liveErr)
		}
		if len(live) > 0 {
			return CleanupReport{}, fmt.Errorf(
				"lock file unreadable and %d worker(s) still alive, refusing cleanup", len(live))
		}
		logger.Warn("lock file unreadable with no live workers, clearing", zap.Error(err))
	case ok && procutil.Alive(rec.OwnerPID):
		heldRunID = rec.RunID
	}

	report := CleanupReport{}
	report.KilledPIDs, err = registry.ReclaimOrphans(heldRunID)
	if err != nil {
		return report, fmt.Errorf("reclaim orphans: %w", err)
	}
	report.LockCleared, err = locks.ForceClearStale()
	if err != nil {
		return report, fmt.Errorf("clear stale lock: %w", err)
	}
	return report, nil
}
