package controller

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvelkov/gazetted/internal/config"
	"github.com/pvelkov/gazetted/internal/fsio"
	"github.com/pvelkov/gazetted/internal/pidreg"
	"github.com/pvelkov/gazetted/internal/plan"
	"github.com/pvelkov/gazetted/internal/results"
	"github.com/pvelkov/gazetted/internal/runlock"
	"github.com/pvelkov/gazetted/internal/supervisor"
)

const threeComboPlan = `combos:
  - org: "04"
    unit: "0001"
    org_label: "Ministry of Finance"
    unit_label: "Customs Agency"
  - org: "04"
    unit: "0002"
  - org: "61"
    unit: "0003"
`

func testSettings(t *testing.T, planYAML string) config.Settings {
	t.Helper()
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(planPath, []byte(planYAML), 0o644))
	return config.Settings{
		RunRoot:        filepath.Join(dir, "run"),
		PlanPath:       planPath,
		PoolSize:       2,
		PerItemTimeout: time.Minute,
		MaxAttempts:    2,
		PollInterval:   time.Millisecond,
		TermGrace:      time.Second,
		Worker:         config.Worker{Command: "gazette-fetch"},
	}
}

type stubProc struct {
	pid     int
	exitErr error
}

func (p stubProc) Pid() int            { return p.pid }
func (p stubProc) Poll() (bool, error) { return true, p.exitErr }
func (p stubProc) Signal() error       { return nil }
func (p stubProc) Kill() error         { return nil }

// stubLauncher completes every worker instantly: items listed in crash exit
// nonzero, the rest write a payload and exit clean.
type stubLauncher struct {
	crash   map[int]bool
	nextPID int
	started []int
}

func (l *stubLauncher) Start(item plan.Item, outPath string) (supervisor.Proc, error) {
	l.nextPID++
	l.started = append(l.started, item.ID)
	if l.crash[item.ID] {
		return stubProc{pid: 4000 + l.nextPID, exitErr: errors.New("exit status 1")}, nil
	}
	if err := os.WriteFile(outPath, []byte(`{"records":1}`), 0o644); err != nil {
		return nil, err
	}
	return stubProc{pid: 4000 + l.nextPID}, nil
}

func TestRunAllSucceed(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, threeComboPlan)
	c := New(settings, nil)
	c.SetLauncher(&stubLauncher{})

	summary, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.NotEmpty(t, summary.RunID)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))

	// The persisted summary matches what Run returned.
	stored, err := LoadSummary(settings.RunRoot)
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, stored.RunID)
	assert.Equal(t, 3, stored.Succeeded)

	recs, err := results.New(settings.RunRoot, nil).ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	// Lock released on the way out.
	_, held, err := runlock.New(settings.RunRoot, nil).Current()
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRunCrashRetriedThenReported(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, threeComboPlan)
	c := New(settings, nil)
	launcher := &stubLauncher{crash: map[int]bool{1: true}}
	c.SetLauncher(launcher)

	summary, err := c.Run(context.Background())
	require.NoError(t, err, "item failures are data, not run failures")
	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []int{1}, summary.FailedItemIDs)

	// The crashed item was retried before going terminal.
	attempts := 0
	for _, id := range launcher.started {
		if id == 1 {
			attempts++
		}
	}
	assert.Equal(t, 2, attempts)
}

func TestRunEmptyPlan(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, "combos: []\n")
	c := New(settings, nil)
	c.SetLauncher(&stubLauncher{})

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, plan.ErrEmptyPlan)
	assert.Equal(t, StateFailed, c.State())

	// The lock does not leak on an aborted run.
	_, held, err := runlock.New(settings.RunRoot, nil).Current()
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRunRefusedWhileLockHeld(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, threeComboPlan)
	locks := runlock.New(settings.RunRoot, nil)
	handle, err := locks.Acquire("run-prior")
	require.NoError(t, err)
	defer locks.Release(handle)

	c := New(settings, nil)
	c.SetLauncher(&stubLauncher{})
	_, err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunAlreadyActive)
	assert.Equal(t, StateFailed, c.State())

	// The prior run's lock is untouched.
	rec, held, err := locks.Current()
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "run-prior", rec.RunID)
}

func TestRunCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	settings := testSettings(t, threeComboPlan)
	c := New(settings, nil)
	launcher := &stubLauncher{}
	c.SetLauncher(launcher)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := c.Run(ctx)
	require.NoError(t, err, "cancellation is a normal outcome")
	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, 3, summary.Cancelled)
	assert.Zero(t, summary.Succeeded)
	assert.Empty(t, launcher.started)
}

func TestSummaryObserveAndSort(t *testing.T) {
	t.Parallel()

	s := Summary{}
	s.observe(results.Record{ItemID: 4, Status: plan.StatusFailed})
	s.observe(results.Record{ItemID: 1, Status: plan.StatusFailed})
	s.observe(results.Record{ItemID: 2, Status: plan.StatusSucceeded})
	s.observe(results.Record{ItemID: 3, Status: plan.StatusTimedOut})
	s.sortIDs()

	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, 1, s.TimedOut)
	assert.Equal(t, []int{1, 4}, s.FailedItemIDs)
	assert.Equal(t, []int{3}, s.TimedOutItemIDs)
}

func TestSortRecords(t *testing.T) {
	t.Parallel()

	in := []results.Record{{ItemID: 2}, {ItemID: 0}, {ItemID: 1}}
	out := SortRecords(in)
	assert.Equal(t, []int{0, 1, 2}, []int{out[0].ItemID, out[1].ItemID, out[2].ItemID})
	// Input order is preserved.
	assert.Equal(t, 2, in[0].ItemID)
}

func deadPID(t *testing.T) int {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a unix shell utility")
	}
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestCleanupEmptyRoot(t *testing.T) {
	t.Parallel()

	report, err := Cleanup(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, report.KilledPIDs)
	assert.False(t, report.LockCleared)
}

func TestCleanupClearsStaleLock(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	locks := runlock.New(root, nil)
	require.NoError(t, fsio.WriteJSONAtomic(locks.Path(), runlock.Record{
		OwnerPID:   deadPID(t),
		RunID:      "run-dead",
		Nonce:      "n-1",
		AcquiredAt: time.Now().UTC(),
	}))

	report, err := Cleanup(root, nil)
	require.NoError(t, err)
	assert.True(t, report.LockCleared)
	assert.Empty(t, report.KilledPIDs)

	_, held, err := locks.Current()
	require.NoError(t, err)
	assert.False(t, held)
}

func TestCleanupLeavesLiveRunAlone(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	locks := runlock.New(root, nil)
	handle, err := locks.Acquire("run-live")
	require.NoError(t, err)
	defer locks.Release(handle)

	// A worker of the live run is registered and alive.
	registry := pidreg.New(root, nil)
	require.NoError(t, registry.Register(os.Getpid(), "run-live"))

	report, err := Cleanup(root, nil)
	require.NoError(t, err)
	assert.Empty(t, report.KilledPIDs)
	assert.False(t, report.LockCleared)

	rec, held, err := locks.Current()
	require.NoError(t, err)
	require.True(t, held)
	assert.Equal(t, "run-live", rec.RunID)
}

func TestCleanupRefusesUnreadableLockWithLiveWorkers(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	locks := runlock.New(root, nil)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(locks.Path(), []byte("not json"), 0o644))
	registry := pidreg.New(root, nil)
	require.NoError(t, registry.Register(os.Getpid(), "run-x"))

	_, err := Cleanup(root, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing cleanup")

	// Nothing was touched.
	data, err := os.ReadFile(locks.Path())
	require.NoError(t, err)
	assert.Equal(t, "not json", string(data))
}

func TestCleanupClearsUnreadableLockWithoutWorkers(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	locks := runlock.New(root, nil)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(locks.Path(), []byte("not json"), 0o644))

	report, err := Cleanup(root, nil)
	require.NoError(t, err)
	assert.True(t, report.LockCleared)
}
