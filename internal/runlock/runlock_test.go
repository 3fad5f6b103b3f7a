package runlock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysAlive(int) bool { return true }
func neverAlive(int) bool  { return false }

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	m := New(t.TempDir(), nil)
	m.SetAliveProbe(alwaysAlive)

	h, err := m.Acquire("run-a")
	require.NoError(t, err)
	assert.Equal(t, "run-a", h.RunID())
	assert.True(t, m.IsHeld())

	rec, ok, err := m.Current()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), rec.OwnerPID)
	assert.Equal(t, "run-a", rec.RunID)
	assert.NotEmpty(t, rec.Nonce)

	require.NoError(t, m.Release(h))
	assert.False(t, m.IsHeld())
	_, ok, err = m.Current()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMutualExclusionWhileOwnerAlive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := New(dir, nil)
	first.SetAliveProbe(alwaysAlive)
	second := New(dir, nil)
	second.SetAliveProbe(alwaysAlive)

	h, err := first.Acquire("run-a")
	require.NoError(t, err)

	_, err = second.Acquire("run-b")
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	// First run's lock is untouched by the failed acquire.
	rec, ok, err := first.Current()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-a", rec.RunID)
	require.NoError(t, first.Release(h))
}

func TestStaleLockReclaimed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first := New(dir, nil)
	first.SetAliveProbe(alwaysAlive)
	staleHandle, err := first.Acquire("run-dead")
	require.NoError(t, err)

	// Owner process is gone: the next acquire reclaims.
	second := New(dir, nil)
	second.SetAliveProbe(neverAlive)
	h, err := second.Acquire("run-new")
	require.NoError(t, err)

	rec, ok, err := second.Current()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "run-new", rec.RunID)

	// The dead run's handle can no longer release the newer lock.
	require.NoError(t, first.Release(staleHandle))
	_, ok, err = second.Current()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, second.Release(h))
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()

	m := New(t.TempDir(), nil)
	m.SetAliveProbe(alwaysAlive)
	h, err := m.Acquire("run-a")
	require.NoError(t, err)

	require.NoError(t, m.Release(h))
	require.NoError(t, m.Release(h))
	require.NoError(t, m.Release(nil))
}

func TestCorruptLockFailOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(dir, nil)
	m.SetAliveProbe(alwaysAlive)
	require.NoError(t, os.WriteFile(m.Path(), []byte("not json"), 0o644))

	// Without a probe the unreadable lock is reclaimed.
	h, err := m.Acquire("run-a")
	require.NoError(t, err)
	require.NoError(t, m.Release(h))
}

func TestCorruptLockBlockedByProbe(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(dir, nil)
	m.SetAliveProbe(alwaysAlive)
	m.StaleProbe = func() bool { return false }
	require.NoError(t, os.WriteFile(m.Path(), []byte("not json"), 0o644))

	_, err := m.Acquire("run-a")
	assert.ErrorIs(t, err, ErrAlreadyLocked)
}

func TestForceClearStale(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := New(dir, nil)
	m.SetAliveProbe(alwaysAlive)
	h, err := m.Acquire("run-a")
	require.NoError(t, err)

	// Live owner: never cleared.
	cleared, err := m.ForceClearStale()
	require.NoError(t, err)
	assert.False(t, cleared)

	// Dead owner: cleared.
	m.SetAliveProbe(neverAlive)
	cleared, err = m.ForceClearStale()
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.False(t, m.IsHeld())

	// Nothing left to clear.
	cleared, err = m.ForceClearStale()
	require.NoError(t, err)
	assert.False(t, cleared)
	_ = h
}

func TestAcquireCreatesRunRoot(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "deep", "run")
	m := New(root, nil)
	m.SetAliveProbe(alwaysAlive)
	h, err := m.Acquire("run-a")
	require.NoError(t, err)
	require.NoError(t, m.Release(h))
}
