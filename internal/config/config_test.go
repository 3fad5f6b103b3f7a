package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gazetted.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "run", cfg.RunRoot)
	assert.Equal(t, "plan.yaml", cfg.PlanPath)
	assert.Equal(t, 3, cfg.PoolSize)
	assert.Equal(t, 5*time.Minute, cfg.PerItemTimeout)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.TermGrace)
}

func TestLoadSkipsValidation(t *testing.T) {
	// A loaded file may lack worker.command; only the run path requires it.
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.PoolSize)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
run_root: /var/lib/gazetted/run
plan_path: /etc/gazetted/plan.yaml
pool_size: 5
per_item_timeout: 90s
max_attempts: 3
worker:
  command: /usr/local/bin/gazette-fetch
  args: ["--headless"]
  dir: /tmp
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/gazetted/run", cfg.RunRoot)
	assert.Equal(t, "/etc/gazetted/plan.yaml", cfg.PlanPath)
	assert.Equal(t, 5, cfg.PoolSize)
	assert.Equal(t, 90*time.Second, cfg.PerItemTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "/usr/local/bin/gazette-fetch", cfg.Worker.Command)
	assert.Equal(t, []string{"--headless"}, cfg.Worker.Args)
	assert.Equal(t, "/tmp", cfg.Worker.Dir)
	// Keys the file omits keep their defaults.
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "pool_size: 5\n")
	t.Setenv("GAZETTED_POOL_SIZE", "8")
	t.Setenv("GAZETTED_PER_ITEM_TIMEOUT", "30s")
	t.Setenv("GAZETTED_WORKER_COMMAND", "/opt/fetch")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.PerItemTimeout)
	assert.Equal(t, "/opt/fetch", cfg.Worker.Command)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "pool_size: [not an int\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := defaults()
	base.Worker.Command = "gazette-fetch"
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty run root", func(s *Settings) { s.RunRoot = " " }},
		{"empty plan path", func(s *Settings) { s.PlanPath = "" }},
		{"zero pool", func(s *Settings) { s.PoolSize = 0 }},
		{"negative timeout", func(s *Settings) { s.PerItemTimeout = -time.Second }},
		{"zero attempts", func(s *Settings) { s.MaxAttempts = 0 }},
		{"zero poll interval", func(s *Settings) { s.PollInterval = 0 }},
		{"zero term grace", func(s *Settings) { s.TermGrace = 0 }},
		{"empty worker command", func(s *Settings) { s.Worker.Command = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base
			tc.mutate(&s)
			assert.Error(t, s.Validate())
		})
	}
}
