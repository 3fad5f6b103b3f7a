// Package config loads orchestrator settings from a YAML file with
// GAZETTED_* environment overrides on top of hardcoded defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GAZETTED_"

// Settings drives one orchestrator run.
type Settings struct {
	// RunRoot holds the lock file, pid registry, result ledger, summary,
	// and worker output directory for a run.
	RunRoot        string        `koanf:"run_root"`
	PlanPath       string        `koanf:"plan_path"`
	PoolSize       int           `koanf:"pool_size"`
	PerItemTimeout time.Duration `koanf:"per_item_timeout"`
	MaxAttempts    int           `koanf:"max_attempts"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	TermGrace      time.Duration `koanf:"term_grace"`
	Worker         Worker        `koanf:"worker"`
}

// Worker describes the fetch command the supervisor spawns per item. The
// item's filter keys and output path are appended to Args at dispatch.
type Worker struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	Dir     string   `koanf:"dir"`
}

func defaults() Settings {
	return Settings{
		RunRoot:        "run",
		PlanPath:       "plan.yaml",
		PoolSize:       3,
		PerItemTimeout: 5 * time.Minute,
		MaxAttempts:    2,
		PollInterval:   250 * time.Millisecond,
		TermGrace:      5 * time.Second,
	}
}

// Load reads settings from path (skipped when the file does not exist) and
// applies environment overrides, e.g. GAZETTED_POOL_SIZE=5 or
// GAZETTED_WORKER_COMMAND=/usr/local/bin/gazette-fetch. Callers that start a
// run must Validate the result; cleanup and reporting only need the run root.
func Load(path string) (Settings, error) {
	k := koanf.New(".")

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Settings{}, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
				return Settings{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// GAZETTED_POOL_SIZE -> pool_size; GAZETTED_WORKER_COMMAND -> worker.command
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if rest, ok := strings.CutPrefix(key, "worker_"); ok {
			return "worker." + rest
		}
		return key
	}), nil); err != nil {
		return Settings{}, fmt.Errorf("load environment overrides: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal settings: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings a run cannot start with.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.RunRoot) == "" {
		return fmt.Errorf("run_root is required")
	}
	if strings.TrimSpace(s.PlanPath) == "" {
		return fmt.Errorf("plan_path is required")
	}
	if s.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be > 0")
	}
	if s.PerItemTimeout <= 0 {
		return fmt.Errorf("per_item_timeout must be > 0")
	}
	if s.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0")
	}
	if s.TermGrace <= 0 {
		return fmt.Errorf("term_grace must be > 0")
	}
	if strings.TrimSpace(s.Worker.Command) == "" {
		return fmt.Errorf("worker.command is required")
	}
	return nil
}
