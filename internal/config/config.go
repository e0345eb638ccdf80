// Package config loads pipeline configuration from a YAML file, falling
// back to defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// General holds paths and cross-cutting settings.
type General struct {
	ClaudeHome    string `yaml:"claude_home"`
	DataDir       string `yaml:"data_dir"`
	StaleLockSecs int    `yaml:"stale_lock_secs"`
}

// Extract configures the per-session extraction pass.
type Extract struct {
	Model               string `yaml:"model"`
	MaxSessionsPerRun   int    `yaml:"max_sessions_per_run"`
	MaxSessionAgeDays   int    `yaml:"max_session_age_days"`
	MinSessionIdleHours int    `yaml:"min_session_idle_hours"`
	MaxInputTokens      int    `yaml:"max_input_tokens"`
	Concurrency         int    `yaml:"concurrency"`
}

// Consolidate configures the consolidation pass.
type Consolidate struct {
	Model            string `yaml:"model"`
	MaxOutputsPerRun int    `yaml:"max_outputs_per_run"`
	RunAfterExtract  bool   `yaml:"run_after_extract"`
}

// Redaction configures secret scrubbing.
type Redaction struct {
	ExtraPatterns []string `yaml:"extra_patterns"`
	Placeholder   string   `yaml:"placeholder"`
}

// Projects filters which transcript projects are processed. Entries are
// substring matches against the encoded project directory name.
type Projects struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Config is the full pipeline configuration.
type Config struct {
	General     General     `yaml:"general"`
	Extract     Extract     `yaml:"extract"`
	Consolidate Consolidate `yaml:"consolidate"`
	Redaction   Redaction   `yaml:"redaction"`
	Projects    Projects    `yaml:"projects"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		General: General{
			ClaudeHome:    filepath.Join(home, ".claude"),
			DataDir:       filepath.Join(home, ".local", "share", "session-memory"),
			StaleLockSecs: 600,
		},
		Extract: Extract{
			Model:               "claude-haiku-4-5-20251001",
			MaxSessionsPerRun:   20,
			MaxSessionAgeDays:   30,
			MinSessionIdleHours: 1,
			MaxInputTokens:      80_000,
			Concurrency:         4,
		},
		Consolidate: Consolidate{
			Model:            "claude-sonnet-4-6-20250514",
			MaxOutputsPerRun: 200,
			RunAfterExtract:  true,
		},
		Redaction: Redaction{
			Placeholder: "[REDACTED]",
		},
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "session-memory", "config.yaml")
}

// Load reads the config file at path, or the default location when path
// is empty. A missing file yields the defaults; a malformed file is an
// error.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.General.ClaudeHome = expandPath(cfg.General.ClaudeHome)
	cfg.General.DataDir = expandPath(cfg.General.DataDir)
	return cfg, nil
}

// DBPath returns the coordination database location under the data dir.
func (c Config) DBPath() string {
	return filepath.Join(c.General.DataDir, "coord.db")
}

// StaleLock returns the lock staleness threshold as a duration.
func (c Config) StaleLock() time.Duration {
	return time.Duration(c.General.StaleLockSecs) * time.Second
}

// MaxSessionAge returns the extraction age cutoff as a duration.
func (e Extract) MaxSessionAge() time.Duration {
	return time.Duration(e.MaxSessionAgeDays) * 24 * time.Hour
}

// MinSessionIdle returns the extraction idle threshold as a duration.
func (e Extract) MinSessionIdle() time.Duration {
	return time.Duration(e.MinSessionIdleHours) * time.Hour
}

func expandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// DeriveProjectName approximates a human-readable project name from the
// encoded directory name. Paths like /home/u/my-project are encoded as
// -home-u-my-project, so hyphens are ambiguous; the last segment is the
// best available guess.
func DeriveProjectName(encoded string) string {
	trimmed := strings.TrimLeft(encoded, "-")
	if trimmed == "" {
		return encoded
	}
	parts := strings.Split(trimmed, "-")
	return parts[len(parts)-1]
}
