package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Extract.MaxSessionsPerRun != 20 {
		t.Errorf("max_sessions_per_run = %d", cfg.Extract.MaxSessionsPerRun)
	}
	if cfg.Extract.Concurrency != 4 {
		t.Errorf("concurrency = %d", cfg.Extract.Concurrency)
	}
	if cfg.General.StaleLockSecs != 600 {
		t.Errorf("stale_lock_secs = %d", cfg.General.StaleLockSecs)
	}
	if !cfg.Consolidate.RunAfterExtract {
		t.Error("run_after_extract should default true")
	}
	if cfg.Redaction.Placeholder != "[REDACTED]" {
		t.Errorf("placeholder = %q", cfg.Redaction.Placeholder)
	}
}

func TestLoadOverridesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
general:
  stale_lock_secs: 120
extract:
  concurrency: 2
projects:
  exclude: ["scratch"]
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.General.StaleLockSecs != 120 {
		t.Errorf("override lost: %d", cfg.General.StaleLockSecs)
	}
	if cfg.Extract.Concurrency != 2 {
		t.Errorf("override lost: %d", cfg.Extract.Concurrency)
	}
	if cfg.Extract.MaxSessionsPerRun != 20 {
		t.Errorf("unset field should keep default, got %d", cfg.Extract.MaxSessionsPerRun)
	}
	if len(cfg.Projects.Exclude) != 1 || cfg.Projects.Exclude[0] != "scratch" {
		t.Errorf("exclude = %v", cfg.Projects.Exclude)
	}
}

func TestLoadMissingExplicitPathFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("explicit missing path should error")
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("general: ["), 0o644)
	if _, err := Load(path); err == nil {
		t.Error("malformed yaml should error")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if cfg.StaleLock() != 10*time.Minute {
		t.Errorf("stale lock = %v", cfg.StaleLock())
	}
	if cfg.Extract.MaxSessionAge() != 30*24*time.Hour {
		t.Errorf("max age = %v", cfg.Extract.MaxSessionAge())
	}
	if cfg.Extract.MinSessionIdle() != time.Hour {
		t.Errorf("min idle = %v", cfg.Extract.MinSessionIdle())
	}
}

func TestDeriveProjectName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"-home-u-myapp", "myapp"},
		{"-home-u-my-project", "project"},
		{"", ""},
		{"---", "---"},
	}
	for _, c := range cases {
		if got := DeriveProjectName(c.in); got != c.want {
			t.Errorf("DeriveProjectName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
