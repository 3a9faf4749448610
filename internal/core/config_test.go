package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valter-silva-au/ai-task-delegate/pkg/models"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, ".atdconfig"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

func TestLoadGlobalConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	cm := NewConfigurationManager(dir)

	cfg, err := cm.LoadGlobalConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DefaultWorker != "codex" {
		t.Errorf("default worker = %q, want codex", cfg.DefaultWorker)
	}
	if cfg.Concurrency != 2 {
		t.Errorf("concurrency = %d, want 2", cfg.Concurrency)
	}
	if cfg.EnvPolicy != models.EnvInheritNone {
		t.Errorf("env policy = %q, want none", cfg.EnvPolicy)
	}
	if cfg.Timeouts.IdleSecs != 300 || cfg.Timeouts.HardSecs != 1200 {
		t.Errorf("timeouts = %+v, want 300/1200 defaults", cfg.Timeouts)
	}
	if cfg.DatabasePath != filepath.Join(dir, "tasks.db") {
		t.Errorf("database path = %q, want under base path", cfg.DatabasePath)
	}
}

func TestLoadGlobalConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
default_worker: claude
concurrency: 4
env_policy: allowlist
env_allowlist:
  - PATH
  - HOME
timeouts:
  idle_secs: 120
  hard_secs: 600
workers:
  - name: claude
    command: claude
    default_args: ["-p", "--output-format", "stream-json"]
    model: sonnet
  - name: codex
    command: codex
    default_args: ["exec", "--json"]
`)
	cm := NewConfigurationManager(dir)

	cfg, err := cm.LoadGlobalConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DefaultWorker != "claude" {
		t.Errorf("default worker = %q, want claude", cfg.DefaultWorker)
	}
	if cfg.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.Concurrency)
	}
	if cfg.EnvPolicy != models.EnvAllowlist || len(cfg.EnvAllowlist) != 2 {
		t.Errorf("env policy = %q/%v, want allowlist with 2 names", cfg.EnvPolicy, cfg.EnvAllowlist)
	}
	if cfg.Timeouts.IdleSecs != 120 || cfg.Timeouts.HardSecs != 600 {
		t.Errorf("timeouts = %+v, want 120/600", cfg.Timeouts)
	}
	if cfg.Timeouts.HeartbeatSecs != 30 {
		t.Errorf("heartbeat = %d, missing keys should keep defaults", cfg.Timeouts.HeartbeatSecs)
	}
	if len(cfg.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(cfg.Workers))
	}
	if cfg.Workers[0].Model != "sonnet" || len(cfg.Workers[0].DefaultArgs) != 3 {
		t.Errorf("first worker = %+v, want parsed model and args", cfg.Workers[0])
	}
}

func TestValidateConfigRejectsBadValues(t *testing.T) {
	cm := NewConfigurationManager(t.TempDir())
	cfg, err := cm.LoadGlobalConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Concurrency = 0
	cfg.EnvPolicy = models.EnvPolicy("sometimes")
	cfg.Timeouts.IdleSecs = 2000 // exceeds hard_secs

	err = cm.ValidateConfig(cfg)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"concurrency", "env_policy", "idle_secs"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error %q missing mention of %s", err, want)
		}
	}
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	cm := NewConfigurationManager(t.TempDir())
	cfg, err := cm.LoadGlobalConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cm.ValidateConfig(cfg); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

func TestResolveWorker(t *testing.T) {
	cm := NewConfigurationManager(t.TempDir())
	cfg, _ := cm.LoadGlobalConfig()

	w, err := cm.ResolveWorker(cfg, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Name != "codex" {
		t.Errorf("empty name resolved to %q, want the default worker", w.Name)
	}

	if _, err := cm.ResolveWorker(cfg, "nonexistent"); err == nil {
		t.Error("expected an error for an unknown worker")
	}
}

func TestResolveBasePathHonorsOverride(t *testing.T) {
	t.Setenv("ATD_HOME", "/tmp/atd-test-home")
	base, err := ResolveBasePath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base != "/tmp/atd-test-home" {
		t.Errorf("base path = %q, want ATD_HOME override", base)
	}
}
