package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "labrun.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "process" {
		t.Errorf("backend = %q, want %q", cfg.Sandbox.Backend, "process")
	}
	if cfg.Execution.Deadline != 10*time.Second {
		t.Errorf("deadline = %v, want 10s", cfg.Execution.Deadline)
	}
	if got := cfg.Policy().MemoryBytes; got != 256<<20 {
		t.Errorf("memory = %d, want %d", got, 256<<20)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
pool:
  max_workers: 8
  min_idle: 2
execution:
  deadline: 5s
  max_deadline: 20s
cache:
  backend: none
`)
	t.Setenv("LABRUN_SERVER_PORT", "9191")
	t.Setenv("LABRUN_POOL_MAX_WORKERS", "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Pool.MaxWorkers != 3 {
		t.Errorf("max_workers = %d, want 3 (env wins over file)", cfg.Pool.MaxWorkers)
	}
	if cfg.Pool.MinIdle != 2 {
		t.Errorf("min_idle = %d, want 2", cfg.Pool.MinIdle)
	}
	exec := cfg.ExecutionConfig()
	if exec.Deadline != 5*time.Second || exec.MaxDeadline != 20*time.Second {
		t.Errorf("deadlines = %v/%v, want 5s/20s", exec.Deadline, exec.MaxDeadline)
	}
	if cfg.Cache.Backend != "none" {
		t.Errorf("cache backend = %q, want none", cfg.Cache.Backend)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	tests := map[string]string{
		"zero workers":     "pool:\n  max_workers: 0\n",
		"unknown backend":  "sandbox:\n  backend: vm\n",
		"redis needs addr": "cache:\n  backend: redis\n",
		"s3 needs bucket":  "artifacts:\n  backend: s3\n",
		"deadline clamp":   "execution:\n  deadline: 1m\n  max_deadline: 10s\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestRegistryOverlay(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
languages:
  python:
    command: ["python3.12", "-I", "{file}"]
  lua:
    aliases: ["lua5.4"]
    filename: main.lua
    command: ["lua", "{file}"]
    syntax: lua
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}

	py, ok := reg.Lookup("python-like")
	if !ok {
		t.Fatal("python-like alias lost")
	}
	if py.Command[0] != "python3.12" {
		t.Errorf("python command = %v, want override", py.Command)
	}
	if py.Filename != "main.py" {
		t.Errorf("python filename = %q, want %q", py.Filename, "main.py")
	}
	if _, ok := reg.Lookup("LUA5.4"); !ok {
		t.Error("lua alias not registered")
	}
}
