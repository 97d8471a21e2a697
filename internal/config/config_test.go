package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/fngate/internal/permission"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"FNGATE_DATA_DIR", "FNGATE_DB_DSN", "FNGATE_DEFAULT_PERMISSION", "FNGATE_API_KEY"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Formats(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "c.yaml", "executor:\n  default_permission: read_only\n  permissions:\n    wipe: full\n"},
		{"json", "c.json", `{"executor": {"default_permission": "read_only", "permissions": {"wipe": "full"}}}`},
		{"jsonc", "c.jsonc", "{\n  // comment\n  \"executor\": {\"default_permission\": \"read_only\", \"permissions\": {\"wipe\": \"full\",}},\n}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			def, entries, err := cfg.PermissionTable()
			if err != nil {
				t.Fatal(err)
			}
			if def != permission.ReadOnly || entries["wipe"] != permission.Full {
				t.Errorf("def=%v entries=%v", def, entries)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "c.yaml", "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.DefaultPermission != "none" {
		t.Errorf("default permission = %q", cfg.Executor.DefaultPermission)
	}
	if cfg.Sandbox.Isolation != "auto" {
		t.Errorf("isolation = %q", cfg.Sandbox.Isolation)
	}
	if cfg.Sandbox.Timeout() != 10*time.Second || cfg.Simulation.Timeout() != 5*time.Second {
		t.Errorf("timeouts = %v %v", cfg.Sandbox.Timeout(), cfg.Simulation.Timeout())
	}
	if cfg.Executor.ShellTimeout() != 30*time.Second || cfg.Approval.TTL() != 5*time.Minute {
		t.Error("unexpected shell timeout or approval ttl")
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if cfg.HTTP.Addr() != ":8080" || cfg.Janitor.CronSchedule() != "@every 5m" {
		t.Error("nil-safe accessors returned unexpected defaults")
	}
}

func TestLoad_FractionalTimeout(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "c.yaml", "sandbox:\n  timeout_seconds: 0.5\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sandbox.Timeout() != 500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Sandbox.Timeout())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("FNGATE_DATA_DIR", dir)
	t.Setenv("FNGATE_DEFAULT_PERMISSION", "limited")
	t.Setenv("FNGATE_DB_DSN", "postgres://localhost/fngate")
	t.Setenv("FNGATE_API_KEY", "secret")

	cfg, err := Load(writeFile(t, "c.yaml", "executor:\n  default_permission: none\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != dir || cfg.Executor.DefaultPermission != "limited" {
		t.Errorf("data_dir=%q default=%q", cfg.DataDir, cfg.Executor.DefaultPermission)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://localhost/fngate" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if len(cfg.HTTP.APIKeys) != 1 || cfg.HTTP.APIKeys[0] != "secret" {
		t.Errorf("api keys = %v", cfg.HTTP.APIKeys)
	}
	if cfg.DatabasePath() != filepath.Join(dir, "fngate.db") {
		t.Errorf("db path = %q", cfg.DatabasePath())
	}
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		content string
	}{
		{"unknown default", "executor:\n  default_permission: admin\n"},
		{"unknown entry", "executor:\n  permissions:\n    f: everything\n"},
		{"isolation", "sandbox:\n  isolation: vm\n"},
		{"container without image", "sandbox:\n  isolation: container\n"},
		{"negative timeout", "sandbox:\n  timeout_seconds: -1\n"},
		{"driver", "storage:\n  driver: mongo\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"approval mode", "approval:\n  mode: auto\n"},
		{"notify type", "approval:\n  notify:\n    - name: ops\n      type: pager\n"},
		{"notify missing key", "approval:\n  notify:\n    - name: ops\n      type: slack\n      config:\n        channel_id: C1\n"},
		{"notify duplicate", "approval:\n  notify:\n    - name: a\n      type: webhook\n      config: {url: \"https://x\"}\n    - name: a\n      type: webhook\n      config: {url: \"https://y\"}\n"},
		{"janitor schedule", "janitor:\n  enabled: true\n  schedule: \"every now and then\"\n"},
		{"log level", "log:\n  level: loud\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "c.yaml", tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	clearEnv(t)
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := Load(missing); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
	cfg, err := LoadOrDefault(missing)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.DefaultPermission != "none" {
		t.Errorf("default permission = %q", cfg.Executor.DefaultPermission)
	}
}

func TestLoadPermissionsFile(t *testing.T) {
	entries, err := LoadPermissionsFile(writeFile(t, "p.yaml", "get_status: read_only\nwipe: full\n"))
	if err != nil {
		t.Fatal(err)
	}
	if entries["get_status"] != permission.ReadOnly || entries["wipe"] != permission.Full {
		t.Errorf("entries = %v", entries)
	}
	if _, err := LoadPermissionsFile(writeFile(t, "p.json", `{"f": "root"}`)); !errors.Is(err, permission.ErrUnknownLevel) {
		t.Errorf("err = %v, want ErrUnknownLevel", err)
	}
}

func TestWatchPermissionsFile(t *testing.T) {
	path := writeFile(t, "perms.yaml", "f: none\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got map[string]permission.Level
	applied := make(chan struct{}, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	err := WatchPermissionsFile(ctx, path, func(m map[string]permission.Level) {
		mu.Lock()
		got = m
		mu.Unlock()
		applied <- struct{}{}
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("f: limited\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
	mu.Lock()
	defer mu.Unlock()
	if got["f"] != permission.Limited {
		t.Errorf("got %v", got)
	}
}
