package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nregistry_file: /tmp/backends.toml\nsubprocess_host: 10.0.0.5\nmax_backend_init_attempts: 3\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.RegistryFile != "/tmp/backends.toml" || cfg.SubprocessHost != "10.0.0.5" || cfg.MaxBackendInitAttempts != 3 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","registry_file":"/m/backends.toml","max_timeout_minutes":42,"per_request_timeout_minutes":2,"log_level":"debug"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.RegistryFile != "/m/backends.toml" || cfg.MaxTimeoutMinutes != 42 || cfg.PerRequestTimeoutMinutes != 2 || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nregistry_file=\"/x/backends.toml\"\nfail_individual_on_stagnation=true\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.RegistryFile != "/x/backends.toml" || !cfg.FailIndividualOnStagnation {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.Addr != ":8080" || cfg.RegistryFile != "backends.toml" || cfg.SubprocessHost != "127.0.0.1" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MaxBackendInitAttempts != 5 || cfg.MaxTimeoutMinutes != 10 || cfg.PerRequestTimeoutMinutes != 5 || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	custom := Config{Addr: ":1", RegistryFile: "r.toml", SubprocessHost: "h", MaxBackendInitAttempts: 9, MaxTimeoutMinutes: 9, PerRequestTimeoutMinutes: 9, LogLevel: "warn"}.WithDefaults()
	if custom.Addr != ":1" || custom.RegistryFile != "r.toml" || custom.SubprocessHost != "h" {
		t.Fatalf("expected explicit fields preserved: %+v", custom)
	}
}
