package orchconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:8790" {
		t.Fatalf("bind_addr = %q, want default", cfg.BindAddr)
	}
	if cfg.CnpWeights.Cost+cfg.CnpWeights.Duration+cfg.CnpWeights.Confidence+cfg.CnpWeights.Capability != 1.0 {
		t.Fatalf("default cnp weights don't sum to 1.0: %+v", cfg.CnpWeights)
	}
}

func TestLoadParsesYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "bind_addr: \"0.0.0.0:9999\"\nmax_concurrency: 32\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9999" {
		t.Fatalf("bind_addr = %q, want override", cfg.BindAddr)
	}
	if cfg.MaxConcurrency != 32 {
		t.Fatalf("max_concurrency = %d, want 32", cfg.MaxConcurrency)
	}
	// Unset fields still fall back to defaultConfig's zero-merge base... but since
	// yaml.Unmarshal only overwrites fields present in the document, defaults survive.
	if cfg.HeartbeatTimeoutSecs != 15 {
		t.Fatalf("heartbeat_timeout_secs = %d, want default 15", cfg.HeartbeatTimeoutSecs)
	}
}

func TestEnvOverridesAuthToken(t *testing.T) {
	t.Setenv("ORCHESTRATOR_AUTH_TOKEN", "env-secret")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthToken != "env-secret" {
		t.Fatalf("auth_token = %q, want env-secret", cfg.AuthToken)
	}
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("identical configs should fingerprint identically")
	}
	b.MaxConcurrency = 99
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("different configs should fingerprint differently")
	}
}

func TestWatcherEmitsReloadEventOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("bind_addr: \"127.0.0.1:1\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := NewWatcher(nil, path)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Give the watcher time to register before mutating the file.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("bind_addr: \"127.0.0.1:2\"\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != path {
			t.Fatalf("path = %q, want %q", ev.Path, path)
		}
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("timed out waiting for reload event")
	}
}
