package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leonletto/sigrecv/internal/config"
)

const sampleConfig = `
daemon:
  address: /tmp/signal.sock
  poll_interval: 20ms
data:
  dir: /var/lib/sigrecv
  backend: sqlite
log:
  level: debug
  format: json
receive:
  journal: true
  sweep_interval: 0s
metrics:
  listen: 127.0.0.1:9464
accounts:
  - number: "+15550001"
  - number: "+15550002"
    uuid: 8f0e5a7e-1c2b-4b9e-9f5d-1a2b3c4d5e6f
    device_id: 2
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "sigrecv.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "share"))
	return home
}

func TestLoad_File(t *testing.T) {
	isolate(t)
	path := writeConfig(t, t.TempDir(), sampleConfig)

	cfg, err := config.Load(config.LoadOptions{File: path})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Daemon.Address != "/tmp/signal.sock" {
		t.Errorf("Daemon.Address = %q", cfg.Daemon.Address)
	}
	if cfg.Daemon.PollInterval != 20*time.Millisecond {
		t.Errorf("Daemon.PollInterval = %v", cfg.Daemon.PollInterval)
	}
	if cfg.Daemon.CallTimeout != config.DefaultCallTimeout {
		t.Errorf("Daemon.CallTimeout = %v, want default", cfg.Daemon.CallTimeout)
	}
	if cfg.Data.Backend != "sqlite" || cfg.Data.Dir != "/var/lib/sigrecv" {
		t.Errorf("Data = %+v", cfg.Data)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if !cfg.Receive.Journal || !cfg.Receive.Expiry || cfg.Receive.SweepInterval != 0 {
		t.Errorf("Receive = %+v", cfg.Receive)
	}
	if cfg.Receive.MaxUnmatchedReceipts != config.DefaultMaxUnmatchedReceipts {
		t.Errorf("MaxUnmatchedReceipts = %d", cfg.Receive.MaxUnmatchedReceipts)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9464" {
		t.Errorf("Metrics.Listen = %q", cfg.Metrics.Listen)
	}
	if len(cfg.Accounts) != 2 {
		t.Fatalf("got %d accounts, want 2", len(cfg.Accounts))
	}
	acct, ok := cfg.Account("+15550002")
	if !ok {
		t.Fatal("Account(+15550002) not found")
	}
	if acct.DeviceID != 2 || acct.UUID == "" {
		t.Errorf("account = %+v", acct)
	}
	if _, ok := cfg.Account("+19999"); ok {
		t.Error("Account() found an unknown number")
	}
}

func TestLoad_SearchesParents(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	writeConfig(t, root, sampleConfig)
	nested := filepath.Join(root, "x", "y")
	if err := os.MkdirAll(nested, 0750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg, err := config.Load(config.LoadOptions{SearchFrom: nested})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Data.Backend != "sqlite" {
		t.Errorf("config from parent not used: backend = %q", cfg.Data.Backend)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	isolate(t)
	path := writeConfig(t, t.TempDir(), sampleConfig)
	t.Setenv("SIGRECV_DATA_BACKEND", "pebble")
	t.Setenv("SIGRECV_DAEMON_ADDRESS", "127.0.0.1:7583")
	t.Setenv("SIGRECV_RECEIVE_EXPIRY", "false")

	cfg, err := config.Load(config.LoadOptions{File: path})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Data.Backend != "pebble" {
		t.Errorf("Data.Backend = %q, want pebble", cfg.Data.Backend)
	}
	if cfg.Daemon.Address != "127.0.0.1:7583" {
		t.Errorf("Daemon.Address = %q", cfg.Daemon.Address)
	}
	if cfg.Receive.Expiry {
		t.Error("Receive.Expiry should be overridden to false")
	}
}

func TestLoad_EnvFile(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)
	envFile := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envFile, []byte("SIGRECV_LOG_LEVEL=warn\n"), 0600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("SIGRECV_LOG_LEVEL") })

	cfg, err := config.Load(config.LoadOptions{File: path, EnvFile: envFile})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no accounts", "data:\n  backend: file\n"},
		{"bad backend", "data:\n  backend: redis\naccounts:\n  - number: \"+15550001\"\n"},
		{"bad number", "accounts:\n  - number: \"5550001\"\n"},
		{"bad log level", "log:\n  level: loud\naccounts:\n  - number: \"+15550001\"\n"},
		{"bad metrics address", "metrics:\n  listen: nope\naccounts:\n  - number: \"+15550001\"\n"},
		{"bad uuid", "accounts:\n  - number: \"+15550001\"\n    uuid: xyz\n"},
		{"not yaml", "accounts: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := config.Load(config.LoadOptions{File: path})
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !errors.Is(err, config.ErrConfiguration) {
				t.Errorf("error %v does not wrap ErrConfiguration", err)
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := config.Load(config.LoadOptions{File: filepath.Join(t.TempDir(), "nope.yaml")})
	if err == nil {
		t.Fatal("Load() should fail for a missing explicit file")
	}
}
