package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quikbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
quik:
  host: 192.168.1.7
  stop_steps: 5
account:
  client_code: D61904
  firm_id: MC0063200000
  trade_account_id: L01-00000F00
  limit_kind: 2
  futures: false
storage:
  sqlite_path: /tmp/qb.db
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.QUIK.Host != "192.168.1.7" {
		t.Errorf("QUIK.Host = %q, want %q", cfg.QUIK.Host, "192.168.1.7")
	}
	if cfg.QUIK.StopSteps != 5 {
		t.Errorf("QUIK.StopSteps = %d, want 5", cfg.QUIK.StopSteps)
	}
	// Unset fields keep their defaults.
	if cfg.QUIK.RequestsPort != 34130 {
		t.Errorf("QUIK.RequestsPort = %d, want default 34130", cfg.QUIK.RequestsPort)
	}
	if cfg.Account.ClientCode != "D61904" {
		t.Errorf("Account.ClientCode = %q, want %q", cfg.Account.ClientCode, "D61904")
	}
	if cfg.Account.Futures {
		t.Error("Account.Futures = true, want false")
	}
	if cfg.Storage.SQLitePath != "/tmp/qb.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/qb.db")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "quik:\n  host: 10.0.0.1\n")

	t.Setenv("QUIK_HOST", "10.0.0.2")
	t.Setenv("QUIK_CLIENT_CODE", "ABC123")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.QUIK.Host != "10.0.0.2" {
		t.Errorf("QUIK.Host = %q, want env override %q", cfg.QUIK.Host, "10.0.0.2")
	}
	if cfg.Account.ClientCode != "ABC123" {
		t.Errorf("Account.ClientCode = %q, want %q", cfg.Account.ClientCode, "ABC123")
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestDefaultClassifier(t *testing.T) {
	cfg := Default()

	if cfg.Replies.AcceptedStatus != 15 {
		t.Errorf("AcceptedStatus = %d, want 15", cfg.Replies.AcceptedStatus)
	}
	if len(cfg.Replies.FailureStatuses) == 0 {
		t.Fatal("FailureStatuses should not be empty by default")
	}
	if len(cfg.Replies.Benign) < 2 {
		t.Fatal("default Benign rules should cover the cancel-race cases")
	}
}
