package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfile := filepath.Join(dir, "toughwa.yml")
	content := `
system:
  workdir: ` + dir + `
web:
  port: 9000
session:
  max_auto_reconnects: 5
`
	if err := os.WriteFile(cfile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(cfile)
	if cfg.Web.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Web.Port)
	}
	if cfg.Session.MaxAutoReconnects != 5 {
		t.Fatalf("expected 5 auto reconnects, got %d", cfg.Session.MaxAutoReconnects)
	}
	if cfg.Session.DrainInterval() != time.Second {
		t.Fatalf("expected default drain interval, got %s", cfg.Session.DrainInterval())
	}
	if cfg.Database.Type != "bolt" {
		t.Fatalf("expected bolt driver, got %q", cfg.Database.Type)
	}
	if _, err := os.Stat(cfg.GetMetricsDir()); err != nil {
		t.Fatalf("metrics dir not created: %v", err)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TOUGHWA_SYSTEM_WORKER_DIR", dir)
	t.Setenv("TOUGHWA_WEB_PORT", "7777")
	t.Setenv("TOUGHWA_METRICS_ENABLE", "false")
	t.Setenv("TOUGHWA_SESSION_MAX_AUTO_RECONNECTS", "not-a-number")

	cfg := LoadConfig(filepath.Join(dir, "missing.yml"))
	if cfg.System.Workdir != dir {
		t.Fatalf("workdir override ignored: %s", cfg.System.Workdir)
	}
	if cfg.Web.Port != 7777 {
		t.Fatalf("expected port 7777, got %d", cfg.Web.Port)
	}
	if cfg.Metrics.Enable {
		t.Fatal("expected metrics disabled")
	}
	if cfg.Session.MaxAutoReconnects != DefaultAppConfig.Session.MaxAutoReconnects {
		t.Fatalf("invalid int override should be ignored, got %d", cfg.Session.MaxAutoReconnects)
	}
}
