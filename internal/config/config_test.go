package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Linker.LinkThreshold != 0.3 || cfg.Linker.ReactivationThreshold != 0.5 {
		t.Errorf("thresholds = %v/%v", cfg.Linker.LinkThreshold, cfg.Linker.ReactivationThreshold)
	}
	if got := cfg.Linker.ParseMaxGap(); got != 7*24*time.Hour {
		t.Errorf("max gap = %v, want 168h", got)
	}
	if got := cfg.Linker.ParseReactivationWindow(); got != 30*24*time.Hour {
		t.Errorf("reactivation window = %v, want 720h", got)
	}
	if got := cfg.Sweep.ParseInterval(); got != time.Hour {
		t.Errorf("sweep interval = %v, want 1h", got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  path: /var/lib/threadline/data.db
server:
  port: 9090
linker:
  link_threshold: 0.4
  max_gap: 72h
costs:
  default:
    request_micros_per_1k: 1000
    response_micros_per_1k: 3000
  providers:
    openai:
      request_micros_per_1k: 2500
      response_micros_per_1k: 10000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/var/lib/threadline/data.db" {
		t.Errorf("db path = %s", cfg.Database.Path)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Linker.LinkThreshold != 0.4 {
		t.Errorf("link threshold = %v, want 0.4", cfg.Linker.LinkThreshold)
	}
	if got := cfg.Linker.ParseMaxGap(); got != 72*time.Hour {
		t.Errorf("max gap = %v, want 72h", got)
	}
	// Unset fields keep their defaults.
	if cfg.Linker.ReactivationThreshold != 0.5 {
		t.Errorf("reactivation threshold = %v, want default 0.5", cfg.Linker.ReactivationThreshold)
	}
	if cfg.Costs.Providers["openai"].ResponseMicrosPer1K != 10000 {
		t.Errorf("openai rate = %+v", cfg.Costs.Providers["openai"])
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("THREADLINE_DB_PATH", "/tmp/override.db")
	t.Setenv("THREADLINE_PORT", "7070")
	t.Setenv("THREADLINE_LINK_THRESHOLD", "0.25")
	t.Setenv("THREADLINE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("db path = %s", cfg.Database.Path)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Linker.LinkThreshold != 0.25 {
		t.Errorf("link threshold = %v, want 0.25", cfg.Linker.LinkThreshold)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s, want debug", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("missing file did not error")
	}
}

func TestDurationFallbacks(t *testing.T) {
	l := LinkerConfig{MaxGap: "not-a-duration"}
	if got := l.ParseMaxGap(); got != 7*24*time.Hour {
		t.Errorf("bad max gap fell back to %v", got)
	}
	s := SweepConfig{}
	if got := s.ParseInterval(); got != time.Hour {
		t.Errorf("empty interval fell back to %v", got)
	}
}
