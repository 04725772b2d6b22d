package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Router.Mode != "hedged" {
		t.Errorf("expected hedged mode, got %s", cfg.Router.Mode)
	}
	if cfg.Router.HedgedTimeout != 8*time.Second {
		t.Errorf("expected 8s hedged timeout, got %s", cfg.Router.HedgedTimeout)
	}
	if cfg.Router.TotalBudget != 180*time.Second {
		t.Errorf("expected 180s budget, got %s", cfg.Router.TotalBudget)
	}
	if cfg.Router.MaxConcurrentPerProvider != 10 {
		t.Errorf("expected 10 per-provider slots, got %d", cfg.Router.MaxConcurrentPerProvider)
	}
	if cfg.Value.MinAcceptablePerMin <= 0 {
		t.Error("expected positive min acceptable value rate")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pilot.yaml")
	data := `
server:
  addr: ":9090"
router:
  mode: single
providers:
  anthropic:
    model: claude-sonnet-4-5
    max_tokens: 8192
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Server.Addr)
	}
	if cfg.Router.Mode != "single" {
		t.Errorf("expected single, got %s", cfg.Router.Mode)
	}
	if cfg.Providers["anthropic"].Model != "claude-sonnet-4-5" {
		t.Errorf("provider model not loaded: %+v", cfg.Providers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLM_ROUTER_MODE", "single")
	t.Setenv("LLM_HEDGED_TIMEOUT_MS", "2500")
	t.Setenv("LLM_MAX_CONCURRENT_PER_PROVIDER", "3")
	t.Setenv("VALUE_BASE_RATE_PER_MIN", "1.25")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Router.Mode != "single" {
		t.Errorf("env mode override lost: %s", cfg.Router.Mode)
	}
	if cfg.Router.HedgedTimeout != 2500*time.Millisecond {
		t.Errorf("expected 2.5s, got %s", cfg.Router.HedgedTimeout)
	}
	if cfg.Router.MaxConcurrentPerProvider != 3 {
		t.Errorf("expected 3, got %d", cfg.Router.MaxConcurrentPerProvider)
	}
	if cfg.Value.BaseRatePerMin != 1.25 {
		t.Errorf("expected 1.25, got %f", cfg.Value.BaseRatePerMin)
	}
	if cfg.Providers["anthropic"].APIKey != "sk-test" {
		t.Error("provider api key not applied from env")
	}
}

func TestMissingFileIsNotFatal(t *testing.T) {
	if _, err := Load("/nonexistent/pilot.yaml"); err != nil {
		t.Fatalf("expected missing file tolerated, got %v", err)
	}
}
