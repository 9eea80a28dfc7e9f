package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PLANNER_POLICY_FILE", "")
	t.Setenv("SESSION_TTL", "90m")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("EXTRACTION_RETRY_BASE", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.Port)
	}
	if cfg.SessionTTL != 90*time.Minute {
		t.Errorf("Expected TTL 90m, got %s", cfg.SessionTTL)
	}
	if cfg.Extraction.RetryBase != 3*time.Second {
		t.Errorf("Expected bare integer as seconds, got %s", cfg.Extraction.RetryBase)
	}
	if cfg.Extraction.MaxRetries != 5 || cfg.Ingestion.MaxChunkChars != 18000 {
		t.Errorf("Unexpected defaults: %+v %+v", cfg.Extraction, cfg.Ingestion)
	}
	if cfg.Policy != DefaultPolicy() {
		t.Errorf("Expected default policy, got %+v", cfg.Policy)
	}
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	t.Setenv("PLANNER_POLICY_FILE", "")
	t.Setenv("LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Error("Expected error for invalid LOG_LEVEL")
	}
}

func TestLoadPolicyOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := "daily_study_cap_minutes: 180\nallow_cap_widening: false\npreferred_rest_day: Sunday\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}
	if p.DailyCap != 180 || p.AllowWidening || p.RestDay != "Sunday" {
		t.Errorf("Expected overrides applied, got %+v", p)
	}
	if p.HardDailyCap != 480 || p.MaxBlock != 90 {
		t.Errorf("Expected untouched defaults, got %+v", p)
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Policy)
		want   string
	}{
		{"cap above a day", func(p *Policy) { p.DailyCap = 2000 }, "daily_study_cap_minutes"},
		{"blocks inverted", func(p *Policy) { p.MaxBlock = 10 }, "max_block_minutes"},
		{"hard cap below base", func(p *Policy) { p.HardDailyCap = 100 }, "hard_daily_cap_minutes"},
		{"unknown rest day", func(p *Policy) { p.RestDay = "Caturday" }, "preferred_rest_day"},
		{"fraction above one", func(p *Policy) { p.RestFraction = 2 }, "rest_day_capacity_fraction"},
		{"estimate bounds", func(p *Policy) { p.EstimateMin = 0 }, "estimate bounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPolicy()
			tt.modify(&p)
			err := p.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("Expected default policy to be valid, got %v", err)
	}
}

func TestLoadPolicyBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("daily_study_cap_minutes: [1, 2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Error("Expected parse error")
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected read error")
	}
}
