package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreComplete(t *testing.T) {
	cfg := Defaults()
	if cfg.Retrieval.SemanticWeight+cfg.Retrieval.LexicalWeight != 1.0 {
		t.Errorf("default blend weights should sum to 1, got %f/%f",
			cfg.Retrieval.SemanticWeight, cfg.Retrieval.LexicalWeight)
	}
	if cfg.Board.QuietStartHour != 22 || cfg.Board.QuietEndHour != 8 {
		t.Errorf("quiet hours default should be 22-08, got %d-%d",
			cfg.Board.QuietStartHour, cfg.Board.QuietEndHour)
	}
	if cfg.LLM.Timeout != 30*time.Second {
		t.Errorf("LLM timeout default should be 30s, got %s", cfg.LLM.Timeout)
	}
	if cfg.Decay.CategoryRates["event"] >= cfg.Decay.CategoryRates["relationship"] {
		t.Error("event half-life must be shorter than relationship")
	}
}

func TestLoadOverridesSelectively(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	yaml := "state_path: /tmp/other\nboard:\n  quiet_start_hour: 23\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StatePath != "/tmp/other" || cfg.Board.QuietStartHour != 23 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Retrieval.MMRLambda != 0.5 {
		t.Errorf("untouched defaults should persist, got %f", cfg.Retrieval.MMRLambda)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Board.SweepInterval != 60*time.Second {
		t.Errorf("defaults expected, got %s", cfg.Board.SweepInterval)
	}
}
