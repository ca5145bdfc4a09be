package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Name != "skillforge" {
		t.Errorf("Expected name skillforge, got %s", cfg.Name)
	}
	if cfg.GetVerifyTimeout() != 30*time.Second {
		t.Errorf("Expected 30s verify timeout, got %v", cfg.GetVerifyTimeout())
	}
	if cfg.GetCacheTTL() != time.Hour {
		t.Errorf("Expected 1h cache TTL, got %v", cfg.GetCacheTTL())
	}
	if cfg.Cache.Backend != "sqlite" {
		t.Errorf("Expected sqlite cache backend, got %s", cfg.Cache.Backend)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load should not fail on missing file: %v", err)
	}
	if cfg.Store.DatabasePath != "data/skillforge.db" {
		t.Errorf("Expected default database path, got %s", cfg.Store.DatabasePath)
	}
}

func TestLoadAndSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "skillforge.yaml")

	cfg := DefaultConfig()
	cfg.Store.DatabasePath = "custom/forge.db"
	cfg.Sandbox.VerifyTimeout = "5s"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Store.DatabasePath != "custom/forge.db" {
		t.Errorf("Expected custom database path, got %s", loaded.Store.DatabasePath)
	}
	if loaded.GetVerifyTimeout() != 5*time.Second {
		t.Errorf("Expected 5s verify timeout, got %v", loaded.GetVerifyTimeout())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SKILLFORGE_DB", "/tmp/env.db")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.DatabasePath != "/tmp/env.db" {
		t.Errorf("Expected env database path, got %s", cfg.Store.DatabasePath)
	}
	if cfg.Cache.Backend != "redis" {
		t.Errorf("Expected redis backend after REDIS_ADDR, got %s", cfg.Cache.Backend)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.Provider = "heuristic"
	if err := cfg.Validate(); err != nil {
		t.Errorf("heuristic provider should validate without key: %v", err)
	}

	cfg.LLM.Provider = "gemini"
	cfg.LLM.APIKey = ""
	os.Unsetenv("GEMINI_API_KEY")
	if err := cfg.Validate(); err == nil {
		t.Error("gemini provider without key should fail validation")
	}

	cfg.LLM.Provider = "nonsense"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown provider should fail validation")
	}
}
