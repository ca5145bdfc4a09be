package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func resetLogging() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	workspace = ""
	config = loggingConfig{}
	logLevel = LevelInfo
}

func writeLoggingConfig(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, ".skillforge")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.json"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func TestDebugModeCreatesLogFiles(t *testing.T) {
	tempDir := t.TempDir()
	writeLoggingConfig(t, tempDir, `{"logging": {"level": "debug", "debug_mode": true}}`)

	resetLogging()
	defer resetLogging()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("Expected debug mode to be enabled")
	}

	Registry("capability registered: %s", "calculate_percentage")
	SandboxDebug("verification started")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(tempDir, ".skillforge", "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	if len(entries) == 0 {
		t.Error("Expected log files to be created in debug mode")
	}
}

func TestProductionModeIsNoOp(t *testing.T) {
	tempDir := t.TempDir()

	resetLogging()
	defer resetLogging()

	// No config file at all: logging must silently disable itself.
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Initialize should not fail without config: %v", err)
	}
	if IsDebugMode() {
		t.Error("Expected debug mode to be disabled without config")
	}

	// Logging calls must not create any files.
	Orchestrator("request handled")
	if _, err := os.Stat(filepath.Join(tempDir, ".skillforge", "logs")); !os.IsNotExist(err) {
		t.Error("Expected no logs directory in production mode")
	}
}

func TestCategoryFilter(t *testing.T) {
	tempDir := t.TempDir()
	writeLoggingConfig(t, tempDir, `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {"registry": true, "sandbox": false}
		}
	}`)

	resetLogging()
	defer resetLogging()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsCategoryEnabled(CategoryRegistry) {
		t.Error("registry category should be enabled")
	}
	if IsCategoryEnabled(CategorySandbox) {
		t.Error("sandbox category should be disabled")
	}
	// Unlisted categories default to enabled.
	if !IsCategoryEnabled(CategoryPlanner) {
		t.Error("unlisted category should default to enabled")
	}
}

func TestTimerStop(t *testing.T) {
	resetLogging()
	defer resetLogging()

	timer := StartTimer(CategoryStore, "upsert")
	elapsed := timer.Stop()
	if elapsed < 0 {
		t.Errorf("Expected non-negative elapsed time, got %v", elapsed)
	}
}
