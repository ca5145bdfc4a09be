package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestJoinArgs(t *testing.T) {
	assert.Equal(t, "", joinArgs(nil))
	assert.Equal(t, "one", joinArgs([]string{"one"}))
	assert.Equal(t, "what is 25% of 80", joinArgs([]string{"what", "is", "25%", "of", "80"}))
}

// The default config with no API key downgrades to the offline
// provider and the whole loop still works.
func TestBuildSystemWithoutCredentials(t *testing.T) {
	logger = zap.NewNop()
	root := t.TempDir()
	configPath = filepath.Join(root, "skillforge.yaml")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("SKILLFORGE_DB", filepath.Join(root, "skillforge.db"))
	t.Setenv("SKILLFORGE_CAPS_DIR", filepath.Join(root, "capabilities"))
	t.Setenv("REDIS_ADDR", "")

	sys, err := buildSystem(context.Background())
	require.NoError(t, err)
	defer sys.Close()

	assert.Equal(t, "heuristic", sys.cfg.LLM.Provider)

	resp, err := sys.orch.Handle(context.Background(), "cli-test", "What is 50% of 40?")
	require.NoError(t, err)
	assert.Equal(t, "Result: 20", resp.Reply)
}
