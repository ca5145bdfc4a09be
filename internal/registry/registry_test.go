package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/embedding"
	"skillforge/internal/policy"
	"skillforge/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store, string) {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(filepath.Join(root, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr, err := policy.NewManager(st)
	require.NoError(t, err)

	dir := filepath.Join(root, "capabilities")
	reg, err := New(st, embedding.NewLocalEngine(), mgr, dir)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg, st, dir
}

func register(t *testing.T, reg *Registry, name, description string) *store.Capability {
	t.Helper()
	cap, err := reg.Register(context.Background(), Registration{
		Name:        name,
		Description: description,
		ImplSource:  "package main\n\nfunc Run(args string) (string, error) { return args, nil }\n",
		TestSource:  "package main\n\nfunc RunTests() error { return nil }\n",
		Provenance:  store.ProvenanceSynthesized,
	})
	require.NoError(t, err)
	return cap
}

func TestRegisterWritesFilesAndIndex(t *testing.T) {
	reg, _, dir := newTestRegistry(t)

	cap := register(t, reg, "calculate_percentage", "computes a percentage of a base value")
	assert.Equal(t, 1, cap.Version)
	assert.FileExists(t, filepath.Join(dir, "calculate_percentage.go"))
	assert.FileExists(t, filepath.Join(dir, "calculate_percentage_tests.go"))
	assert.NotEmpty(t, cap.Embedding)
}

func TestRegisterExistingArchivesPrevious(t *testing.T) {
	reg, st, dir := newTestRegistry(t)

	register(t, reg, "reverse_string", "reverses a string")
	cap := register(t, reg, "reverse_string", "reverses a string")
	assert.Equal(t, 2, cap.Version)

	assert.FileExists(t, filepath.Join(dir, "reverse_string@v1.go"))
	archived, err := st.GetCapability("reverse_string@v1")
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.False(t, archived.IsCurrent)
}

func TestGetSelfHealsMissingFile(t *testing.T) {
	reg, st, dir := newTestRegistry(t)

	register(t, reg, "count_words", "counts words in text")
	require.NoError(t, os.Remove(filepath.Join(dir, "count_words.go")))

	cap, err := reg.Get("count_words")
	require.NoError(t, err)
	assert.Nil(t, cap)

	// The stale row is gone too.
	row, err := st.GetCapability("count_words")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestSearchThresholdAndRerank(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	ctx := context.Background()

	register(t, reg, "calculate_percentage", "computes a percentage of a base value")
	register(t, reg, "reverse_string", "reverses the characters of a string")

	matches, err := reg.Search(ctx, "what percentage of a base value", 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "calculate_percentage", matches[0].Capability.Name)
	for _, m := range matches {
		assert.GreaterOrEqual(t, m.Similarity, 0.4)
	}

	// A strong track record lifts the score above raw similarity-only
	// ordering for a capability with history.
	for i := 0; i < 10; i++ {
		require.NoError(t, st.InsertExecution(store.Execution{
			ID: fmt.Sprintf("exec-%d", i), SessionID: "s",
			Capability: "calculate_percentage", Success: true, LatencyMs: 5,
			CreatedAt: time.Now(),
		}))
	}
	matches, err = reg.Search(ctx, "what percentage of a base value", 5)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	top := matches[0]
	assert.Equal(t, "calculate_percentage", top.Capability.Name)
	assert.Greater(t, top.Score, top.Similarity*0.7) // success and frequency terms contribute
}

func TestSearchNothingAboveThreshold(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	register(t, reg, "calculate_percentage", "computes a percentage of a base value")

	matches, err := reg.Search(context.Background(), "fold origami cranes", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCleanupOrphans(t *testing.T) {
	reg, st, dir := newTestRegistry(t)

	register(t, reg, "is_prime", "tests whether a number is prime")

	// Orphaned file: on disk, not in the index.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.go"), []byte("package main\n"), 0o644))

	// Orphaned row: the implementation was deleted out from under the
	// index. The surviving tests file must not keep the row alive.
	register(t, reg, "sum_numbers", "adds two numbers")
	require.NoError(t, os.Remove(filepath.Join(dir, "sum_numbers.go")))

	files, rows, err := reg.CleanupOrphans()
	require.NoError(t, err)
	assert.Equal(t, 2, files, "stray.go and the leftover sum_numbers_tests.go")
	assert.Equal(t, 1, rows)

	assert.NoFileExists(t, filepath.Join(dir, "stray.go"))
	assert.NoFileExists(t, filepath.Join(dir, "sum_numbers_tests.go"))
	row, err := st.GetCapability("sum_numbers")
	require.NoError(t, err)
	assert.Nil(t, row)

	// The healthy capability is untouched.
	cap, err := reg.Get("is_prime")
	require.NoError(t, err)
	require.NotNil(t, cap)
}

func TestRemoveDeletesEverything(t *testing.T) {
	reg, _, dir := newTestRegistry(t)

	register(t, reg, "reverse_string", "reverses a string")
	register(t, reg, "reverse_string", "reverses a string") // creates @v1 archive

	require.NoError(t, reg.Remove("reverse_string"))
	assert.NoFileExists(t, filepath.Join(dir, "reverse_string.go"))
	assert.NoFileExists(t, filepath.Join(dir, "reverse_string@v1.go"))

	cap, err := reg.Get("reverse_string")
	require.NoError(t, err)
	assert.Nil(t, cap)
}
