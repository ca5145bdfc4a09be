package executor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/embedding"
	"skillforge/internal/llm"
	"skillforge/internal/policy"
	"skillforge/internal/registry"
	"skillforge/internal/sandbox"
	"skillforge/internal/skillgraph"
	"skillforge/internal/store"
)

func newTestExecutor(t *testing.T) (*Executor, *registry.Registry, *store.Store) {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(filepath.Join(root, "executor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr, err := policy.NewManager(st)
	require.NoError(t, err)
	reg, err := registry.New(st, embedding.NewLocalEngine(), mgr, filepath.Join(root, "capabilities"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	svc := llm.NewHeuristicService()
	sb := sandbox.New(10*time.Second, 0)
	return New(reg, sb, svc, st), reg, st
}

func registerTemplate(t *testing.T, reg *registry.Registry, request string) string {
	t.Helper()
	ctx := context.Background()
	svc := llm.NewHeuristicService()
	spec, err := svc.GenerateSpec(ctx, request)
	require.NoError(t, err)
	impl, err := svc.GenerateImplementation(ctx, spec, "")
	require.NoError(t, err)
	specJSON, err := json.Marshal(spec)
	require.NoError(t, err)

	_, err = reg.Register(ctx, registry.Registration{
		Name:        spec.Name,
		Description: spec.Description,
		ImplSource:  impl,
		SpecJSON:    string(specJSON),
		Provenance:  store.ProvenanceSynthesized,
	})
	require.NoError(t, err)
	return spec.Name
}

func TestExecuteSuccess(t *testing.T) {
	exec, reg, st := newTestExecutor(t)
	name := registerTemplate(t, reg, "What is 25% of 100?")

	res, err := exec.Execute(context.Background(), Request{
		SessionID:   "s1",
		Capability:  name,
		RequestText: "What is 25% of 200?",
	})
	require.NoError(t, err)
	assert.Equal(t, "50", res.Output)
	assert.Equal(t, 50.0, res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.NotEmpty(t, res.ExecutionID)

	rows, err := st.SessionExecutions("s1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Success)
	assert.Equal(t, name, rows[0].Capability)
}

func TestExecuteContextHintFeedsArguments(t *testing.T) {
	exec, reg, _ := newTestExecutor(t)
	name := registerTemplate(t, reg, "reverse a string")

	res, err := exec.Execute(context.Background(), Request{
		SessionID:   "s1",
		Capability:  name,
		RequestText: "now reverse that as text",
		ContextHint: "50",
	})
	require.NoError(t, err)
	assert.Equal(t, `"05"`, res.Output)
}

func TestExecuteArgumentErrorNotRetried(t *testing.T) {
	exec, reg, st := newTestExecutor(t)
	name := registerTemplate(t, reg, "What is 25% of 100?")

	_, err := exec.Execute(context.Background(), Request{
		SessionID:   "s2",
		Capability:  name,
		RequestText: "take a percentage of something",
	})
	require.Error(t, err)
	var argErr *ArgumentError
	assert.ErrorAs(t, err, &argErr)

	// Exactly one attempt in the log, marked as an argument error.
	rows, err := st.SessionExecutions("s2")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Equal(t, "argument_error", rows[0].ErrorKind)
}

func TestExecuteRetriesRuntimeFailures(t *testing.T) {
	exec, reg, st := newTestExecutor(t)

	failing := `package main

import "errors"

func Run(args string) (string, error) {
	return "", errors.New("downstream data source unavailable")
}
`
	spec := &llm.Spec{Name: "flaky_fetch", Description: "always fails"}
	specJSON, _ := json.Marshal(spec)
	_, err := reg.Register(context.Background(), registry.Registration{
		Name:        spec.Name,
		Description: spec.Description,
		ImplSource:  failing,
		SpecJSON:    string(specJSON),
	})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), Request{
		SessionID:   "s3",
		Capability:  "flaky_fetch",
		RequestText: "fetch it",
	})
	require.Error(t, err)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "runtime_error", execErr.Kind)

	// Initial attempt plus both retries are all recorded.
	rows, err := st.SessionExecutions("s3")
	require.NoError(t, err)
	assert.Len(t, rows, maxRetries+1)
}

func TestExecuteUnknownCapability(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	_, err := exec.Execute(context.Background(), Request{
		SessionID:   "s4",
		Capability:  "does_not_exist",
		RequestText: "anything",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestClassify(t *testing.T) {
	err := classify("cap", sandbox.ErrTimeout)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "timeout", execErr.Kind)

	err = classify("cap", errors.New("invalid arguments: missing base"))
	var argErr *ArgumentError
	assert.ErrorAs(t, err, &argErr)
}

func TestExecuteServesRepeatsFromCache(t *testing.T) {
	exec, reg, st := newTestExecutor(t)
	mgr, err := policy.NewManager(st)
	require.NoError(t, err)
	exec.SetCache(skillgraph.NewCache(skillgraph.NewSQLiteBackend(st), mgr))
	name := registerTemplate(t, reg, "What is 25% of 100?")

	req := Request{SessionID: "s1", Capability: name, RequestText: "What is 25% of 200?"}
	first, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, 1, first.Attempts)

	second, err := exec.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 0, second.Attempts)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, first.Value, second.Value)

	// The cached reply skipped the sandbox and the execution log.
	rows, err := st.SessionExecutions("s1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
