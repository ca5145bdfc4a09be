package reflection

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
	"skillforge/internal/store"
	"skillforge/internal/synthesis"
)

type countingInvalidator struct {
	calls []string
}

func (c *countingInvalidator) Invalidate(_ context.Context, capability string) (int64, error) {
	c.calls = append(c.calls, capability)
	return 1, nil
}

func newTestEngine(t *testing.T, svc llm.Service) (*Engine, *registry.Registry, *store.Store, *countingInvalidator) {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(filepath.Join(root, "reflection.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mgr, err := policy.NewManager(st)
	require.NoError(t, err)
	reg, err := registry.New(st, embedding.NewLocalEngine(), mgr, filepath.Join(root, "capabilities"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	sb := sandbox.New(10*time.Second, 0)
	synth := synthesis.New(svc, sb, reg, nil)
	inv := &countingInvalidator{}
	return New(st, reg, svc, synth, inv), reg, st, inv
}

func registerTemplate(t *testing.T, reg *registry.Registry, request string) string {
	t.Helper()
	ctx := context.Background()
	svc := llm.NewHeuristicService()
	spec, err := svc.GenerateSpec(ctx, request)
	require.NoError(t, err)
	impl, err := svc.GenerateImplementation(ctx, spec, "")
	require.NoError(t, err)
	tests, err := svc.GenerateTests(ctx, spec)
	require.NoError(t, err)
	specJSON, err := json.Marshal(spec)
	require.NoError(t, err)

	_, err = reg.Register(ctx, registry.Registration{
		Name:        spec.Name,
		Description: spec.Description,
		ImplSource:  impl,
		TestSource:  tests,
		SpecJSON:    string(specJSON),
		Provenance:  store.ProvenanceSynthesized,
	})
	require.NoError(t, err)
	return spec.Name
}

func insertFailure(t *testing.T, st *store.Store, capability, errorText string) string {
	t.Helper()
	id := "exec-" + capability
	require.NoError(t, st.InsertExecution(store.Execution{
		ID:         id,
		SessionID:  "s1",
		Capability: capability,
		Inputs:     `{"base": 100, "percentage": "fifty"}`,
		Success:    false,
		ErrorText:  errorText,
		ErrorKind:  "argument_error",
		LatencyMs:  12,
	}))
	return id
}

func TestAnalyzeFailureOpensReflection(t *testing.T) {
	eng, reg, st, _ := newTestEngine(t, llm.NewHeuristicService())
	name := registerTemplate(t, reg, "What is 25% of 100?")
	execID := insertFailure(t, st, name, "invalid arguments: json: cannot unmarshal string into Go struct field")

	r, err := eng.AnalyzeFailure(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, name, r.Capability)
	assert.Equal(t, "argument_mismatch", r.Classification)
	assert.Equal(t, store.ReflectionOpen, r.Status)
	assert.Contains(t, r.RootCause, name)

	stored, err := st.GetReflection(r.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, execID, stored.ExecutionID)
}

func TestAnalyzeFailureRefusesSuccessAndUnknown(t *testing.T) {
	eng, _, st, _ := newTestEngine(t, llm.NewHeuristicService())
	require.NoError(t, st.InsertExecution(store.Execution{
		ID: "exec-ok", SessionID: "s1", Capability: "reverse_string", Success: true,
	}))

	_, err := eng.AnalyzeFailure(context.Background(), "exec-ok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "succeeded")

	_, err = eng.AnalyzeFailure(context.Background(), "no-such-execution")
	require.Error(t, err)
}

func TestApplyFixRegistersNewVersionAndInvalidatesCache(t *testing.T) {
	eng, reg, st, inv := newTestEngine(t, llm.NewHeuristicService())
	name := registerTemplate(t, reg, "What is 25% of 100?")
	execID := insertFailure(t, st, name, "division by zero in percentage calculation")

	r, err := eng.AnalyzeFailure(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, "arithmetic_error", r.Classification)

	fixed, err := eng.ApplyFix(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, name, fixed.Name)
	assert.Equal(t, 2, fixed.Version)
	assert.Equal(t, store.ProvenanceReflectionFix, fixed.Provenance)

	assert.Equal(t, []string{name}, inv.calls)

	resolved, err := st.GetReflection(r.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReflectionFixed, resolved.Status)
	assert.NotEmpty(t, resolved.RegressionTest)
	assert.NotEmpty(t, resolved.ResolvedAt)

	// The fix was gated on the prior suite plus the regression test.
	_, tests, err := reg.Source(name)
	require.NoError(t, err)
	assert.Contains(t, tests, "runExistingTests")
	assert.Contains(t, tests, "runRegressionTest")

	// A second ApplyFix on the same record is refused.
	_, err = eng.ApplyFix(context.Background(), r.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already resolved")
}

// brokenFixService diagnoses like the offline service but every patch
// it proposes fails its own tests.
type brokenFixService struct {
	*llm.HeuristicService
}

func (b *brokenFixService) RegenerateWithFeedback(context.Context, *llm.Spec, string, string) (string, error) {
	return `package main

import "errors"

func Run(args string) (string, error) {
	return "", errors.New("still broken")
}
`, nil
}

func TestApplyFixRejectsUnverifiablePatch(t *testing.T) {
	svc := &brokenFixService{llm.NewHeuristicService()}
	eng, reg, st, inv := newTestEngine(t, svc)
	name := registerTemplate(t, reg, "What is 25% of 100?")
	execID := insertFailure(t, st, name, "index out of range in result handling")

	r, err := eng.AnalyzeFailure(context.Background(), execID)
	require.NoError(t, err)

	_, err = eng.ApplyFix(context.Background(), r.ID)
	require.Error(t, err)
	var verr *synthesis.ErrVerificationFailed
	assert.True(t, errors.As(err, &verr))

	resolved, err := st.GetReflection(r.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ReflectionRejected, resolved.Status)

	// The capability is untouched and the cache was not cleared.
	cap, err := reg.Get(name)
	require.NoError(t, err)
	assert.Equal(t, 1, cap.Version)
	assert.Equal(t, store.ProvenanceSynthesized, cap.Provenance)
	assert.Empty(t, inv.calls)
}

func TestMergedSuiteEnforcesExistingBehavior(t *testing.T) {
	existing := `package main

import "fmt"

func RunTests() error {
	got, err := Run(` + "`" + `{"n": 1}` + "`" + `)
	if err != nil {
		return err
	}
	if got != "2" {
		return fmt.Errorf("Run(1) = %s, want 2", got)
	}
	return nil
}
`
	regression := `package main

import "fmt"

func RunTests() error {
	got, err := Run(` + "`" + `{"n": 0}` + "`" + `)
	if err != nil {
		return err
	}
	if got != "0" {
		return fmt.Errorf("Run(0) = %s, want 0", got)
	}
	return nil
}
`
	// A patch that only satisfies the regression case must not pass.
	zeroOnly := `package main

func Run(args string) (string, error) {
	return "0", nil
}
`
	doubler := `package main

import (
	"encoding/json"
	"fmt"
)

func Run(args string) (string, error) {
	var in struct {
		N float64 ` + "`json:\"n\"`" + `
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %v", err)
	}
	out, err := json.Marshal(in.N * 2)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
`

	suite := mergeSuites(existing, regression)
	sb := sandbox.New(10*time.Second, 0)
	ctx := context.Background()

	report, err := sb.Verify(ctx, zeroOnly, suite)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Contains(t, report.Failure, "want 2")

	report, err = sb.Verify(ctx, doubler, suite)
	require.NoError(t, err)
	assert.True(t, report.Passed, report.Failure)
}

func TestSweepResolvesOpenReflections(t *testing.T) {
	eng, reg, st, _ := newTestEngine(t, llm.NewHeuristicService())
	name := registerTemplate(t, reg, "Reverse the word hello")

	for _, id := range []string{"a", "b"} {
		require.NoError(t, st.InsertExecution(store.Execution{
			ID: "exec-" + id, SessionID: "s1", Capability: name,
			Success: false, ErrorText: "timeout waiting for result",
		}))
		_, err := eng.AnalyzeFailure(context.Background(), "exec-"+id)
		require.NoError(t, err)
	}

	fixed, rejected, err := eng.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fixed)
	assert.Equal(t, 0, rejected)

	open, err := st.OpenReflections()
	require.NoError(t, err)
	assert.Empty(t, open)
}
