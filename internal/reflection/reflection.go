// Package reflection turns execution failures into capability fixes.
// A failed execution is diagnosed into a classification and root cause,
// recorded as an open reflection, and later resolved by regenerating
// the implementation against the capability's existing test suite plus
// a regression test derived from the failing inputs. Fixes pass
// through the same verification gate as fresh synthesis; a fix that
// cannot be verified closes the record as rejected rather than
// shipping unproven code.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"skillforge/internal/llm"
	"skillforge/internal/logging"
	"skillforge/internal/registry"
	"skillforge/internal/sandbox"
	"skillforge/internal/store"
	"skillforge/internal/synthesis"
)

// Invalidator clears cached results for a capability. Satisfied by the
// skillgraph result cache.
type Invalidator interface {
	Invalidate(ctx context.Context, capability string) (int64, error)
}

// Engine diagnoses failures and applies verified fixes.
type Engine struct {
	store    *store.Store
	registry *registry.Registry
	llm      llm.Service
	synth    *synthesis.Engine
	cache    Invalidator // may be nil
}

// New wires a reflection engine. cache may be nil when no result cache
// is in play.
func New(st *store.Store, reg *registry.Registry, svc llm.Service, synth *synthesis.Engine, cache Invalidator) *Engine {
	return &Engine{store: st, registry: reg, llm: svc, synth: synth, cache: cache}
}

// AnalyzeFailure diagnoses a failed execution and records an open
// reflection. Successful executions are not analyzable.
func (e *Engine) AnalyzeFailure(ctx context.Context, executionID string) (*store.Reflection, error) {
	exec, err := e.store.GetExecution(executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, fmt.Errorf("execution %s not found", executionID)
	}
	if exec.Success {
		return nil, fmt.Errorf("execution %s succeeded; nothing to analyze", executionID)
	}

	implSource := ""
	if impl, _, err := e.registry.Source(exec.Capability); err == nil {
		implSource = impl
	}

	diagnosis, err := e.llm.DiagnoseFailure(ctx, exec.Capability, implSource, exec.ErrorText, exec.Inputs)
	if err != nil {
		return nil, fmt.Errorf("diagnosis failed: %w", err)
	}

	r := store.Reflection{
		ID:             uuid.NewString(),
		ExecutionID:    exec.ID,
		Capability:     exec.Capability,
		Classification: diagnosis.Classification,
		RootCause:      diagnosis.RootCause,
		ProposedPatch:  diagnosis.Patch,
		Status:         store.ReflectionOpen,
	}
	if err := e.store.InsertReflection(r); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryReflection).Info("opened reflection %s for %s (%s)", r.ID, r.Capability, r.Classification)
	return &r, nil
}

// ApplyFix attempts to repair the capability behind an open reflection.
// The patched implementation must pass the capability's existing test
// suite plus a regression test generated from the failing inputs before
// it replaces the current version; the old version stays archived and
// cached results for the capability are dropped. The reflection closes
// as fixed or rejected either way.
func (e *Engine) ApplyFix(ctx context.Context, reflectionID string) (*store.Capability, error) {
	r, err := e.store.GetReflection(reflectionID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("reflection %s not found", reflectionID)
	}
	if r.Status != store.ReflectionOpen {
		return nil, fmt.Errorf("reflection %s already resolved as %s", reflectionID, r.Status)
	}

	cap, err := e.registry.Get(r.Capability)
	if err != nil {
		return nil, err
	}
	if cap == nil {
		_ = e.store.ResolveReflection(r.ID, store.ReflectionRejected)
		return nil, fmt.Errorf("capability %s no longer registered", r.Capability)
	}
	implSource, testSource, err := e.registry.Source(r.Capability)
	if err != nil {
		return nil, err
	}
	spec := specFor(cap)

	inputs := ""
	if exec, err := e.store.GetExecution(r.ExecutionID); err == nil && exec != nil {
		inputs = exec.Inputs
	}

	regression, err := e.llm.GenerateRegressionTest(ctx, spec, r.RootCause, inputs)
	if err != nil {
		return e.reject(r, fmt.Errorf("regression test generation failed: %w", err))
	}
	r.RegressionTest = regression
	if err := e.store.InsertReflection(*r); err != nil {
		return nil, err
	}

	patch := r.ProposedPatch
	if patch == "" {
		patch, err = e.llm.RegenerateWithFeedback(ctx, spec, implSource, r.RootCause)
		if err != nil {
			return e.reject(r, fmt.Errorf("patch generation failed: %w", err))
		}
	}

	// The patch must keep passing what the capability already proved,
	// not just the regression case.
	fixed, err := e.synth.VerifyAndRegister(ctx, spec, patch, mergeSuites(testSource, regression), store.ProvenanceReflectionFix, "")
	if err != nil {
		return e.reject(r, err)
	}

	if e.cache != nil {
		if _, err := e.cache.Invalidate(ctx, r.Capability); err != nil {
			logging.Get(logging.CategoryReflection).Warn("cache invalidation for %s failed: %v", r.Capability, err)
		}
	}
	if err := e.store.ResolveReflection(r.ID, store.ReflectionFixed); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryReflection).Info("reflection %s fixed %s at v%d", r.ID, fixed.Name, fixed.Version)
	return fixed, nil
}

// Sweep analyzes and attempts to fix every open reflection, oldest
// first. Individual failures do not stop the sweep.
func (e *Engine) Sweep(ctx context.Context) (fixed, rejected int, err error) {
	open, err := e.store.OpenReflections()
	if err != nil {
		return 0, 0, err
	}
	for _, r := range open {
		if _, err := e.ApplyFix(ctx, r.ID); err != nil {
			rejected++
			continue
		}
		fixed++
	}
	return fixed, rejected, nil
}

func (e *Engine) reject(r *store.Reflection, cause error) (*store.Capability, error) {
	logging.Get(logging.CategoryReflection).Warn("reflection %s rejected: %v", r.ID, cause)
	if err := e.store.ResolveReflection(r.ID, store.ReflectionRejected); err != nil {
		return nil, err
	}
	return nil, cause
}

// mergeSuites combines the capability's existing test suite with the
// regression test into one suite whose RunTests runs both in order.
// Either side may be empty.
func mergeSuites(existing, regression string) string {
	existing = strings.TrimSpace(existing)
	regression = strings.TrimSpace(regression)
	if existing == "" {
		return regression
	}
	if regression == "" {
		return existing
	}
	merged := sandbox.MergeSources(
		strings.Replace(existing, "func RunTests(", "func runExistingTests(", 1),
		strings.Replace(regression, "func RunTests(", "func runRegressionTest(", 1),
	)
	return merged + `
func RunTests() error {
	if err := runExistingTests(); err != nil {
		return err
	}
	return runRegressionTest()
}
`
}

func specFor(cap *store.Capability) *llm.Spec {
	var spec llm.Spec
	if cap.SpecJSON != "" {
		if err := json.Unmarshal([]byte(cap.SpecJSON), &spec); err == nil && spec.Name != "" {
			return &spec
		}
	}
	return &llm.Spec{Name: cap.Name, Description: cap.Description}
}
