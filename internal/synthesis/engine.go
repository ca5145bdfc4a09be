// Package synthesis builds new capabilities on demand: derive a
// specification from the request, generate a test suite, generate an
// implementation against it, verify in the sandbox, and only then
// register. Tests come before implementation so the implementation has
// something independent to be checked against; registration is last so
// the capability store never holds unverified code.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"skillforge/internal/llm"
	"skillforge/internal/registry"
	"skillforge/internal/sandbox"
	"skillforge/internal/store"
)

// ErrVerificationFailed reports that generated code failed its own
// test suite even after the repair attempt.
type ErrVerificationFailed struct {
	Capability string
	Failure    string
}

func (e *ErrVerificationFailed) Error() string {
	return fmt.Sprintf("synthesis of %s failed verification: %s", e.Capability, e.Failure)
}

// Engine runs the synthesis pipeline.
type Engine struct {
	llm      llm.Service
	sandbox  *sandbox.Sandbox
	registry *registry.Registry
	sink     EventSink
}

// New wires the pipeline. A nil sink discards events.
func New(svc llm.Service, sb *sandbox.Sandbox, reg *registry.Registry, sink EventSink) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	return &Engine{llm: svc, sandbox: sb, registry: reg, sink: sink}
}

func (e *Engine) emit(capability string, phase Phase, status Status, detail string) {
	e.sink.Emit(Event{Capability: capability, Phase: phase, Status: status, Detail: detail, At: time.Now()})
}

// Synthesize builds, verifies, and registers a capability for the
// request. On failure nothing is registered.
func (e *Engine) Synthesize(ctx context.Context, requestText string) (*store.Capability, error) {
	e.emit("", PhaseSpec, StatusInProgress, "")
	spec, err := e.llm.GenerateSpec(ctx, requestText)
	if err != nil {
		e.emit("", PhaseSpec, StatusFailed, err.Error())
		return nil, fmt.Errorf("failed to derive specification: %w", err)
	}
	e.emit(spec.Name, PhaseSpec, StatusComplete, "")
	return e.SynthesizeFromSpec(ctx, spec, store.ProvenanceSynthesized, "")
}

// SynthesizeFromSpec runs the pipeline from an existing specification.
// The composite and reflection paths enter here.
func (e *Engine) SynthesizeFromSpec(ctx context.Context, spec *llm.Spec, provenance, sourcePattern string) (*store.Capability, error) {
	name := spec.Name

	e.emit(name, PhaseTests, StatusInProgress, "")
	testSource, err := e.llm.GenerateTests(ctx, spec)
	if err != nil {
		e.emit(name, PhaseTests, StatusFailed, err.Error())
		return nil, fmt.Errorf("failed to generate tests for %s: %w", name, err)
	}
	e.emit(name, PhaseTests, StatusComplete, "")

	e.emit(name, PhaseImplementation, StatusInProgress, "")
	implSource, err := e.generateSyntacticImpl(ctx, spec, testSource)
	if err != nil {
		e.emit(name, PhaseImplementation, StatusFailed, err.Error())
		return nil, err
	}
	e.emit(name, PhaseImplementation, StatusComplete, "")

	implSource, _, err = e.verifyWithRepair(ctx, spec, implSource, testSource)
	if err != nil {
		return nil, err
	}

	e.emit(name, PhaseRegistration, StatusInProgress, "")
	cap, err := e.registry.Register(ctx, registry.Registration{
		Name:          name,
		Description:   spec.Description,
		ImplSource:    implSource,
		TestSource:    testSource,
		SpecJSON:      marshalSpec(spec),
		Provenance:    provenance,
		SourcePattern: sourcePattern,
	})
	if err != nil {
		e.emit(name, PhaseRegistration, StatusFailed, err.Error())
		return nil, err
	}
	e.emit(name, PhaseRegistration, StatusComplete, "")
	return cap, nil
}

// VerifyAndRegister admits externally assembled sources (composed
// capabilities, reflection patches) through the same verification and
// registration gate as synthesized code.
func (e *Engine) VerifyAndRegister(ctx context.Context, spec *llm.Spec, implSource, testSource, provenance, sourcePattern string) (*store.Capability, error) {
	name := spec.Name
	if err := e.checkSyntax(ctx, implSource); err != nil {
		e.emit(name, PhaseImplementation, StatusFailed, err.Error())
		return nil, err
	}
	if _, _, err := e.verifyWithRepair(ctx, spec, implSource, testSource); err != nil {
		return nil, err
	}
	e.emit(name, PhaseRegistration, StatusInProgress, "")
	cap, err := e.registry.Register(ctx, registry.Registration{
		Name:          name,
		Description:   spec.Description,
		ImplSource:    implSource,
		TestSource:    testSource,
		SpecJSON:      marshalSpec(spec),
		Provenance:    provenance,
		SourcePattern: sourcePattern,
	})
	if err != nil {
		e.emit(name, PhaseRegistration, StatusFailed, err.Error())
		return nil, err
	}
	e.emit(name, PhaseRegistration, StatusComplete, "")
	return cap, nil
}

func marshalSpec(spec *llm.Spec) string {
	raw, err := json.Marshal(spec)
	if err != nil {
		return ""
	}
	return string(raw)
}

// generateSyntacticImpl generates the implementation and gates it on a
// parse before it ever reaches the sandbox. One regeneration on a
// syntax error; a parse failure costs nothing compared to a sandbox
// run.
func (e *Engine) generateSyntacticImpl(ctx context.Context, spec *llm.Spec, testSource string) (string, error) {
	implSource, err := e.llm.GenerateImplementation(ctx, spec, testSource)
	if err != nil {
		return "", fmt.Errorf("failed to generate implementation for %s: %w", spec.Name, err)
	}
	synErr := e.checkSyntax(ctx, implSource)
	if synErr == nil {
		return implSource, nil
	}
	e.emit(spec.Name, PhaseImplementation, StatusFailed, synErr.Error())

	implSource, err = e.llm.RegenerateWithFeedback(ctx, spec, implSource, synErr.Error())
	if err != nil {
		return "", fmt.Errorf("failed to regenerate implementation for %s: %w", spec.Name, err)
	}
	if err := e.checkSyntax(ctx, implSource); err != nil {
		return "", fmt.Errorf("regenerated implementation for %s still malformed: %w", spec.Name, err)
	}
	return implSource, nil
}

// checkSyntax parses the source and reports structural errors. The
// parser is per-call; tree-sitter parsers are not safe to share.
func (e *Engine) checkSyntax(ctx context.Context, source string) error {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(golang.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, []byte(source))
	if err != nil {
		return fmt.Errorf("parse failed: %w", err)
	}
	defer tree.Close()
	if tree.RootNode().HasError() {
		return fmt.Errorf("generated code does not parse")
	}
	return nil
}

// verifyWithRepair runs the sandbox suite with a budget of exactly one
// repair regeneration. Returns the implementation that passed.
func (e *Engine) verifyWithRepair(ctx context.Context, spec *llm.Spec, implSource, testSource string) (string, *sandbox.Report, error) {
	name := spec.Name

	e.emit(name, PhaseVerification, StatusInProgress, "")
	report, err := e.sandbox.Verify(ctx, implSource, testSource)
	if err != nil {
		e.emit(name, PhaseVerification, StatusFailed, err.Error())
		return "", nil, fmt.Errorf("verification of %s: %w", name, err)
	}
	if report.Passed {
		e.emit(name, PhaseVerification, StatusComplete, "")
		return implSource, report, nil
	}
	e.emit(name, PhaseVerification, StatusFailed, report.Failure)

	repaired, err := e.llm.RegenerateWithFeedback(ctx, spec, implSource, report.Failure+"\n"+report.Output)
	if err != nil {
		return "", nil, fmt.Errorf("failed to repair %s: %w", name, err)
	}
	if err := e.checkSyntax(ctx, repaired); err != nil {
		return "", nil, &ErrVerificationFailed{Capability: name, Failure: err.Error()}
	}

	e.emit(name, PhaseVerification, StatusInProgress, "repair")
	report, err = e.sandbox.Verify(ctx, repaired, testSource)
	if err != nil {
		e.emit(name, PhaseVerification, StatusFailed, err.Error())
		return "", nil, fmt.Errorf("verification of %s: %w", name, err)
	}
	if !report.Passed {
		e.emit(name, PhaseVerification, StatusFailed, report.Failure)
		return "", nil, &ErrVerificationFailed{Capability: name, Failure: report.Failure}
	}
	e.emit(name, PhaseVerification, StatusComplete, "repaired")
	return repaired, report, nil
}
