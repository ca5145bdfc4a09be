// Package planner decides how a request gets served: reuse one
// existing capability, call a promoted composite, replay a mined
// workflow pattern, or decompose into steps — synthesizing whatever is
// missing. Cheapest adequate route wins: composite beats pattern
// beats step-by-step decomposition.
package planner

import (
	"context"
	"fmt"

	"skillforge/internal/executor"
	"skillforge/internal/llm"
	"skillforge/internal/logging"
	"skillforge/internal/registry"
	"skillforge/internal/store"
	"skillforge/internal/tracker"
)

// Route kinds, in descending preference for multi-step requests.
const (
	RouteReuse         = "reuse"
	RouteComposite     = "composite"
	RoutePattern       = "pattern"
	RouteDecomposition = "decomposition"
)

// A single capability match this strong overrides a multi-step
// decomposition: one verb, one call.
const singleBiasScore = 0.6

// A composite or pattern is only trusted as a whole once its mined
// confidence clears this bar.
const routeConfidence = 0.7

// Step is one planned unit of work. An empty Capability means nothing
// registered can serve it and it must be synthesized first.
type Step struct {
	Index      int
	Text       string
	Capability string
	DependsOn  []int
}

// Plan is a routed request.
type Plan struct {
	Route  string
	Steps  []Step
	Source string // composite capability or pattern behind the route
}

// ErrNeedsSynthesis aborts workflow execution at the first step with
// no registered capability.
type ErrNeedsSynthesis struct {
	Step Step
}

func (e *ErrNeedsSynthesis) Error() string {
	return fmt.Sprintf("no capability serves step %d: %s", e.Step.Index, e.Step.Text)
}

// StepResult pairs a completed step with its execution result.
type StepResult struct {
	Step   Step
	Result *executor.Result
}

// Planner routes requests over the registry, mined patterns, and the
// decomposition service.
type Planner struct {
	registry *registry.Registry
	llm      llm.Service
	store    *store.Store
}

// New wires a planner.
func New(reg *registry.Registry, svc llm.Service, st *store.Store) *Planner {
	return &Planner{registry: reg, llm: svc, store: st}
}

// Plan routes a request.
func (p *Planner) Plan(ctx context.Context, requestText string) (*Plan, error) {
	log := logging.Get(logging.CategoryPlanner)

	decomposition, err := p.llm.DecomposeQuery(ctx, requestText)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze request: %w", err)
	}

	// Single bias: a strong whole-request match beats splitting.
	whole, err := p.registry.Best(ctx, requestText)
	if err != nil {
		return nil, err
	}
	if decomposition.Kind != "single" && whole != nil && whole.Score > singleBiasScore {
		log.Debug("single bias: %s scores %.2f for the whole request", whole.Capability.Name, whole.Score)
		decomposition = &llm.Decomposition{Kind: "single", SubTasks: []llm.SubTask{{Index: 0, Text: requestText}}}
	}

	if decomposition.Kind == "single" {
		capability, err := p.resolve(ctx, requestText)
		if err != nil {
			return nil, err
		}
		if capability != "" {
			return &Plan{Route: RouteReuse, Steps: []Step{{Text: requestText, Capability: capability}}}, nil
		}
		return &Plan{Route: RouteDecomposition, Steps: []Step{{Text: requestText}}}, nil
	}

	steps := make([]Step, len(decomposition.SubTasks))
	sequence := make([]string, 0, len(decomposition.SubTasks))
	allResolved := true
	for i, st := range decomposition.SubTasks {
		steps[i] = Step{Index: st.Index, Text: st.Text, DependsOn: st.DependsOn}
		capability, err := p.resolve(ctx, st.Text)
		if err != nil {
			return nil, err
		}
		if capability != "" {
			steps[i].Capability = capability
			sequence = append(sequence, capability)
		} else {
			allResolved = false
		}
	}

	if allResolved {
		if plan := p.knownWholeRoute(sequence, steps); plan != nil {
			return plan, nil
		}
	}
	log.Debug("decomposition route: %d steps, resolved=%v", len(steps), allResolved)
	return &Plan{Route: RouteDecomposition, Steps: steps}, nil
}

// resolve finds a registered capability for a task: semantic search
// first, then by the canonical name a fresh specification would get.
// Synthesis names operations deterministically, so the name lookup
// catches prior synthesis of the same operation even when the search
// misses. Empty means nothing serves the task.
func (p *Planner) resolve(ctx context.Context, text string) (string, error) {
	match, err := p.registry.Best(ctx, text)
	if err != nil {
		return "", err
	}
	if match != nil {
		return match.Capability.Name, nil
	}

	spec, err := p.llm.GenerateSpec(ctx, text)
	if err != nil {
		return "", nil // not recognized: needs synthesis
	}
	cap, err := p.registry.Get(spec.Name)
	if err != nil {
		return "", err
	}
	if cap != nil {
		return cap.Name, nil
	}
	return "", nil
}

// knownWholeRoute checks whether the resolved sequence is already a
// trusted whole: first as a promoted composite capability, then as a
// mined pattern confident enough to replay.
func (p *Planner) knownWholeRoute(sequence []string, steps []Step) *Plan {
	name := tracker.FullPatternName(sequence)
	pattern, err := p.store.GetPattern(name)
	if err != nil || pattern == nil || pattern.Confidence <= routeConfidence {
		return nil
	}

	if pattern.Promoted {
		if composite, err := p.registry.Get(name); err == nil && composite != nil {
			text := steps[0].Text
			for _, s := range steps[1:] {
				text += " then " + s.Text
			}
			return &Plan{
				Route:  RouteComposite,
				Steps:  []Step{{Text: text, Capability: composite.Name}},
				Source: name,
			}
		}
	}
	return &Plan{Route: RoutePattern, Steps: steps, Source: name}
}

// ExecuteWorkflow runs a plan's steps in order, feeding each step's
// output into the next as context. The first step with no capability
// aborts with ErrNeedsSynthesis so the caller can synthesize and
// re-plan.
func (p *Planner) ExecuteWorkflow(ctx context.Context, sessionID, requestText string, plan *Plan, exec *executor.Executor) ([]StepResult, error) {
	results := make([]StepResult, 0, len(plan.Steps))
	outputs := make(map[int]string, len(plan.Steps))

	for i, step := range plan.Steps {
		if step.Capability == "" {
			return results, &ErrNeedsSynthesis{Step: step}
		}

		hint := ""
		for _, dep := range step.DependsOn {
			if out, ok := outputs[dep]; ok {
				hint = out
			}
		}

		text := step.Text
		if text == "" {
			text = requestText
		}
		res, err := exec.Execute(ctx, executor.Request{
			SessionID:   sessionID,
			Capability:  step.Capability,
			RequestText: text,
			ContextHint: hint,
			OrderIndex:  i,
		})
		if err != nil {
			return results, fmt.Errorf("step %d (%s): %w", step.Index, step.Capability, err)
		}
		outputs[step.Index] = res.Output
		results = append(results, StepResult{Step: step, Result: res})
	}
	return results, nil
}
