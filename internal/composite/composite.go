// Package composite promotes proven workflow patterns into standalone
// capabilities. A pattern that keeps recurring with a strong record is
// worth more as a single verified call than as a replayed sequence:
// one invocation, one cache entry, no per-step argument extraction.
// Promotion assembles the member implementations into one source,
// verifies it like any synthesized code, and registers it with
// composite provenance. Patterns that fail assembly or verification
// get a rejection note so scans stop retrying them.
package composite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"skillforge/internal/llm"
	"skillforge/internal/logging"
	"skillforge/internal/policy"
	"skillforge/internal/registry"
	"skillforge/internal/store"
	"skillforge/internal/synthesis"
)

// Promotion is the outcome of one candidate pattern.
type Promotion struct {
	Pattern    string
	Capability *store.Capability // nil when rejected
	Rejected   bool
	Reason     string
}

// Synthesizer scans mined patterns and promotes the eligible ones.
type Synthesizer struct {
	store    *store.Store
	registry *registry.Registry
	engine   *synthesis.Engine
	policies *policy.Manager
}

// New wires a composite synthesizer.
func New(st *store.Store, reg *registry.Registry, engine *synthesis.Engine, policies *policy.Manager) *Synthesizer {
	return &Synthesizer{store: st, registry: reg, engine: engine, policies: policies}
}

// ScanAndPromote promotes every unpromoted pattern that clears the
// policy criteria. Rejections are recorded and final.
func (s *Synthesizer) ScanAndPromote(ctx context.Context) ([]Promotion, error) {
	criteria := s.policies.Handle().Promotion
	log := logging.Get(logging.CategoryComposite)

	patterns, err := s.store.ListPatterns(true)
	if err != nil {
		return nil, err
	}

	var promotions []Promotion
	for _, p := range patterns {
		if len(p.Sequence) < 2 {
			continue
		}
		if p.Frequency < criteria.MinFrequency ||
			p.SuccessRate < criteria.MinSuccessRate ||
			p.Confidence < criteria.MinConfidence {
			continue
		}

		promotion := s.promote(ctx, p)
		promotions = append(promotions, promotion)
		if promotion.Rejected {
			log.Warn("rejected pattern %s: %s", p.Name, promotion.Reason)
			if err := s.store.MarkPatternPromoted(p.Name, false, promotion.Reason); err != nil {
				return promotions, err
			}
		} else {
			log.Info("promoted pattern %s to composite capability", p.Name)
			if err := s.store.MarkPatternPromoted(p.Name, true, ""); err != nil {
				return promotions, err
			}
		}
	}
	return promotions, nil
}

// promote assembles, verifies, and registers one pattern.
func (s *Synthesizer) promote(ctx context.Context, p store.Pattern) Promotion {
	members, reason := s.loadMembers(p.Sequence)
	if reason != "" {
		return Promotion{Pattern: p.Name, Rejected: true, Reason: reason}
	}

	implSource, err := assemble(members)
	if err != nil {
		return Promotion{Pattern: p.Name, Rejected: true, Reason: err.Error()}
	}
	spec := compositeSpec(p.Name, members)
	testSource := smokeTests(spec)

	cap, err := s.engine.VerifyAndRegister(ctx, spec, implSource, testSource, store.ProvenanceComposite, p.Name)
	if err != nil {
		return Promotion{Pattern: p.Name, Rejected: true, Reason: err.Error()}
	}
	return Promotion{Pattern: p.Name, Capability: cap}
}

// member is one step of the chain with its source and spec.
type member struct {
	cap  *store.Capability
	spec llm.Spec
	impl string
}

func (s *Synthesizer) loadMembers(sequence []string) ([]member, string) {
	members := make([]member, 0, len(sequence))
	for _, name := range sequence {
		cap, err := s.registry.Get(name)
		if err != nil {
			return nil, err.Error()
		}
		if cap == nil {
			return nil, fmt.Sprintf("member capability %s is no longer registered", name)
		}
		impl, _, err := s.registry.Source(name)
		if err != nil {
			return nil, err.Error()
		}
		m := member{cap: cap, impl: impl}
		if cap.SpecJSON != "" {
			_ = json.Unmarshal([]byte(cap.SpecJSON), &m.spec)
		}
		if m.spec.Name == "" {
			m.spec = llm.Spec{Name: cap.Name, Description: cap.Description}
		}
		members = append(members, m)
	}
	return members, ""
}

// compositeSpec takes its inputs from the first member and its output
// from the last.
func compositeSpec(name string, members []member) *llm.Spec {
	first, last := members[0].spec, members[len(members)-1].spec
	steps := make([]string, len(members))
	for i, m := range members {
		steps[i] = m.spec.Name
	}
	return &llm.Spec{
		Name:        name,
		Params:      first.Params,
		Returns:     last.Returns,
		Description: fmt.Sprintf("Runs %s as one step.", strings.Join(steps, ", then ")),
	}
}
