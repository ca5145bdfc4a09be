// Package tracker observes capability execution sequences and mines
// them for recurring workflow patterns. Each finished session
// contributes its full sequence plus every 2- and 3-step subsequence;
// repeated observations raise a pattern's frequency and fold outcomes
// into exponential moving averages. Highly confident patterns are what
// the composite synthesizer later promotes into capabilities of their
// own.
package tracker

import (
	"fmt"
	"strings"
	"sync"

	"skillforge/internal/logging"
	"skillforge/internal/store"
)

// Smoothing factor for pattern statistics. Recent sessions dominate
// without erasing history.
const alpha = 0.3

// Confidence assigned on first observation. Subsequences start lower;
// they are fragments and need more evidence.
const (
	initialFullConfidence = 0.5
	initialSubConfidence  = 0.3
	maxConfidence         = 0.95
)

// Step is one executed capability within a session.
type Step struct {
	Capability string
	Success    bool
	LatencyMs  int64
}

// Tracker accumulates in-flight sessions and mines them on completion.
type Tracker struct {
	store *store.Store

	mu       sync.Mutex
	sessions map[string][]Step
}

// New creates a tracker over the given store.
func New(st *store.Store) *Tracker {
	return &Tracker{store: st, sessions: make(map[string][]Step)}
}

// Begin opens a session. Recording into an unknown session opens it
// implicitly; Begin exists so callers can be explicit about lifetimes.
func (t *Tracker) Begin(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[sessionID]; !ok {
		t.sessions[sessionID] = nil
	}
}

// Record appends a step and counts the transition from its
// predecessor.
func (t *Tracker) Record(sessionID string, step Step) error {
	t.mu.Lock()
	steps := t.sessions[sessionID]
	t.sessions[sessionID] = append(steps, step)
	t.mu.Unlock()

	if len(steps) > 0 {
		prev := steps[len(steps)-1]
		if err := t.store.IncrementTransition(prev.Capability, step.Capability, step.Success); err != nil {
			return err
		}
	}
	return nil
}

// End closes a session and mines its sequence. Sessions with fewer
// than two steps carry no workflow information and are dropped.
// Returns the patterns that were created or updated.
func (t *Tracker) End(sessionID string) ([]store.Pattern, error) {
	t.mu.Lock()
	steps := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	if len(steps) < 2 {
		return nil, nil
	}

	sequence := make([]string, len(steps))
	successes := 0
	var totalLatency int64
	for i, s := range steps {
		sequence[i] = s.Capability
		if s.Success {
			successes++
		}
		totalLatency += s.LatencyMs
	}
	successRate := float64(successes) / float64(len(steps))
	avgLatency := float64(totalLatency) / float64(len(steps))

	log := logging.Get(logging.CategoryTracker)
	var mined []store.Pattern

	full, err := t.observe(FullPatternName(sequence), sequence, store.PatternFull,
		sessionID, successRate, avgLatency, initialFullConfidence)
	if err != nil {
		return nil, err
	}
	mined = append(mined, *full)

	for n := 2; n <= 3; n++ {
		for _, gram := range ngrams(sequence, n) {
			if len(gram) == len(sequence) {
				continue // identical to the full pattern
			}
			sub, err := t.observe(SubPatternName(gram), gram, store.PatternSubsequence,
				sessionID, successRate, avgLatency, initialSubConfidence)
			if err != nil {
				return nil, err
			}
			mined = append(mined, *sub)
		}
	}

	log.Info("session %s mined: %d patterns from %d steps", sessionID, len(mined), len(steps))
	return mined, nil
}

// observe creates a pattern on first sight or folds a new observation
// into an existing one.
func (t *Tracker) observe(name string, sequence []string, kind, sessionID string, successRate, avgLatency, initialConfidence float64) (*store.Pattern, error) {
	existing, err := t.store.GetPattern(name)
	if err != nil {
		return nil, err
	}

	var p store.Pattern
	if existing == nil {
		p = store.Pattern{
			Name:         name,
			Sequence:     sequence,
			Kind:         kind,
			Frequency:    1,
			SuccessRate:  successRate,
			AvgLatencyMs: avgLatency,
			Confidence:   initialConfidence,
			SessionIDs:   []string{sessionID},
			Complexity:   len(sequence),
		}
	} else {
		p = *existing
		p.Frequency++
		p.SuccessRate = alpha*successRate + (1-alpha)*p.SuccessRate
		p.AvgLatencyMs = alpha*avgLatency + (1-alpha)*p.AvgLatencyMs
		p.Confidence = confidence(p.SuccessRate, p.Frequency)
		p.SessionIDs = appendUnique(p.SessionIDs, sessionID)
	}

	if err := t.store.UpsertPattern(p); err != nil {
		return nil, err
	}
	return &p, nil
}

// confidence grows with both reliability and evidence: a perfect
// success rate observed twice is still not trustworthy.
func confidence(successRate float64, frequency int) float64 {
	evidence := float64(frequency) / 10.0
	if evidence > 1 {
		evidence = 1
	}
	c := successRate * evidence
	if c > maxConfidence {
		c = maxConfidence
	}
	return c
}

// FullPatternName names a complete session sequence.
func FullPatternName(sequence []string) string {
	return strings.Join(sequence, "_to_")
}

// SubPatternName names a mined subsequence.
func SubPatternName(gram []string) string {
	return fmt.Sprintf("sub_%s", strings.Join(gram, "-"))
}

func ngrams(sequence []string, n int) [][]string {
	if n > len(sequence) {
		return nil
	}
	var grams [][]string
	for i := 0; i+n <= len(sequence); i++ {
		gram := make([]string, n)
		copy(gram, sequence[i:i+n])
		grams = append(grams, gram)
	}
	return grams
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
