// Package policy manages the versioned behavioral parameters of the
// system: retrieval thresholds, reranking weights, composite promotion
// criteria, and cache TTL. Every change creates a new version; the
// full history stays queryable. Components never read policies from
// the database directly — they take a Handle snapshot so one request
// sees one consistent parameter set.
package policy

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/store"
)

// Policy names.
const (
	RetrievalThreshold = "retrieval_similarity_threshold"
	RerankingWeights   = "reranking_weights"
	CompositeCriteria  = "composite_promotion_criteria"
	CacheTTLSeconds    = "cache_ttl_seconds"
)

// RetrievalPolicy controls capability search.
type RetrievalPolicy struct {
	Threshold float64 `json:"threshold"`
	Rerank    bool    `json:"rerank"`
}

// RerankWeights blends similarity with observed performance when
// ordering search results. The three weights sum to 1.
type RerankWeights struct {
	Similarity  float64 `json:"similarity"`
	SuccessRate float64 `json:"success_rate"`
	Frequency   float64 `json:"frequency"`
}

// PromotionCriteria gates composite capability synthesis.
type PromotionCriteria struct {
	MinFrequency   int     `json:"min_frequency"`
	MinSuccessRate float64 `json:"min_success_rate"`
	MinConfidence  float64 `json:"min_confidence"`
}

// Handle is an immutable snapshot of every active policy. Versions
// records the policy version each value came from.
type Handle struct {
	Retrieval RetrievalPolicy
	Rerank    RerankWeights
	Promotion PromotionCriteria
	CacheTTL  time.Duration
	Versions  map[string]int
}

// Defaults returns the seed values used on first boot.
func Defaults() Handle {
	return Handle{
		Retrieval: RetrievalPolicy{Threshold: 0.4, Rerank: true},
		Rerank:    RerankWeights{Similarity: 0.7, SuccessRate: 0.2, Frequency: 0.1},
		Promotion: PromotionCriteria{MinFrequency: 3, MinSuccessRate: 0.8, MinConfidence: 0.7},
		CacheTTL:  time.Hour,
		Versions:  map[string]int{},
	}
}

// Manager seeds, loads, and updates policies, and hands out snapshots.
type Manager struct {
	store *store.Store

	mu       sync.RWMutex
	snapshot Handle
}

// NewManager seeds missing policies with defaults and loads the active
// set.
func NewManager(st *store.Store) (*Manager, error) {
	m := &Manager{store: st}
	if err := m.seed(); err != nil {
		return nil, err
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) seed() error {
	def := Defaults()
	seeds := map[string]interface{}{
		RetrievalThreshold: def.Retrieval,
		RerankingWeights:   def.Rerank,
		CompositeCriteria:  def.Promotion,
		CacheTTLSeconds:    int(def.CacheTTL.Seconds()),
	}
	for name, value := range seeds {
		existing, err := m.store.ActivePolicy(name)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return err
		}
		if _, err := m.store.UpdatePolicy(name, string(raw), "seed", "{}"); err != nil {
			return fmt.Errorf("failed to seed policy %s: %w", name, err)
		}
		logging.Get(logging.CategoryPolicy).Info("seeded policy %s = %s", name, raw)
	}
	return nil
}

// Reload rebuilds the snapshot from the active policy rows.
func (m *Manager) Reload() error {
	h := Defaults()
	h.Versions = map[string]int{}

	load := func(name string, out interface{}) error {
		p, err := m.store.ActivePolicy(name)
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		if err := json.Unmarshal([]byte(p.Value), out); err != nil {
			return fmt.Errorf("corrupt policy value for %s: %w", name, err)
		}
		h.Versions[name] = p.Version
		return nil
	}

	if err := load(RetrievalThreshold, &h.Retrieval); err != nil {
		return err
	}
	if err := load(RerankingWeights, &h.Rerank); err != nil {
		return err
	}
	if err := load(CompositeCriteria, &h.Promotion); err != nil {
		return err
	}
	var ttlSeconds int
	if err := load(CacheTTLSeconds, &ttlSeconds); err != nil {
		return err
	}
	if ttlSeconds > 0 {
		h.CacheTTL = time.Duration(ttlSeconds) * time.Second
	}

	m.mu.Lock()
	m.snapshot = h
	m.mu.Unlock()
	return nil
}

// Handle returns the current snapshot. The copy is safe to hold for
// the duration of a request.
func (m *Manager) Handle() Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.snapshot
	versions := make(map[string]int, len(h.Versions))
	for k, v := range h.Versions {
		versions[k] = v
	}
	h.Versions = versions
	return h
}

// Update writes a new policy version and refreshes the snapshot.
func (m *Manager) Update(name string, value interface{}, createdBy, metadata string) (*store.Policy, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if metadata == "" {
		metadata = "{}"
	}
	p, err := m.store.UpdatePolicy(name, string(raw), createdBy, metadata)
	if err != nil {
		return nil, err
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryPolicy).Info("policy %s updated to v%d by %s", name, p.Version, createdBy)
	return p, nil
}

// History returns all versions of a policy, newest first.
func (m *Manager) History(name string) ([]store.Policy, error) {
	return m.store.PolicyHistory(name)
}
