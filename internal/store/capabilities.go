package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"skillforge/internal/embedding"
	"skillforge/internal/logging"
)

// Capability provenance values.
const (
	ProvenanceSynthesized   = "synthesized"
	ProvenanceComposite     = "composite"
	ProvenanceReflectionFix = "reflection_fix"
)

// Capability is the persisted metadata for a verified callable. The
// implementation and test sources live on disk at ImplPath/TestPath; the
// row carries paths, description, and the description embedding.
type Capability struct {
	Name          string
	Description   string
	Version       int
	IsCurrent     bool
	ImplPath      string
	TestPath      string
	Embedding     []float32
	SpecJSON      string
	Provenance    string
	SourcePattern string
	CreatedAt     string
	UpdatedAt     string
}

// CapabilityMatch pairs a capability with its similarity to a query.
type CapabilityMatch struct {
	Capability Capability
	Similarity float64
}

// UpsertCapability inserts or overwrites a capability row. Registration
// is idempotent: re-adding the same name replaces metadata in place.
func (s *Store) UpsertCapability(cap Capability) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertCapability")
	defer timer.Stop()

	if cap.Name == "" {
		return fmt.Errorf("capability name must be non-empty")
	}
	if cap.Version <= 0 {
		cap.Version = 1
	}
	if cap.Provenance == "" {
		cap.Provenance = ProvenanceSynthesized
	}

	embJSON, err := json.Marshal(cap.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowString()
	createdAt := cap.CreatedAt
	if createdAt == "" {
		createdAt = now
	}

	isCurrent := 0
	if cap.IsCurrent {
		isCurrent = 1
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO capabilities
		(name, description, version, is_current, impl_path, test_path,
		 embedding, spec_json, provenance, source_pattern, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cap.Name, cap.Description, cap.Version, isCurrent, cap.ImplPath,
		cap.TestPath, string(embJSON), cap.SpecJSON, cap.Provenance,
		cap.SourcePattern, createdAt, now,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to upsert capability %s: %v", cap.Name, err)
		return err
	}

	logging.StoreDebug("Upserted capability %s (v%d, provenance=%s)", cap.Name, cap.Version, cap.Provenance)
	return nil
}

// GetCapability retrieves a capability row by name.
func (s *Store) GetCapability(name string) (*Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT name, description, version, is_current, impl_path, test_path,
		       embedding, spec_json, provenance, source_pattern, created_at, updated_at
		FROM capabilities WHERE name = ?`, name)

	cap, err := scanCapability(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return cap, err
}

// DeleteCapability removes a capability row along with its versioned
// archives and cached results. Used by self-healing reads and orphan
// cleanup; a purged capability must never serve stale cache hits.
func (s *Store) DeleteCapability(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`DELETE FROM capabilities WHERE name = ? OR name LIKE ?`,
		name, name+"@v%",
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to delete capability %s: %v", name, err)
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE capability = ?`, name); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to drop cache for %s: %v", name, err)
		return err
	}

	logging.StoreDebug("Deleted capability %s", name)
	return nil
}

// ListCurrentCapabilities returns all current capability rows.
func (s *Store) ListCurrentCapabilities() ([]Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, description, version, is_current, impl_path, test_path,
		       embedding, spec_json, provenance, source_pattern, created_at, updated_at
		FROM capabilities WHERE is_current = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCapabilities(rows)
}

// SearchByEmbedding ranks current capabilities by cosine similarity to
// the query vector and returns the top K, sorted descending. Threshold
// filtering belongs to the registry, not the store.
func (s *Store) SearchByEmbedding(query []float32, topK int) ([]CapabilityMatch, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchByEmbedding")
	defer timer.Stop()

	caps, err := s.ListCurrentCapabilities()
	if err != nil {
		return nil, err
	}

	corpus := make([][]float32, 0, len(caps))
	indexed := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if len(c.Embedding) == 0 {
			continue
		}
		corpus = append(corpus, c.Embedding)
		indexed = append(indexed, c)
	}

	results, err := embedding.FindTopK(query, corpus, topK)
	if err != nil {
		return nil, err
	}

	matches := make([]CapabilityMatch, 0, len(results))
	for _, r := range results {
		matches = append(matches, CapabilityMatch{
			Capability: indexed[r.Index],
			Similarity: r.Similarity,
		})
	}

	logging.StoreDebug("SearchByEmbedding: %d candidates, %d matches", len(corpus), len(matches))
	return matches, nil
}

// ArchiveCapabilityVersion copies the current row to an @v<N> archive key
// with is_current=0. The live row keeps its name so references stay valid.
func (s *Store) ArchiveCapabilityVersion(name string) error {
	cap, err := s.GetCapability(name)
	if err != nil {
		return err
	}
	if cap == nil {
		return fmt.Errorf("capability %s not found", name)
	}

	archived := *cap
	archived.Name = fmt.Sprintf("%s@v%d", cap.Name, cap.Version)
	archived.IsCurrent = false

	return s.UpsertCapability(archived)
}

func scanCapability(row *sql.Row) (*Capability, error) {
	var cap Capability
	var isCurrent int
	var embJSON sql.NullString
	var specJSON sql.NullString
	var sourcePattern sql.NullString

	err := row.Scan(
		&cap.Name, &cap.Description, &cap.Version, &isCurrent,
		&cap.ImplPath, &cap.TestPath, &embJSON, &specJSON, &cap.Provenance,
		&sourcePattern, &cap.CreatedAt, &cap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cap.IsCurrent = isCurrent == 1
	cap.SpecJSON = specJSON.String
	cap.SourcePattern = sourcePattern.String
	if embJSON.Valid && embJSON.String != "" {
		if err := json.Unmarshal([]byte(embJSON.String), &cap.Embedding); err != nil {
			logging.Get(logging.CategoryStore).Warn("Corrupt embedding for %s: %v", cap.Name, err)
		}
	}

	return &cap, nil
}

func scanCapabilities(rows *sql.Rows) ([]Capability, error) {
	var caps []Capability

	for rows.Next() {
		var cap Capability
		var isCurrent int
		var embJSON sql.NullString
		var specJSON sql.NullString
		var sourcePattern sql.NullString

		err := rows.Scan(
			&cap.Name, &cap.Description, &cap.Version, &isCurrent,
			&cap.ImplPath, &cap.TestPath, &embJSON, &specJSON, &cap.Provenance,
			&sourcePattern, &cap.CreatedAt, &cap.UpdatedAt,
		)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Capability row scan failed: %v", err)
			continue
		}

		cap.IsCurrent = isCurrent == 1
		cap.SpecJSON = specJSON.String
		cap.SourcePattern = sourcePattern.String
		if embJSON.Valid && embJSON.String != "" {
			if err := json.Unmarshal([]byte(embJSON.String), &cap.Embedding); err != nil {
				logging.Get(logging.CategoryStore).Warn("Corrupt embedding for %s: %v", cap.Name, err)
			}
		}

		caps = append(caps, cap)
	}

	return caps, nil
}
