package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"skillforge/internal/logging"
)

// Pattern kinds.
const (
	PatternFull        = "full"
	PatternSubsequence = "subsequence"
)

// Pattern is a mined workflow pattern: an observed ordered capability
// sequence with learned statistics.
type Pattern struct {
	Name          string
	Sequence      []string
	Kind          string
	Frequency     int
	SuccessRate   float64
	AvgLatencyMs  float64
	Confidence    float64
	SessionIDs    []string
	Complexity    int
	Promoted      bool
	RejectionNote string
	UpdatedAt     string
}

// UpsertPattern inserts or overwrites a pattern row. EMA blending is the
// tracker's job; the store persists whatever it is handed.
func (s *Store) UpsertPattern(p Pattern) error {
	if p.Name == "" {
		return fmt.Errorf("pattern name must be non-empty")
	}

	seqJSON, err := json.Marshal(p.Sequence)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern sequence: %w", err)
	}
	sidJSON, err := json.Marshal(p.SessionIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal pattern sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	promoted := 0
	if p.Promoted {
		promoted = 1
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO patterns
		(name, sequence, kind, frequency, success_rate, avg_latency_ms,
		 confidence, session_ids, complexity, promoted, rejection_note, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, string(seqJSON), p.Kind, p.Frequency, p.SuccessRate,
		p.AvgLatencyMs, p.Confidence, string(sidJSON), p.Complexity,
		promoted, p.RejectionNote, nowString(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to upsert pattern %s: %v", p.Name, err)
		return err
	}

	logging.StoreDebug("Upserted pattern %s (freq=%d, confidence=%.2f)", p.Name, p.Frequency, p.Confidence)
	return nil
}

// GetPattern retrieves a pattern by name.
func (s *Store) GetPattern(name string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT name, sequence, kind, frequency, success_rate, avg_latency_ms,
		       confidence, session_ids, complexity, promoted, rejection_note, updated_at
		FROM patterns WHERE name = ?`, name)

	p, err := scanPattern(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListPatterns returns all patterns, optionally only unpromoted ones.
func (s *Store) ListPatterns(unpromotedOnly bool) ([]Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT name, sequence, kind, frequency, success_rate, avg_latency_ms,
		       confidence, session_ids, complexity, promoted, rejection_note, updated_at
		FROM patterns`
	if unpromotedOnly {
		query += ` WHERE promoted = 0 AND rejection_note = ''`
	}
	query += ` ORDER BY confidence DESC, frequency DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []Pattern
	for rows.Next() {
		p, err := scanPattern(rows.Scan)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Pattern row scan failed: %v", err)
			continue
		}
		patterns = append(patterns, *p)
	}
	return patterns, nil
}

// MarkPatternPromoted flags a pattern as promoted to a composite, or
// records why promotion was rejected.
func (s *Store) MarkPatternPromoted(name string, promoted bool, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	promotedInt := 0
	if promoted {
		promotedInt = 1
	}

	_, err := s.db.Exec(`
		UPDATE patterns SET promoted = ?, rejection_note = ?, updated_at = ?
		WHERE name = ?`,
		promotedInt, note, nowString(), name)
	return err
}

// IncrementTransition bumps the pairwise relationship counter between a
// capability and its immediate predecessor.
func (s *Store) IncrementTransition(from, to string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	successInc := 0
	if success {
		successInc = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO transitions (from_cap, to_cap, count, success_count, data_quality, updated_at)
		VALUES (?, ?, 1, ?, 1.0, ?)
		ON CONFLICT(from_cap, to_cap) DO UPDATE SET
			count = count + 1,
			success_count = success_count + ?,
			updated_at = ?`,
		from, to, successInc, nowString(), successInc, nowString())
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to increment transition %s->%s: %v", from, to, err)
	}
	return err
}

// Transition describes the learned pairwise relationship between two
// capabilities.
type Transition struct {
	FromCap      string
	ToCap        string
	Count        int
	SuccessCount int
	DataQuality  float64
}

// GetTransition retrieves one pairwise relationship, nil if unseen.
func (s *Store) GetTransition(from, to string) (*Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT from_cap, to_cap, count, success_count, data_quality
		FROM transitions WHERE from_cap = ? AND to_cap = ?`, from, to)

	var tr Transition
	err := row.Scan(&tr.FromCap, &tr.ToCap, &tr.Count, &tr.SuccessCount, &tr.DataQuality)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

// PatternReuseCount sums pattern frequencies; feeds the tuner's
// pattern-reuse-rate metric.
func (s *Store) PatternReuseCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int
	row := s.db.QueryRow(`SELECT COALESCE(SUM(frequency), 0) FROM patterns`)
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// CountEligiblePatterns counts patterns meeting promotion criteria.
func (s *Store) CountEligiblePatterns(minFrequency int, minSuccessRate float64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	row := s.db.QueryRow(`
		SELECT COUNT(*) FROM patterns WHERE frequency >= ? AND success_rate >= ?`,
		minFrequency, minSuccessRate)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func scanPattern(scan func(dest ...interface{}) error) (*Pattern, error) {
	var p Pattern
	var seqJSON, sidJSON string
	var promoted int

	err := scan(
		&p.Name, &seqJSON, &p.Kind, &p.Frequency, &p.SuccessRate,
		&p.AvgLatencyMs, &p.Confidence, &sidJSON, &p.Complexity,
		&promoted, &p.RejectionNote, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Promoted = promoted == 1
	if err := json.Unmarshal([]byte(seqJSON), &p.Sequence); err != nil {
		return nil, fmt.Errorf("corrupt pattern sequence for %s: %w", p.Name, err)
	}
	if sidJSON != "" {
		_ = json.Unmarshal([]byte(sidJSON), &p.SessionIDs)
	}

	return &p, nil
}
