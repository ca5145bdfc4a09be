package store

import (
	"database/sql"

	"skillforge/internal/logging"
)

// Reflection statuses.
const (
	ReflectionOpen     = "open"
	ReflectionFixed    = "fixed"
	ReflectionRejected = "rejected"
)

// Reflection records one failure diagnosis and its proposed patch.
type Reflection struct {
	ID             string
	ExecutionID    string
	Capability     string
	Classification string
	RootCause      string
	ProposedPatch  string
	RegressionTest string
	Status         string
	CreatedAt      string
	ResolvedAt     string
}

// InsertReflection stores a new open reflection record.
func (s *Store) InsertReflection(r Reflection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status == "" {
		r.Status = ReflectionOpen
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO reflections
		(id, execution_id, capability, classification, root_cause,
		 proposed_patch, regression_test, status, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.ExecutionID, r.Capability, r.Classification, r.RootCause,
		r.ProposedPatch, r.RegressionTest, r.Status, nowString(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to insert reflection %s: %v", r.ID, err)
	}
	return err
}

// GetReflection retrieves a reflection record by id.
func (s *Store) GetReflection(id string) (*Reflection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, execution_id, capability, classification, root_cause,
		       proposed_patch, regression_test, status, created_at, resolved_at
		FROM reflections WHERE id = ?`, id)

	r, err := scanReflection(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// ResolveReflection closes a record as fixed or rejected.
func (s *Store) ResolveReflection(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE reflections SET status = ?, resolved_at = ? WHERE id = ?`,
		status, nowString(), id)
	return err
}

// OpenReflections lists unresolved records, oldest first.
func (s *Store) OpenReflections() ([]Reflection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, execution_id, capability, classification, root_cause,
		       proposed_patch, regression_test, status, created_at, resolved_at
		FROM reflections WHERE status = ? ORDER BY created_at ASC`, ReflectionOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Reflection
	for rows.Next() {
		r, err := scanReflection(rows.Scan)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Reflection row scan failed: %v", err)
			continue
		}
		records = append(records, *r)
	}
	return records, nil
}

func scanReflection(scan func(dest ...interface{}) error) (*Reflection, error) {
	var r Reflection
	var executionID, rootCause, patch, regression, resolvedAt sql.NullString

	err := scan(&r.ID, &executionID, &r.Capability, &r.Classification,
		&rootCause, &patch, &regression, &r.Status, &r.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}

	r.ExecutionID = executionID.String
	r.RootCause = rootCause.String
	r.ProposedPatch = patch.String
	r.RegressionTest = regression.String
	r.ResolvedAt = resolvedAt.String
	return &r, nil
}
