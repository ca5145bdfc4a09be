package store

import (
	"database/sql"
	"fmt"

	"skillforge/internal/logging"
)

// Policy is one version of a named tunable parameter. Exactly one
// version per name is active at a time; history is never deleted.
type Policy struct {
	Name      string
	Version   int
	Value     string // JSON
	CreatedBy string
	Metadata  string // JSON
	Active    bool
	CreatedAt string
}

// ActivePolicy returns the single active version of a policy, nil if the
// name has never been written.
func (s *Store) ActivePolicy(name string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT name, version, value, created_by, metadata, active, created_at
		FROM policies WHERE name = ? AND active = 1`, name)

	p, err := scanPolicy(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// UpdatePolicy writes version n+1 as active and deactivates version n in
// the same transaction, so readers never observe zero or two active rows.
func (s *Store) UpdatePolicy(name, valueJSON, createdBy, metadataJSON string) (*Policy, error) {
	if name == "" {
		return nil, fmt.Errorf("policy name must be non-empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	row := tx.QueryRow(`SELECT MAX(version) FROM policies WHERE name = ?`, name)
	if err := row.Scan(&maxVersion); err != nil {
		return nil, err
	}
	next := int(maxVersion.Int64) + 1

	if _, err := tx.Exec(`UPDATE policies SET active = 0 WHERE name = ? AND active = 1`, name); err != nil {
		return nil, err
	}

	createdAt := nowString()
	if _, err := tx.Exec(`
		INSERT INTO policies (name, version, value, created_by, metadata, active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		name, next, valueJSON, createdBy, metadataJSON, createdAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logging.PolicyDebug("Policy %s updated to v%d by %s", name, next, createdBy)
	return &Policy{
		Name:      name,
		Version:   next,
		Value:     valueJSON,
		CreatedBy: createdBy,
		Metadata:  metadataJSON,
		Active:    true,
		CreatedAt: createdAt,
	}, nil
}

// PolicyHistory returns every version of a policy, newest first.
func (s *Store) PolicyHistory(name string) ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, version, value, created_by, metadata, active, created_at
		FROM policies WHERE name = ? ORDER BY version DESC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Policy row scan failed: %v", err)
			continue
		}
		history = append(history, *p)
	}
	return history, nil
}

// ActivePolicies returns the active version of every policy name.
func (s *Store) ActivePolicies() ([]Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT name, version, value, created_by, metadata, active, created_at
		FROM policies WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			continue
		}
		policies = append(policies, *p)
	}
	return policies, nil
}

func scanPolicy(scan func(dest ...interface{}) error) (*Policy, error) {
	var p Policy
	var active int
	var metadata sql.NullString

	err := scan(&p.Name, &p.Version, &p.Value, &p.CreatedBy, &metadata, &active, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	p.Active = active == 1
	p.Metadata = metadata.String
	return &p, nil
}
