package store

import (
	"database/sql"
	"time"

	"skillforge/internal/logging"
)

// CacheEntry is one memoized capability result keyed by the canonical
// input hash. Entries carry the capability version so a fixed capability
// never serves results computed by its prior behavior.
type CacheEntry struct {
	Key               string
	Capability        string
	CapabilityVersion int
	Output            string // JSON
	HitCount          int
	CreatedAt         time.Time
	LastAccess        time.Time
	ExpiresAt         *time.Time
}

// PutCacheEntry upserts a cache entry. Last write wins.
func (s *Store) PutCacheEntry(e CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowString()
	var expires interface{}
	if e.ExpiresAt != nil {
		expires = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO cache_entries
		(key, capability, capability_version, output, hit_count, created_at, last_access, expires_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		e.Key, e.Capability, e.CapabilityVersion, e.Output, now, now, expires,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to put cache entry %s: %v", e.Key, err)
	}
	return err
}

// GetCacheEntry retrieves a cache entry by key, nil on miss. Expiry is
// the caller's (skillgraph's) decision; the row comes back as stored.
func (s *Store) GetCacheEntry(key string) (*CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT key, capability, capability_version, output, hit_count,
		       created_at, last_access, expires_at
		FROM cache_entries WHERE key = ?`, key)

	var e CacheEntry
	var createdAt, lastAccess string
	var expiresAt sql.NullString
	err := row.Scan(&e.Key, &e.Capability, &e.CapabilityVersion, &e.Output,
		&e.HitCount, &createdAt, &lastAccess, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.CreatedAt = parseTime(createdAt)
	e.LastAccess = parseTime(lastAccess)
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		e.ExpiresAt = &t
	}
	return &e, nil
}

// TouchCacheEntry increments the hit counter and refreshes last access.
// It never extends expiry.
func (s *Store) TouchCacheEntry(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE cache_entries
		SET hit_count = hit_count + 1, last_access = ?
		WHERE key = ?`, nowString(), key)
	return err
}

// DeleteCacheEntry removes one entry.
func (s *Store) DeleteCacheEntry(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// DeleteCapabilityCache removes every cache entry for a capability.
// Called when a capability is purged or fixed.
func (s *Store) DeleteCapabilityCache(capability string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE capability = ?`, capability)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("Invalidated %d cache entries for %s", n, capability)
	}
	return n, nil
}

// PurgeExpiredCache removes entries past their expiry.
func (s *Store) PurgeExpiredCache() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < ?`,
		nowString())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
