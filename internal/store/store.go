// Package store persists the capability lifecycle state to SQLite:
// capabilities and their embeddings, execution records, mined workflow
// patterns, the result cache, policies, reflection records, and the
// skill graph. It is the only package that touches SQL.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"skillforge/internal/logging"
)

// Store is the durable backing store. All writes are upserts keyed by
// stable identity so concurrent writers converge.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New opens (or creates) the SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	logging.StoreDebug("Initializing store at path: %s", dbPath)

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent requests.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store initialized at %s", dbPath)
	return s, nil
}

// initialize creates the database schema.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS capabilities (
		name TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		is_current INTEGER NOT NULL DEFAULT 1,
		impl_path TEXT NOT NULL,
		test_path TEXT NOT NULL,
		embedding TEXT,
		spec_json TEXT,
		provenance TEXT NOT NULL DEFAULT 'synthesized',
		source_pattern TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_capabilities_current ON capabilities(is_current);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		inputs TEXT,
		output TEXT,
		success INTEGER NOT NULL,
		error_text TEXT,
		error_kind TEXT,
		latency_ms INTEGER NOT NULL,
		request_text TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
	CREATE INDEX IF NOT EXISTS idx_executions_capability ON executions(capability);
	CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);

	CREATE TABLE IF NOT EXISTS patterns (
		name TEXT PRIMARY KEY,
		sequence TEXT NOT NULL,
		kind TEXT NOT NULL,
		frequency INTEGER NOT NULL DEFAULT 1,
		success_rate REAL NOT NULL,
		avg_latency_ms REAL NOT NULL,
		confidence REAL NOT NULL,
		session_ids TEXT,
		complexity INTEGER NOT NULL DEFAULT 0,
		promoted INTEGER NOT NULL DEFAULT 0,
		rejection_note TEXT,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transitions (
		from_cap TEXT NOT NULL,
		to_cap TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		data_quality REAL NOT NULL DEFAULT 1.0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (from_cap, to_cap)
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		capability TEXT NOT NULL,
		capability_version INTEGER NOT NULL DEFAULT 1,
		output TEXT NOT NULL,
		hit_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		last_access TEXT NOT NULL,
		expires_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cache_capability ON cache_entries(capability);

	CREATE TABLE IF NOT EXISTS policies (
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		value TEXT NOT NULL,
		created_by TEXT NOT NULL,
		metadata TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		PRIMARY KEY (name, version)
	);
	CREATE INDEX IF NOT EXISTS idx_policies_active ON policies(name, active);

	CREATE TABLE IF NOT EXISTS reflections (
		id TEXT PRIMARY KEY,
		execution_id TEXT,
		capability TEXT NOT NULL,
		classification TEXT NOT NULL,
		root_cause TEXT,
		proposed_patch TEXT,
		regression_test TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_reflections_status ON reflections(status);

	CREATE TABLE IF NOT EXISTS skill_nodes (
		name TEXT PRIMARY KEY,
		exec_count INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 1.0,
		avg_latency_ms REAL NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS skill_edges (
		from_cap TEXT NOT NULL,
		to_cap TEXT NOT NULL,
		weight REAL NOT NULL,
		success_rate REAL NOT NULL,
		data_quality REAL NOT NULL,
		traversals INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (from_cap, to_cap)
	);

	CREATE TABLE IF NOT EXISTS session_messages (
		session_id TEXT NOT NULL,
		message_index INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (session_id, message_index)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		logging.Store("Closing store at %s", s.dbPath)
		return s.db.Close()
	}
	return nil
}

// nowString returns the canonical timestamp encoding used in every table.
func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// parseTime decodes a stored timestamp. Zero time on parse failure rather
// than failing the whole scan.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
