package store

import (
	"database/sql"
	"time"

	"skillforge/internal/logging"
)

// Execution is one append-only capability invocation record.
type Execution struct {
	ID          string
	SessionID   string
	Capability  string
	OrderIndex  int
	Inputs      string // JSON
	Output      string // JSON
	Success     bool
	ErrorText   string
	ErrorKind   string
	LatencyMs   int64
	RequestText string
	CreatedAt   time.Time
}

// CapabilityStats aggregates execution history for one capability.
type CapabilityStats struct {
	Capability  string
	Executions  int
	Successes   int
	SuccessRate float64
	AvgLatency  float64
}

// Metrics aggregates recent execution history across all capabilities.
type Metrics struct {
	TotalExecutions int
	SuccessRate     float64
	AvgLatencyMs    float64
}

// InsertExecution appends an execution record.
func (s *Store) InsertExecution(exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	successInt := 0
	if exec.Success {
		successInt = 1
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO executions
		(id, session_id, capability, order_index, inputs, output, success,
		 error_text, error_kind, latency_ms, request_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.SessionID, exec.Capability, exec.OrderIndex,
		exec.Inputs, exec.Output, successInt, exec.ErrorText, exec.ErrorKind,
		exec.LatencyMs, exec.RequestText, nowString(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to insert execution %s: %v", exec.ID, err)
		return err
	}

	logging.StoreDebug("Inserted execution %s (capability=%s, success=%v)", exec.ID, exec.Capability, exec.Success)
	return nil
}

// SessionExecutions returns a session's executions in invocation order.
func (s *Store) SessionExecutions(sessionID string) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, capability, order_index, inputs, output,
		       success, error_text, error_kind, latency_ms, request_text, created_at
		FROM executions WHERE session_id = ? ORDER BY order_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// RecentExecutions returns executions created at or after the cutoff.
func (s *Store) RecentExecutions(since time.Time) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, session_id, capability, order_index, inputs, output,
		       success, error_text, error_kind, latency_ms, request_text, created_at
		FROM executions WHERE created_at >= ? ORDER BY created_at DESC`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// GetExecution retrieves one execution by id.
func (s *Store) GetExecution(id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, session_id, capability, order_index, inputs, output,
		       success, error_text, error_kind, latency_ms, request_text, created_at
		FROM executions WHERE id = ?`, id)

	var exec Execution
	var successInt int
	var createdAt string
	err := row.Scan(
		&exec.ID, &exec.SessionID, &exec.Capability, &exec.OrderIndex,
		&exec.Inputs, &exec.Output, &successInt, &exec.ErrorText,
		&exec.ErrorKind, &exec.LatencyMs, &exec.RequestText, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	exec.Success = successInt == 1
	exec.CreatedAt = parseTime(createdAt)
	return &exec, nil
}

// GetCapabilityStats aggregates success rate and usage frequency for one
// capability. Used by retrieval reranking.
func (s *Store) GetCapabilityStats(capability string) (*CapabilityStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &CapabilityStats{Capability: capability}
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM executions WHERE capability = ?`, capability)
	if err := row.Scan(&stats.Executions, &stats.Successes, &stats.AvgLatency); err != nil {
		return nil, err
	}

	if stats.Executions > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Executions)
	}
	return stats, nil
}

// GetMetrics aggregates execution history since the cutoff. Feeds the
// auto-tuner's baseline.
func (s *Store) GetMetrics(since time.Time) (*Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := &Metrics{}
	var successes int
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM executions WHERE created_at >= ?`,
		since.UTC().Format(time.RFC3339Nano))
	if err := row.Scan(&m.TotalExecutions, &successes, &m.AvgLatencyMs); err != nil {
		return nil, err
	}

	if m.TotalExecutions > 0 {
		m.SuccessRate = float64(successes) / float64(m.TotalExecutions)
	}
	return m, nil
}

func scanExecutions(rows *sql.Rows) ([]Execution, error) {
	var executions []Execution

	for rows.Next() {
		var exec Execution
		var successInt int
		var createdAt string

		err := rows.Scan(
			&exec.ID, &exec.SessionID, &exec.Capability, &exec.OrderIndex,
			&exec.Inputs, &exec.Output, &successInt, &exec.ErrorText,
			&exec.ErrorKind, &exec.LatencyMs, &exec.RequestText, &createdAt,
		)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Execution row scan failed: %v", err)
			continue
		}

		exec.Success = successInt == 1
		exec.CreatedAt = parseTime(createdAt)
		executions = append(executions, exec)
	}

	return executions, nil
}
