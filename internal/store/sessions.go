package store

import (
	"database/sql"

	"skillforge/internal/logging"
)

// SessionMessage is one conversational turn kept as prompt context.
type SessionMessage struct {
	SessionID    string
	MessageIndex int
	Role         string
	Content      string
	CreatedAt    string
}

// AppendSessionMessage persists one chat message, assigning the next
// index within the session.
func (s *Store) AppendSessionMessage(sessionID, role, content string) error {
	if sessionID == "" || content == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var maxIndex sql.NullInt64
	row := s.db.QueryRow(
		`SELECT MAX(message_index) FROM session_messages WHERE session_id = ?`, sessionID)
	if err := row.Scan(&maxIndex); err != nil {
		return err
	}
	next := 0
	if maxIndex.Valid {
		next = int(maxIndex.Int64) + 1
	}

	_, err := s.db.Exec(`
		INSERT INTO session_messages (session_id, message_index, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, next, role, content, nowString())
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to append session message: %v", err)
	}
	return err
}

// RecentSessionMessages returns the last N messages, oldest first, so
// they can prefix a prompt directly.
func (s *Store) RecentSessionMessages(sessionID string, limit int) ([]SessionMessage, error) {
	if sessionID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT session_id, message_index, role, content, created_at
		FROM session_messages WHERE session_id = ?
		ORDER BY message_index DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []SessionMessage
	for rows.Next() {
		var m SessionMessage
		if err := rows.Scan(&m.SessionID, &m.MessageIndex, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			continue
		}
		messages = append(messages, m)
	}

	// Reverse so the oldest message comes first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
