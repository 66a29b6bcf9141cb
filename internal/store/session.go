package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"signalzero/internal/logging"
	"signalzero/internal/types"
)

// AppendHistory appends one chat turn to a session's history. Turn content
// is encrypted before it reaches the database.
func (s *LocalStore) AppendHistory(sessionID, role, content string) error {
	if sessionID == "" {
		return fmt.Errorf("session id required")
	}

	sealed, err := s.history.seal(content)
	if err != nil {
		return fmt.Errorf("failed to encrypt turn for session %s: %w", sessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var next int
	err = s.db.QueryRow(
		"SELECT COALESCE(MAX(turn_number), 0) + 1 FROM session_history WHERE session_id = ?",
		sessionID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to determine next turn for session %s: %w", sessionID, err)
	}

	_, err = s.db.Exec(
		"INSERT INTO session_history (session_id, turn_number, role, content) VALUES (?, ?, ?, ?)",
		sessionID, next, role, sealed,
	)
	if err != nil {
		return fmt.Errorf("failed to append history for session %s: %w", sessionID, err)
	}
	return nil
}

// GetHistory returns the most recent turns for a session in chronological
// order. A non-positive limit returns the full history.
func (s *LocalStore) GetHistory(sessionID string, limit int) ([]types.HistoryTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT role, content FROM session_history WHERE session_id = ? ORDER BY turn_number DESC"
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []types.HistoryTurn
	for rows.Next() {
		var turn types.HistoryTurn
		var sealed string
		if err := rows.Scan(&turn.Role, &sealed); err != nil {
			return nil, err
		}
		if turn.Content, err = s.history.open(sealed); err != nil {
			return nil, fmt.Errorf("session %s: %w", sessionID, err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fetched newest-first for the LIMIT; callers want oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// WriteLedger persists a session ledger exactly once. A second write for
// the same session returns ErrLedgerExists and leaves the first intact.
func (s *LocalStore) WriteLedger(ledger types.SessionLedger) error {
	if ledger.SessionID == "" {
		return fmt.Errorf("session id required")
	}

	doc, err := json.Marshal(ledger)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger for session %s: %w", ledger.SessionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM session_ledger WHERE session_id = ?", ledger.SessionID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check ledger for session %s: %w", ledger.SessionID, err)
	}
	if exists > 0 {
		return fmt.Errorf("session %s: %w", ledger.SessionID, ErrLedgerExists)
	}

	_, err = s.db.Exec(
		"INSERT INTO session_ledger (session_id, doc) VALUES (?, ?)",
		ledger.SessionID, string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to write ledger for session %s: %w", ledger.SessionID, err)
	}

	logging.Session("Ledger written for session %s (%d phases, reason=%s)",
		ledger.SessionID, len(ledger.Phases), ledger.Reason)
	return nil
}

// GetLedger loads a previously written session ledger.
func (s *LocalStore) GetLedger(sessionID string) (types.SessionLedger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRow("SELECT doc FROM session_ledger WHERE session_id = ?", sessionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return types.SessionLedger{}, fmt.Errorf("session %s: %w", sessionID, ErrLedgerNotFound)
	}
	if err != nil {
		return types.SessionLedger{}, fmt.Errorf("failed to query ledger for session %s: %w", sessionID, err)
	}

	var ledger types.SessionLedger
	if err := json.Unmarshal([]byte(doc), &ledger); err != nil {
		return types.SessionLedger{}, fmt.Errorf("failed to decode ledger for session %s: %w", sessionID, err)
	}
	return ledger, nil
}
