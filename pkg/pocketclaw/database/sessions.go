package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
)

// SessionRepo maps scope keys to backend session IDs.
type SessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates the repository.
func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

// GetSessionID returns "" when key has no session.
func (r *SessionRepo) GetSessionID(key string) (string, error) {
	var id string
	err := r.db.QueryRow(`SELECT session_id FROM sessions WHERE key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session %q: %w", key, err)
	}
	return id, nil
}

// SaveSessionID stores the session for key. A stored session is never
// replaced; saving over one returns session.ErrSessionExists.
func (r *SessionRepo) SaveSessionID(key, sessionID string) error {
	res, err := r.db.Exec(`
		INSERT INTO sessions (key, session_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, sessionID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save session %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session %q: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %q", session.ErrSessionExists, key)
	}
	return nil
}

// DeleteSession forgets the session for key.
func (r *SessionRepo) DeleteSession(key string) error {
	if _, err := r.db.Exec(`DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete session %q: %w", key, err)
	}
	return nil
}
