package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/security"
)

// AttemptRepo persists brute-force records so a restart does not reset a
// lockout.
type AttemptRepo struct {
	db *sql.DB
}

// NewAttemptRepo creates the repository.
func NewAttemptRepo(db *sql.DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

// Get returns nil, nil for an unknown key.
func (r *AttemptRepo) Get(userID string) (*security.Record, error) {
	var (
		raw     string
		blocked sql.NullInt64
	)
	err := r.db.QueryRow(`SELECT attempts, blocked_until FROM pairing_attempts WHERE user_id = ?`, userID).
		Scan(&raw, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get attempts %q: %w", userID, err)
	}

	var ms []int64
	if err := json.Unmarshal([]byte(raw), &ms); err != nil {
		return nil, fmt.Errorf("decode attempts %q: %w", userID, err)
	}
	rec := &security.Record{UserID: userID}
	for _, v := range ms {
		rec.Attempts = append(rec.Attempts, fromMillis(v))
	}
	if blocked.Valid {
		t := fromMillis(blocked.Int64)
		rec.BlockedUntil = &t
	}
	return rec, nil
}

// Put upserts rec.
func (r *AttemptRepo) Put(rec *security.Record) error {
	ms := make([]int64, 0, len(rec.Attempts))
	var last int64
	for _, at := range rec.Attempts {
		v := toMillis(at)
		ms = append(ms, v)
		last = max(last, v)
	}
	raw, err := json.Marshal(ms)
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}
	var blocked sql.NullInt64
	if rec.BlockedUntil != nil {
		blocked = sql.NullInt64{Int64: toMillis(*rec.BlockedUntil), Valid: true}
	}

	_, err = r.db.Exec(`
		INSERT INTO pairing_attempts (user_id, attempts, last_attempt_at, blocked_until) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			attempts = excluded.attempts,
			last_attempt_at = excluded.last_attempt_at,
			blocked_until = excluded.blocked_until`,
		rec.UserID, string(raw), last, blocked)
	if err != nil {
		return fmt.Errorf("put attempts %q: %w", rec.UserID, err)
	}
	return nil
}

// Delete removes the record of userID.
func (r *AttemptRepo) Delete(userID string) error {
	if _, err := r.db.Exec(`DELETE FROM pairing_attempts WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete attempts %q: %w", userID, err)
	}
	return nil
}

// DeleteExpired removes expired blocks and unblocked records with no
// attempt inside the trailing window.
func (r *AttemptRepo) DeleteExpired(now time.Time, window time.Duration) error {
	_, err := r.db.Exec(`
		DELETE FROM pairing_attempts
		WHERE (blocked_until IS NOT NULL AND blocked_until <= ?)
		   OR (blocked_until IS NULL AND last_attempt_at <= ?)`,
		toMillis(now), toMillis(now.Add(-window)))
	if err != nil {
		return fmt.Errorf("delete expired attempts: %w", err)
	}
	return nil
}
