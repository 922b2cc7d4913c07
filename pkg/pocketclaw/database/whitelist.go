package database

import (
	"database/sql"
	"fmt"
	"time"
)

// WhitelistEntry is one allowed user.
type WhitelistEntry struct {
	Channel string    `json:"channel"`
	UserID  string    `json:"user_id"`
	AddedAt time.Time `json:"added_at"`
}

// WhitelistRepo stores the users allowed to talk to the assistant.
type WhitelistRepo struct {
	db *sql.DB
}

// NewWhitelistRepo creates the repository.
func NewWhitelistRepo(db *sql.DB) *WhitelistRepo {
	return &WhitelistRepo{db: db}
}

// IsWhitelisted reports whether the user is allowed.
func (r *WhitelistRepo) IsWhitelisted(channel, userID string) (bool, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM whitelist WHERE channel = ? AND user_id = ?`,
		channel, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check whitelist %s:%s: %w", channel, userID, err)
	}
	return n > 0, nil
}

// AddToWhitelist adds the user and reports whether it was newly added.
func (r *WhitelistRepo) AddToWhitelist(channel, userID string) (bool, error) {
	res, err := r.db.Exec(`INSERT OR IGNORE INTO whitelist (channel, user_id, added_at) VALUES (?, ?, ?)`,
		channel, userID, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("add to whitelist %s:%s: %w", channel, userID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveFromWhitelist removes the user and reports whether it was present.
func (r *WhitelistRepo) RemoveFromWhitelist(channel, userID string) (bool, error) {
	res, err := r.db.Exec(`DELETE FROM whitelist WHERE channel = ? AND user_id = ?`, channel, userID)
	if err != nil {
		return false, fmt.Errorf("remove from whitelist %s:%s: %w", channel, userID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns all entries ordered by channel and user.
func (r *WhitelistRepo) List() ([]WhitelistEntry, error) {
	rows, err := r.db.Query(`SELECT channel, user_id, added_at FROM whitelist ORDER BY channel, user_id`)
	if err != nil {
		return nil, fmt.Errorf("list whitelist: %w", err)
	}
	defer rows.Close()

	var out []WhitelistEntry
	for rows.Next() {
		var e WhitelistEntry
		var addedAt string
		if err := rows.Scan(&e.Channel, &e.UserID, &addedAt); err != nil {
			return nil, fmt.Errorf("scan whitelist: %w", err)
		}
		e.AddedAt = parseTime(addedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
