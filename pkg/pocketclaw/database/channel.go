package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
)

// ChannelRepo stores the most recent inbound channel/user pair.
type ChannelRepo struct {
	db *sql.DB
}

// NewChannelRepo creates the repository.
func NewChannelRepo(db *sql.DB) *ChannelRepo {
	return &ChannelRepo{db: db}
}

// SaveLastChannel overwrites the single last-channel row.
func (r *ChannelRepo) SaveLastChannel(channel, userID string) error {
	_, err := r.db.Exec(`
		INSERT INTO last_channel (id, channel, user_id, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET channel = excluded.channel, user_id = excluded.user_id, updated_at = excluded.updated_at`,
		channel, userID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save last channel: %w", err)
	}
	return nil
}

// GetLastChannel returns nil when nothing was recorded yet.
func (r *ChannelRepo) GetLastChannel() (*channels.LastChannel, error) {
	var lc channels.LastChannel
	var updatedAt string
	err := r.db.QueryRow(`SELECT channel, user_id, updated_at FROM last_channel WHERE id = 1`).
		Scan(&lc.Channel, &lc.UserID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last channel: %w", err)
	}
	lc.UpdatedAt = parseTime(updatedAt)
	return &lc, nil
}

// LastChannel returns the pair as strings, both empty when unknown.
func (r *ChannelRepo) LastChannel() (string, string, error) {
	lc, err := r.GetLastChannel()
	if err != nil || lc == nil {
		return "", "", err
	}
	return lc.Channel, lc.UserID, nil
}
