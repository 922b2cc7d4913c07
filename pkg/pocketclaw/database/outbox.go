package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/outbox"
)

// OutboxRepo persists the outbox queue.
type OutboxRepo struct {
	db *sql.DB
}

// NewOutboxRepo creates the repository.
func NewOutboxRepo(db *sql.DB) *OutboxRepo {
	return &OutboxRepo{db: db}
}

// Enqueue inserts msg and returns its ID.
func (r *OutboxRepo) Enqueue(msg *outbox.Message) (int64, error) {
	var next sql.NullInt64
	if msg.NextRetryAt != nil {
		next = sql.NullInt64{Int64: toMillis(*msg.NextRetryAt), Valid: true}
	}
	res, err := r.db.Exec(`
		INSERT INTO outbox (channel, user_id, text, created_at, retry_count, max_retries, next_retry_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.Channel, msg.UserID, msg.Text, formatTime(msg.CreatedAt),
		msg.RetryCount, msg.MaxRetries, next,
	)
	if err != nil {
		return 0, fmt.Errorf("insert outbox row: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("outbox row id: %w", err)
	}
	msg.ID = id
	return id, nil
}

// ListPending returns rows of channel due at now, ordered by ID.
func (r *OutboxRepo) ListPending(channel string, now time.Time) ([]outbox.Message, error) {
	return r.query(`
		SELECT id, channel, user_id, text, created_at, retry_count, max_retries, next_retry_at
		FROM outbox
		WHERE channel = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY id`, channel, toMillis(now))
}

// List returns every row of channel ordered by ID. An empty channel lists
// all channels.
func (r *OutboxRepo) List(channel string) ([]outbox.Message, error) {
	return r.query(`
		SELECT id, channel, user_id, text, created_at, retry_count, max_retries, next_retry_at
		FROM outbox
		WHERE ? = '' OR channel = ?
		ORDER BY id`, channel, channel)
}

// Acknowledge deletes a delivered row.
func (r *OutboxRepo) Acknowledge(id int64) error {
	if _, err := r.db.Exec(`DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete outbox row %d: %w", id, err)
	}
	return nil
}

// MarkRetry records a failed attempt on a row.
func (r *OutboxRepo) MarkRetry(id int64, retryCount int, nextRetryAt time.Time) error {
	_, err := r.db.Exec(`UPDATE outbox SET retry_count = ?, next_retry_at = ? WHERE id = ?`,
		retryCount, toMillis(nextRetryAt), id)
	if err != nil {
		return fmt.Errorf("update outbox row %d: %w", id, err)
	}
	return nil
}

func (r *OutboxRepo) query(q string, args ...any) ([]outbox.Message, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var msgs []outbox.Message
	for rows.Next() {
		var (
			m         outbox.Message
			createdAt string
			next      sql.NullInt64
		)
		if err := rows.Scan(&m.ID, &m.Channel, &m.UserID, &m.Text, &createdAt,
			&m.RetryCount, &m.MaxRetries, &next); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		if next.Valid {
			t := fromMillis(next.Int64)
			m.NextRetryAt = &t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
