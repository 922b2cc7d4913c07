package database

import (
	"database/sql"
	"fmt"
	"time"
)

// HeartbeatTask is one item of the heartbeat checklist.
type HeartbeatTask struct {
	ID        int64     `json:"id"`
	Task      string    `json:"task"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// HeartbeatRepo stores the heartbeat checklist.
type HeartbeatRepo struct {
	db *sql.DB
}

// NewHeartbeatRepo creates the repository.
func NewHeartbeatRepo(db *sql.DB) *HeartbeatRepo {
	return &HeartbeatRepo{db: db}
}

// AddTask appends an enabled task.
func (r *HeartbeatRepo) AddTask(task string) (int64, error) {
	res, err := r.db.Exec(`INSERT INTO heartbeat_tasks (task, enabled, created_at) VALUES (?, 1, ?)`,
		task, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("add heartbeat task: %w", err)
	}
	return res.LastInsertId()
}

// ListTasks returns all tasks ordered by ID.
func (r *HeartbeatRepo) ListTasks() ([]HeartbeatTask, error) {
	rows, err := r.db.Query(`SELECT id, task, enabled, created_at FROM heartbeat_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list heartbeat tasks: %w", err)
	}
	defer rows.Close()

	var out []HeartbeatTask
	for rows.Next() {
		var t HeartbeatTask
		var enabled int
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Task, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat task: %w", err)
		}
		t.Enabled = enabled != 0
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// EnabledTasks returns the text of enabled tasks in ID order.
func (r *HeartbeatRepo) EnabledTasks() ([]string, error) {
	tasks, err := r.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range tasks {
		if t.Enabled {
			out = append(out, t.Task)
		}
	}
	return out, nil
}

// SetTaskEnabled toggles a task. Unknown IDs are an error.
func (r *HeartbeatRepo) SetTaskEnabled(id int64, enabled bool) error {
	res, err := r.db.Exec(`UPDATE heartbeat_tasks SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("update heartbeat task %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("heartbeat task %d not found", id)
	}
	return nil
}

// DeleteTask removes a task.
func (r *HeartbeatRepo) DeleteTask(id int64) error {
	if _, err := r.db.Exec(`DELETE FROM heartbeat_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete heartbeat task %d: %w", id, err)
	}
	return nil
}
