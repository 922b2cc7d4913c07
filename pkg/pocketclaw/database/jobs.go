package database

import (
	"database/sql"
	"fmt"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
)

// JobRepo persists scheduler jobs.
type JobRepo struct {
	db *sql.DB
}

// NewJobRepo creates the repository.
func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

// Save persists a job (insert or update).
func (r *JobRepo) Save(job *scheduler.Job) error {
	var lastRunAt sql.NullString
	if job.LastRunAt != nil {
		lastRunAt = sql.NullString{String: formatTime(*job.LastRunAt), Valid: true}
	}

	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO jobs
			(id, schedule, type, prompt, channel, user_id, enabled,
			 created_at, last_run_at, last_error, run_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Schedule, job.Type, job.Prompt, job.Channel, job.UserID,
		boolToInt(job.Enabled), formatTime(job.CreatedAt), lastRunAt,
		job.LastError, job.RunCount,
	)
	if err != nil {
		return fmt.Errorf("save job %q: %w", job.ID, err)
	}
	return nil
}

// Delete removes a job by ID.
func (r *JobRepo) Delete(id string) error {
	if _, err := r.db.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete job %q: %w", id, err)
	}
	return nil
}

// LoadAll reads all persisted jobs.
func (r *JobRepo) LoadAll() ([]*scheduler.Job, error) {
	rows, err := r.db.Query(`
		SELECT id, schedule, type, prompt, channel, user_id, enabled,
		       created_at, last_run_at, last_error, run_count
		FROM jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*scheduler.Job
	for rows.Next() {
		var (
			j         scheduler.Job
			enabled   int
			createdAt string
			lastRunAt sql.NullString
		)
		if err := rows.Scan(
			&j.ID, &j.Schedule, &j.Type, &j.Prompt,
			&j.Channel, &j.UserID, &enabled,
			&createdAt, &lastRunAt, &j.LastError, &j.RunCount,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Enabled = enabled != 0
		j.CreatedAt = parseTime(createdAt)
		if lastRunAt.Valid {
			t := parseTime(lastRunAt.String)
			j.LastRunAt = &t
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}
