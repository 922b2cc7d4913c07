// Package session maps logical conversation scopes to backend session ids.
// A scope gets its backend session lazily, on first use, and keeps it until
// it is explicitly reset.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Well-known scope keys.
const (
	MainScope      = "main"
	HeartbeatScope = "heartbeat"
)

var (
	// ErrSessionCreationFailed is returned when the backend could not mint
	// a session. Callers must not retry it blindly.
	ErrSessionCreationFailed = errors.New("session creation failed")

	// ErrSessionExists is returned by a Repository asked to save over a
	// stored session.
	ErrSessionExists = errors.New("session already exists")
)

// UserScope is the scope key of one user on one channel.
func UserScope(channel, userID string) string {
	return channel + ":" + userID
}

// JobScope is the scope key of a scheduled job.
func JobScope(jobID string) string {
	return "job:" + jobID
}

// Repository persists scope → session id. GetSessionID returns "" with a
// nil error when the scope has no session yet. SaveSessionID never
// replaces a stored id; it returns ErrSessionExists instead.
type Repository interface {
	GetSessionID(key string) (string, error)
	SaveSessionID(key, sessionID string) error
	DeleteSession(key string) error
}

// Creator allocates sessions on the conversational backend.
type Creator interface {
	CreateSession(ctx context.Context, hint string) (string, error)
}

// Manager hands out session ids per scope key. It does no locking of its
// own; callers serialize concurrent requests for the same key.
type Manager struct {
	repo    Repository
	backend Creator
	logger  *slog.Logger
}

// NewManager creates a session manager.
func NewManager(repo Repository, backend Creator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:    repo,
		backend: backend,
		logger:  logger.With("component", "session"),
	}
}

// GetOrCreate returns the session id stored for scopeKey, creating one on
// the backend when none exists. Stored ids are returned as is; there is no
// expiry.
func (m *Manager) GetOrCreate(ctx context.Context, scopeKey string) (string, error) {
	id, err := m.repo.GetSessionID(scopeKey)
	if err != nil {
		return "", fmt.Errorf("load session %q: %w", scopeKey, err)
	}
	if id != "" {
		return id, nil
	}

	id, err = m.backend.CreateSession(ctx, scopeKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSessionCreationFailed, err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: backend returned no session id for %q", ErrSessionCreationFailed, scopeKey)
	}

	if err := m.repo.SaveSessionID(scopeKey, id); err != nil {
		if !errors.Is(err, ErrSessionExists) {
			return "", fmt.Errorf("save session %q: %w", scopeKey, err)
		}
		stored, gerr := m.repo.GetSessionID(scopeKey)
		if gerr != nil || stored == "" {
			return "", fmt.Errorf("save session %q: %w", scopeKey, err)
		}
		m.logger.Warn("session created concurrently, keeping the stored one",
			"scope", scopeKey, "stored", stored, "discarded", id)
		return stored, nil
	}

	m.logger.Info("session created", "scope", scopeKey, "session_id", id)
	return id, nil
}

// Reset forgets the session of scopeKey so the next GetOrCreate starts a
// fresh context. Resetting an unknown scope is not an error.
func (m *Manager) Reset(scopeKey string) error {
	if err := m.repo.DeleteSession(scopeKey); err != nil {
		return fmt.Errorf("reset session %q: %w", scopeKey, err)
	}
	m.logger.Info("session reset", "scope", scopeKey)
	return nil
}
