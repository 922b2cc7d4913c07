// Package security guards the pairing flow: a brute-force lockout on
// failed attempts and the token check that adds users to the whitelist.
package security

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Record is the failure history of one key.
type Record struct {
	UserID       string
	Attempts     []time.Time
	BlockedUntil *time.Time
}

// AttemptStore persists failure records. Get returns nil, nil for an
// unknown key. DeleteExpired removes records whose block has expired and
// unblocked records with no attempt inside the trailing window.
type AttemptStore interface {
	Get(userID string) (*Record, error)
	Put(rec *Record) error
	Delete(userID string) error
	DeleteExpired(now time.Time, window time.Duration) error
}

// GuardConfig configures the lockout.
type GuardConfig struct {
	// MaxFailures is how many failures inside Window trigger a block.
	MaxFailures int `yaml:"max_failures"`

	// Window is the trailing period failures are counted in.
	Window time.Duration `yaml:"window"`

	// BlockDuration is how long a block lasts.
	BlockDuration time.Duration `yaml:"block_duration"`
}

// DefaultGuardConfig returns sensible defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxFailures:   5,
		Window:        15 * time.Minute,
		BlockDuration: 15 * time.Minute,
	}
}

// Guard is a failure-count / time-window lockout.
type Guard struct {
	store  AttemptStore
	cfg    GuardConfig
	now    func() time.Time
	logger *slog.Logger

	// mu makes each read-modify-write of a record atomic.
	mu sync.Mutex
}

// NewGuard creates a guard. A nil store keeps state in memory.
func NewGuard(store AttemptStore, cfg GuardConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	def := DefaultGuardConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = def.BlockDuration
	}
	return &Guard{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "bruteforce"),
	}
}

// Check reports whether userID may attempt now. An active block denies;
// an expired one is cleared and allows. Any store failure denies.
func (g *Guard) Check(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.sweep(now)

	rec, err := g.store.Get(userID)
	if err != nil {
		g.logger.Error("read attempt record, denying", "user", userID, "error", err)
		return false
	}
	if rec == nil || rec.BlockedUntil == nil {
		return true
	}
	if now.Before(*rec.BlockedUntil) {
		return false
	}

	if err := g.store.Delete(userID); err != nil {
		g.logger.Error("clear expired block, denying", "user", userID, "error", err)
		return false
	}
	g.logger.Info("block expired", "user", userID)
	return true
}

// RecordFailure registers a failed attempt and blocks userID once the
// failures inside the window reach MaxFailures.
func (g *Guard) RecordFailure(userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.sweep(now)

	rec, err := g.store.Get(userID)
	if err != nil {
		return fmt.Errorf("read attempts of %s: %w", userID, err)
	}
	if rec == nil || (rec.BlockedUntil != nil && !now.Before(*rec.BlockedUntil)) {
		rec = &Record{UserID: userID}
	}

	rec.Attempts = append(pruneAttempts(rec.Attempts, now.Add(-g.cfg.Window)), now)

	if rec.BlockedUntil == nil && len(rec.Attempts) >= g.cfg.MaxFailures {
		until := now.Add(g.cfg.BlockDuration)
		rec.BlockedUntil = &until
		g.logger.Warn("too many failed attempts, blocking",
			"user", userID,
			"failures", len(rec.Attempts),
			"until", until.Format(time.RFC3339),
		)
	}

	if err := g.store.Put(rec); err != nil {
		return fmt.Errorf("save attempts of %s: %w", userID, err)
	}
	return nil
}

// RecordSuccess clears the history of userID.
func (g *Guard) RecordSuccess(userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.sweep(g.now())
	if err := g.store.Delete(userID); err != nil {
		return fmt.Errorf("clear attempts of %s: %w", userID, err)
	}
	return nil
}

func (g *Guard) sweep(now time.Time) {
	if err := g.store.DeleteExpired(now, g.cfg.Window); err != nil {
		g.logger.Warn("sweep expired attempt records", "error", err)
	}
}

// pruneAttempts drops attempts at or before cutoff.
func pruneAttempts(attempts []time.Time, cutoff time.Time) []time.Time {
	kept := attempts[:0:0]
	for _, at := range attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	return kept
}

// MemoryStore is an in-process AttemptStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Get(userID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Attempts = append([]time.Time(nil), rec.Attempts...)
	return &cp, nil
}

func (m *MemoryStore) Put(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Attempts = append([]time.Time(nil), rec.Attempts...)
	m.records[rec.UserID] = &cp
	return nil
}

func (m *MemoryStore) Delete(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID)
	return nil
}

func (m *MemoryStore) DeleteExpired(now time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-window)
	for id, rec := range m.records {
		if Expired(rec, now, cutoff) {
			delete(m.records, id)
		}
	}
	return nil
}

// Expired reports whether rec carries no live state at now: its block has
// ended, or it is unblocked and its newest attempt is at or before cutoff.
func Expired(rec *Record, now, cutoff time.Time) bool {
	if rec.BlockedUntil != nil {
		return !now.Before(*rec.BlockedUntil)
	}
	for _, at := range rec.Attempts {
		if at.After(cutoff) {
			return false
		}
	}
	return true
}

// Len reports how many records are held.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
