// Package heartbeat runs a maintenance task periodically, independent of
// user input. Runs never overlap, failed runs are retried with bounded
// exponential backoff, and a streak of failed runs is escalated once to the
// last user the assistant talked to.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/outbox"
)

// ErrInvalidInterval is returned by Start when the interval is not positive.
var ErrInvalidInterval = errors.New("heartbeat interval must be positive")

// Task is the work performed on every heartbeat.
type Task func(ctx context.Context) error

// Notifier queues the escalation message.
type Notifier interface {
	Enqueue(channel, userID, text string, maxRetries int) (int64, error)
}

// Target resolves who receives escalations. An empty channel means nobody
// is known yet.
type Target interface {
	LastChannel() (channel, userID string, err error)
}

// Config configures the scheduler.
type Config struct {
	// Interval is the time between the end of one run and the next.
	Interval time.Duration `yaml:"interval"`

	// RetryAttempts is how many extra attempts a failing run gets.
	RetryAttempts int `yaml:"retry_attempts"`

	// BaseDelay is the delay before the first retry inside a run.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the retry delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// NotifyAfterFailures is the streak length that triggers an escalation.
	NotifyAfterFailures int `yaml:"notify_after_failures"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Minute,
		RetryAttempts:       2,
		BaseDelay:           5 * time.Second,
		MaxDelay:            time.Minute,
		NotifyAfterFailures: 3,
	}
}

// State is a snapshot of the scheduler.
type State struct {
	Started             bool      `json:"started"`
	Running             bool      `json:"running"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRunAt           time.Time `json:"last_run_at,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	NextRunAt           time.Time `json:"next_run_at,omitzero"`
}

// Scheduler owns the heartbeat timer and run state.
type Scheduler struct {
	cfg      Config
	task     Task
	notifier Notifier
	target   Target
	logger   *slog.Logger

	mu                  sync.Mutex
	ctx                 context.Context
	started             bool
	running             bool
	timer               *time.Timer
	nextRunAt           time.Time
	runDone             chan struct{}
	consecutiveFailures int
	lastRunAt           time.Time
	lastError           string
}

// New creates a scheduler. notifier and target may be nil, in which case
// streaks are only logged.
func New(cfg Config, task Task, notifier Notifier, target Target, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.NotifyAfterFailures <= 0 {
		cfg.NotifyAfterFailures = def.NotifyAfterFailures
	}
	return &Scheduler{
		cfg:      cfg,
		task:     task,
		notifier: notifier,
		target:   target,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Start schedules an immediate run and keeps running every Interval until
// Stop. It refuses to start with a non-positive interval. ctx is passed to
// every run.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		s.logger.Error("heartbeat not started", "interval", s.cfg.Interval.String(), "error", ErrInvalidInterval)
		return ErrInvalidInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx = ctx
	s.started = true
	s.scheduleLocked(0)

	s.logger.Info("heartbeat started",
		"interval", s.cfg.Interval.String(),
		"retry_attempts", s.cfg.RetryAttempts,
		"notify_after", s.cfg.NotifyAfterFailures,
	)
	return nil
}

// Stop cancels the pending timer. A run in progress completes; no further
// run is scheduled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.nextRunAt = time.Time{}
	s.logger.Info("heartbeat stopped")
}

// Trigger starts a run now unless one is already in progress or the
// scheduler is stopped. It reports whether a run was started.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if !s.started || s.running {
		s.mu.Unlock()
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	done := s.beginLocked()
	s.mu.Unlock()

	go s.execute(done)
	return true
}

// Wait blocks until the run in progress, if any, has finished.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// State returns a snapshot of the scheduler.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Started:             s.started,
		Running:             s.running,
		ConsecutiveFailures: s.consecutiveFailures,
		LastRunAt:           s.lastRunAt,
		LastError:           s.lastError,
		NextRunAt:           s.nextRunAt,
	}
}

// scheduleLocked replaces the pending timer. Caller holds s.mu.
func (s *Scheduler) scheduleLocked(d time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.nextRunAt = time.Now().Add(d)
	s.timer = time.AfterFunc(d, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.logger.Info("heartbeat still running, skipping tick")
		s.scheduleLocked(s.cfg.Interval)
		s.mu.Unlock()
		return
	}
	s.timer = nil
	done := s.beginLocked()
	s.mu.Unlock()

	s.execute(done)
}

// beginLocked marks a run as in progress. Caller holds s.mu.
func (s *Scheduler) beginLocked() chan struct{} {
	s.running = true
	s.nextRunAt = time.Time{}
	s.runDone = make(chan struct{})
	return s.runDone
}

func (s *Scheduler) execute(done chan struct{}) {
	defer close(done)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	runID := uuid.New().String()[:8]
	start := time.Now()
	err := s.runWithRetry(ctx, runID)

	var escalate bool
	var streak int

	s.mu.Lock()
	s.running = false
	s.lastRunAt = start
	if err == nil {
		s.consecutiveFailures = 0
		s.lastError = ""
	} else {
		s.consecutiveFailures++
		s.lastError = err.Error()
		streak = s.consecutiveFailures
		escalate = streak == s.cfg.NotifyAfterFailures
	}
	if s.started {
		s.scheduleLocked(s.cfg.Interval)
	}
	s.mu.Unlock()

	if err == nil {
		s.logger.Debug("heartbeat run ok", "run", runID, "duration", time.Since(start).String())
		return
	}

	s.logger.Warn("heartbeat run failed", "run", runID, "streak", streak, "error", err)
	if escalate {
		s.notify(streak, err)
	}
}

// runWithRetry runs the task with up to RetryAttempts extra attempts.
func (s *Scheduler) runWithRetry(ctx context.Context, runID string) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = s.runTask(ctx); err == nil {
			return nil
		}
		if attempt >= s.cfg.RetryAttempts {
			return err
		}

		delay := outbox.Backoff(attempt, s.cfg.BaseDelay, s.cfg.MaxDelay)
		s.logger.Warn("heartbeat attempt failed",
			"run", runID,
			"attempt", attempt+1,
			"next_attempt", attempt+2,
			"delay", delay.String(),
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("heartbeat cancelled during backoff: %w", ctx.Err())
		}
	}
}

// runTask calls the task and turns a panic into an error.
func (s *Scheduler) runTask(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat task panicked: %v", r)
		}
	}()
	return s.task(ctx)
}

func (s *Scheduler) notify(streak int, cause error) {
	if s.notifier == nil || s.target == nil {
		s.logger.Error("heartbeat failing, no notifier configured", "streak", streak)
		return
	}

	channel, userID, err := s.target.LastChannel()
	if err != nil {
		s.logger.Error("heartbeat escalation: resolve last channel", "error", err)
		return
	}
	if channel == "" || userID == "" {
		s.logger.Debug("heartbeat escalation skipped, no known recipient")
		return
	}

	text := fmt.Sprintf("Heartbeat has failed %d times in a row. Last error: %v", streak, cause)
	if _, err := s.notifier.Enqueue(channel, userID, text, -1); err != nil {
		s.logger.Error("heartbeat escalation: enqueue", "error", err)
		return
	}
	s.logger.Error("heartbeat failing, user notified",
		"streak", streak,
		"channel", channel,
		"user", userID,
	)
}
