// Package scheduler runs user-defined prompts on a schedule and hands the
// results to the outbox so they survive a flaky channel.
// Uses robfig/cron for cron expression parsing and execution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Schedule types.
const (
	TypeCron  = "cron"
	TypeEvery = "every"
	TypeAt    = "at"
)

// Errors.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
	ErrJobRunning  = errors.New("job already running")
	ErrJobTooSoon  = errors.New("job ran too recently")
)

// Job is a scheduled prompt.
type Job struct {
	ID string `json:"id" yaml:"id"`

	// Schedule is a 5-field cron expression or descriptor (@daily) for
	// TypeCron, a duration for TypeEvery and a time for TypeAt.
	Schedule string `json:"schedule" yaml:"schedule"`
	Type     string `json:"type" yaml:"type"`

	// Prompt is sent to the backend when the job fires.
	Prompt string `json:"prompt" yaml:"prompt"`

	// Channel and UserID receive the result.
	Channel string `json:"channel" yaml:"channel"`
	UserID  string `json:"user_id" yaml:"user_id"`

	Enabled   bool       `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time  `json:"created_at" yaml:"created_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	RunCount  int        `json:"run_count" yaml:"run_count"`
}

// JobHandler is called when a job fires and returns the text to deliver.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// JobStorage persists jobs.
type JobStorage interface {
	Save(job *Job) error
	Delete(id string) error
	LoadAll() ([]*Job, error)
}

// Notifier queues a job result for delivery.
type Notifier interface {
	Enqueue(channel, userID, text string, maxRetries int) (int64, error)
}

// Scheduler manages scheduled jobs.
type Scheduler struct {
	jobs        map[string]*Job
	cron        *cron.Cron
	cronIDs     map[string]cron.EntryID
	runningJobs map[string]bool

	storage  JobStorage
	handler  JobHandler
	notifier Notifier

	// jobTimeout bounds a single execution.
	jobTimeout time.Duration

	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc

	// stopping releases pending one-shot timers without cancelling runs.
	stopping chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. storage and notifier may be nil.
func New(storage JobStorage, handler JobHandler, notifier Notifier, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:        make(map[string]*Job),
		cronIDs:     make(map[string]cron.EntryID),
		runningJobs: make(map[string]bool),
		storage:     storage,
		handler:     handler,
		notifier:    notifier,
		jobTimeout:  5 * time.Minute,
		ctx:         context.Background(),
		stopping:    make(chan struct{}),
		logger:      logger.With("component", "scheduler"),
	}
}

// SetJobTimeout overrides the per-run timeout.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.jobTimeout = d
	}
}

// Add validates and registers a job. An empty ID gets a generated one.
func (s *Scheduler) Add(job *Job) error {
	if job.Schedule == "" {
		return fmt.Errorf("job schedule is required")
	}
	if job.Prompt == "" {
		return fmt.Errorf("job prompt is required")
	}
	if job.Type == "" {
		job.Type = TypeCron
	}
	if err := validateSchedule(job.Type, job.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	if job.Type == TypeAt {
		// Pin relative times so a restart does not push the job back.
		target, _ := parseOneShotTime(job.Schedule, time.Now())
		job.Schedule = target.Format(time.RFC3339Nano)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()[:8]
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %q", ErrJobExists, job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if s.cron != nil && job.Enabled {
		if err := s.scheduleCronJob(job); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
		}
	}
	s.jobs[job.ID] = job
	s.persist(job)

	s.logger.Info("job added",
		"id", job.ID,
		"schedule", job.Schedule,
		"type", job.Type,
		"channel", job.Channel,
	)
	return nil
}

// Remove deletes a job by ID.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[jobID]; !exists {
		return fmt.Errorf("%w: %q", ErrJobNotFound, jobID)
	}
	s.unscheduleLocked(jobID)
	delete(s.jobs, jobID)

	if s.storage != nil {
		if err := s.storage.Delete(jobID); err != nil {
			s.logger.Error("failed to remove job from storage", "id", jobID, "error", err)
		}
	}
	s.logger.Info("job removed", "id", jobID)
	return nil
}

// SetEnabled pauses or resumes a job.
func (s *Scheduler) SetEnabled(jobID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, jobID)
	}
	if job.Enabled == enabled {
		return nil
	}
	job.Enabled = enabled
	s.unscheduleLocked(jobID)
	if enabled && s.cron != nil {
		if err := s.scheduleCronJob(job); err != nil {
			return err
		}
	}
	s.persist(job)
	return nil
}

// List returns copies of all jobs ordered by ID.
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		result = append(result, *j)
	}
	sort.Slice(result, func(a, b int) bool { return result[a].ID < result[b].ID })
	return result
}

// Get returns a copy of a job.
func (s *Scheduler) Get(jobID string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// RunNow executes a job immediately and waits for it. It returns the
// job's error, or ErrJobRunning / ErrJobTooSoon when the run was skipped.
func (s *Scheduler) RunNow(jobID string) error {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, jobID)
	}
	return s.executeJob(job)
}

// Load reads persisted jobs into memory without scheduling them. Start
// calls it; the CLI uses it alone to inspect and edit jobs offline.
func (s *Scheduler) Load() error {
	if s.storage == nil {
		return nil
	}
	jobs, err := s.storage.LoadAll()
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	s.mu.Lock()
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	s.mu.Unlock()
	s.logger.Debug("jobs loaded from storage", "count", len(jobs))
	return nil
}

// Start loads persisted jobs and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopping = make(chan struct{})
	s.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	s.mu.Unlock()

	if err := s.Load(); err != nil {
		s.logger.Error("failed to load jobs", "error", err)
	}

	s.mu.Lock()
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if err := s.scheduleCronJob(job); err != nil {
			s.logger.Warn("skipping job with invalid schedule",
				"id", job.ID, "schedule", job.Schedule, "error", err)
		}
	}
	jobCount := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", jobCount, "cron_entries", len(s.cron.Entries()))
	return nil
}

// Stop halts scheduling and waits for running jobs to finish, up to 10s.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	select {
	case <-s.stopping:
	default:
		close(s.stopping)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if c != nil {
			<-c.Stop().Done()
		}
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// scheduleCronJob registers a job with cron. Caller holds s.mu.
func (s *Scheduler) scheduleCronJob(job *Job) error {
	if job.Type == TypeAt {
		target, err := parseOneShotTime(job.Schedule, time.Now())
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go s.runOneShotJob(s.ctx, s.stopping, job, target)
		return nil
	}

	schedule := job.Schedule
	if job.Type == TypeEvery && !strings.HasPrefix(schedule, "@") {
		schedule = "@every " + schedule
	}
	entryID, err := s.cron.AddFunc(schedule, func() { _ = s.executeJob(job) })
	if err != nil {
		return err
	}
	s.cronIDs[job.ID] = entryID
	return nil
}

func (s *Scheduler) unscheduleLocked(jobID string) {
	if entryID, ok := s.cronIDs[jobID]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, jobID)
	}
}

// runOneShotJob waits until target, runs the job once and removes it.
func (s *Scheduler) runOneShotJob(ctx context.Context, stopping <-chan struct{}, job *Job, target time.Time) {
	defer s.wg.Done()

	timer := time.NewTimer(time.Until(target))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-stopping:
		return
	case <-ctx.Done():
		return
	}

	if current, ok := s.Get(job.ID); !ok || !current.Enabled {
		s.logger.Info("one-shot job was removed or paused before firing", "id", job.ID)
		return
	}
	_ = s.executeJob(job)
	_ = s.Remove(job.ID)
}

// minJobInterval prevents a job from firing twice within the same second
// boundary.
const minJobInterval = 2 * time.Second

// executeJob runs a job once. Concurrent fires of the same job are skipped,
// panics are recovered and each run is bounded by the job timeout.
func (s *Scheduler) executeJob(job *Job) error {
	s.mu.Lock()
	if s.runningJobs[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", job.ID)
		return fmt.Errorf("%w: %q", ErrJobRunning, job.ID)
	}
	if job.LastRunAt != nil && time.Since(*job.LastRunAt) < minJobInterval {
		s.mu.Unlock()
		s.logger.Debug("skipping job (ran too recently)", "id", job.ID)
		return fmt.Errorf("%w: %q", ErrJobTooSoon, job.ID)
	}
	s.runningJobs[job.ID] = true
	now := time.Now()
	job.LastRunAt = &now
	job.RunCount++
	parent, timeout := s.ctx, s.jobTimeout
	s.persist(job)
	s.mu.Unlock()

	result, err := s.invoke(parent, timeout, job)

	s.mu.Lock()
	delete(s.runningJobs, job.ID)
	if err != nil {
		job.LastError = err.Error()
	} else {
		job.LastError = ""
	}
	_, stillExists := s.jobs[job.ID]
	if stillExists {
		s.persist(job)
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "id", job.ID, "error", err)
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	s.logger.Info("scheduled job completed", "id", job.ID, "result_len", len(result))

	if result == "" || job.Channel == "" || job.UserID == "" || s.notifier == nil {
		return nil
	}
	if _, err := s.notifier.Enqueue(job.Channel, job.UserID, result, -1); err != nil {
		s.logger.Error("failed to queue job result", "id", job.ID, "channel", job.Channel, "error", err)
		return fmt.Errorf("queue result of job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Scheduler) invoke(parent context.Context, timeout time.Duration, job *Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s.handler == nil {
		return "", fmt.Errorf("no handler configured")
	}
	if parent == nil {
		// Not started: RunNow from the CLI or the gateway.
		parent = context.Background()
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()
	return s.handler(ctx, job)
}

// persist saves a job. Caller holds s.mu.
func (s *Scheduler) persist(job *Job) {
	if s.storage == nil {
		return
	}
	if err := s.storage.Save(job); err != nil {
		s.logger.Error("failed to persist job", "id", job.ID, "error", err)
	}
}

func validateSchedule(typ, schedule string) error {
	switch typ {
	case TypeCron:
		_, err := cron.ParseStandard(schedule)
		return err
	case TypeEvery:
		if strings.HasPrefix(schedule, "@") {
			_, err := cron.ParseStandard(schedule)
			return err
		}
		d, err := time.ParseDuration(schedule)
		if err != nil {
			return err
		}
		if d < time.Second {
			return fmt.Errorf("interval must be at least 1s")
		}
		return nil
	case TypeAt:
		_, err := parseOneShotTime(schedule, time.Now())
		return err
	default:
		return fmt.Errorf("unknown schedule type %q", typ)
	}
}

// parseOneShotTime accepts a relative duration ("90m"), RFC 3339,
// "2006-01-02 15:04" or "15:04" (today, or tomorrow if already past).
func parseOneShotTime(value string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return now.Add(d), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04", value, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse("15:04", value); err == nil {
		target := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if !target.After(now) {
			target = target.Add(24 * time.Hour)
		}
		return target, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time format: %s", value)
}
