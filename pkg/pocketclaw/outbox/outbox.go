// Package outbox is the durable queue for proactive messages: anything the
// assistant sends without a user having just asked for it. Rows are
// delivered at least once and retried with exponential backoff until they
// exhaust their retry budget.
package outbox

import (
	"fmt"
	"log/slog"
	"time"
)

// DefaultMaxRetries applies when Enqueue is given a negative budget.
const DefaultMaxRetries = 3

// Message is one queued proactive message.
type Message struct {
	ID          int64      `json:"id"`
	Channel     string     `json:"channel"`
	UserID      string     `json:"user_id"`
	Text        string     `json:"text"`
	CreatedAt   time.Time  `json:"created_at"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// Repository persists the queue. ListPending returns the rows of channel
// whose NextRetryAt is unset or not after now, ordered by ID.
type Repository interface {
	Enqueue(msg *Message) (int64, error)
	ListPending(channel string, now time.Time) ([]Message, error)
	List(channel string) ([]Message, error)
	Acknowledge(id int64) error
	MarkRetry(id int64, retryCount int, nextRetryAt time.Time) error
}

// Config configures retry timing and the delivery loop.
type Config struct {
	// MaxRetries is the default retry budget of new messages.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the retry delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// PollInterval is how often the dispatcher looks for pending rows.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   DefaultMaxRetries,
		BaseDelay:    30 * time.Second,
		MaxDelay:     30 * time.Minute,
		PollInterval: 5 * time.Second,
	}
}

// Backoff returns min(maxDelay, base*2^attempt).
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Outbox wraps a Repository with the retry policy.
type Outbox struct {
	repo   Repository
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New creates an Outbox.
func New(repo Repository, cfg Config, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Outbox{
		repo:   repo,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "outbox"),
	}
}

// Config returns the effective configuration.
func (o *Outbox) Config() Config { return o.cfg }

// Enqueue appends a message that is eligible for delivery immediately.
// A negative maxRetries uses the configured default.
func (o *Outbox) Enqueue(channel, userID, text string, maxRetries int) (int64, error) {
	if maxRetries < 0 {
		maxRetries = o.cfg.MaxRetries
	}
	msg := &Message{
		Channel:    channel,
		UserID:     userID,
		Text:       text,
		CreatedAt:  o.now(),
		MaxRetries: maxRetries,
	}
	id, err := o.repo.Enqueue(msg)
	if err != nil {
		return 0, fmt.Errorf("enqueue outbox message: %w", err)
	}
	o.logger.Debug("message queued", "id", id, "channel", channel, "user", userID)
	return id, nil
}

// ListPending returns the rows of channel eligible for delivery now, FIFO
// by ID. A retried row may come back ahead of an older one still waiting
// on its own retry time.
func (o *Outbox) ListPending(channel string) ([]Message, error) {
	msgs, err := o.repo.ListPending(channel, o.now())
	if err != nil {
		return nil, fmt.Errorf("list pending for %s: %w", channel, err)
	}
	return msgs, nil
}

// List returns every queued row of channel, eligible or not.
func (o *Outbox) List(channel string) ([]Message, error) {
	msgs, err := o.repo.List(channel)
	if err != nil {
		return nil, fmt.Errorf("list outbox for %s: %w", channel, err)
	}
	return msgs, nil
}

// Acknowledge removes a delivered row.
func (o *Outbox) Acknowledge(id int64) error {
	if err := o.repo.Acknowledge(id); err != nil {
		return fmt.Errorf("acknowledge %d: %w", id, err)
	}
	return nil
}

// MarkRetry records a failed attempt.
func (o *Outbox) MarkRetry(id int64, retryCount int, nextRetryAt time.Time) error {
	if err := o.repo.MarkRetry(id, retryCount, nextRetryAt); err != nil {
		return fmt.Errorf("mark retry %d: %w", id, err)
	}
	return nil
}

// Fail applies the retry policy to a failed delivery: the row is dropped
// once another retry would exceed its budget, otherwise it is rescheduled
// after Backoff(RetryCount).
func (o *Outbox) Fail(msg Message, cause error) error {
	next := msg.RetryCount + 1
	if next > msg.MaxRetries {
		o.logger.Warn("dropping message after exhausting retries",
			"id", msg.ID,
			"channel", msg.Channel,
			"user", msg.UserID,
			"retries", msg.RetryCount,
			"error", cause,
		)
		return o.Acknowledge(msg.ID)
	}

	delay := Backoff(msg.RetryCount, o.cfg.BaseDelay, o.cfg.MaxDelay)
	at := o.now().Add(delay)
	o.logger.Info("delivery failed, will retry",
		"id", msg.ID,
		"channel", msg.Channel,
		"retry", next,
		"max_retries", msg.MaxRetries,
		"delay", delay.String(),
		"error", cause,
	)
	return o.MarkRetry(msg.ID, next, at)
}
