package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SendFunc delivers one chunk to the platform.
type SendFunc func(ctx context.Context, chunk string) error

// SenderConfig configures a Sender.
type SenderConfig struct {
	// MaxLength is the per-chunk limit of the target platform, in runes.
	MaxLength int `yaml:"max_length"`

	// NewlineThreshold is passed to Split.
	NewlineThreshold float64 `yaml:"newline_threshold"`

	// ChunkDelay is the pause between consecutive chunks of one message.
	ChunkDelay time.Duration `yaml:"chunk_delay"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		MaxLength:        DefaultMaxLength,
		NewlineThreshold: DefaultNewlineThreshold,
		ChunkDelay:       500 * time.Millisecond,
	}
}

// Sender composes the rate limiter and the chunker around a
// platform-specific send function.
type Sender struct {
	cfg     SenderConfig
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewSender creates a Sender. The limiter may be shared between senders.
func NewSender(cfg SenderConfig, limiter *RateLimiter, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	return &Sender{
		cfg:     cfg,
		limiter: limiter,
		logger:  logger.With("component", "sender"),
	}
}

// Send throttles on userID, splits text and calls sendFn once per chunk in
// order. An empty payload sends nothing and only logs a warning.
func (s *Sender) Send(ctx context.Context, userID, text string, sendFn SendFunc) error {
	if err := s.limiter.Throttle(ctx, userID); err != nil {
		return fmt.Errorf("throttle %s: %w", userID, err)
	}

	chunks := Split(text, s.cfg.MaxLength, s.cfg.NewlineThreshold)
	if len(chunks) == 0 {
		s.logger.Warn("empty message after trimming, nothing sent", "user", userID)
		return nil
	}

	for i, chunk := range chunks {
		if err := sendFn(ctx, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i == len(chunks)-1 || s.cfg.ChunkDelay <= 0 {
			continue
		}
		timer := time.NewTimer(s.cfg.ChunkDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if len(chunks) > 1 {
		s.logger.Debug("message sent in chunks", "user", userID, "chunks", len(chunks))
	}
	return nil
}
