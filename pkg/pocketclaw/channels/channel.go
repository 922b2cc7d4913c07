// Package channels defines the adapter contract every chat transport
// implements and the manager that runs them side by side.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// MessageHandler processes one inbound message and returns the reply. An
// empty reply sends nothing.
type MessageHandler func(ctx context.Context, userID, text string) (string, error)

// Adapter is a chat transport (WhatsApp, Discord, Telegram, console).
type Adapter interface {
	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// Start connects and begins delivering inbound messages to handler.
	// It returns once the adapter is running.
	Start(ctx context.Context, handler MessageHandler) error

	// Stop disconnects the adapter.
	Stop() error

	// Send delivers text to userID.
	Send(ctx context.Context, userID, text string) error
}

// LastChannel is the most recent channel/user pair the assistant heard
// from. It is where proactive notifications go by default.
type LastChannel struct {
	Channel   string    `json:"channel"`
	UserID    string    `json:"user_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Errors.
var (
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrChannelDisconnected = errors.New("channel is not connected")
)

type channelKey struct{}

// WithChannel returns a context carrying the channel name. The manager
// starts each adapter with one, so handlers can tell where a message came
// from.
func WithChannel(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, channelKey{}, name)
}

// ChannelFromContext returns the channel name stored by WithChannel.
func ChannelFromContext(ctx context.Context) string {
	name, _ := ctx.Value(channelKey{}).(string)
	return name
}

// Dispatch runs handler for one inbound message and sends a non-empty reply
// through reply. Failures are logged; the adapter's receive loop goes on.
func Dispatch(ctx context.Context, logger *slog.Logger, handler MessageHandler, userID, text string, reply func(ctx context.Context, text string) error) {
	if handler == nil {
		return
	}
	out, err := handler(ctx, userID, text)
	if err != nil {
		logger.Error("message handler failed", "user", userID, "error", err)
		return
	}
	if out == "" {
		return
	}
	if err := reply(ctx, out); err != nil {
		logger.Error("reply failed", "user", userID, "error", err)
	}
}
