// Package telegram is the Telegram adapter. It talks to the Bot API
// directly over HTTP with getUpdates long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/messaging"
)

// Config holds Telegram settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the bot token from @BotFather.
	Token string `yaml:"token"`

	// APIURL is the Bot API base URL.
	APIURL string `yaml:"api_url"`

	// PollTimeout is the getUpdates long-poll timeout in seconds.
	PollTimeout int `yaml:"poll_timeout"`

	// RespondToGroups lets group messages reach the handler.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// RateLimit is the minimum spacing between sends to one user.
	RateLimit time.Duration `yaml:"rate_limit"`

	Sender messaging.SenderConfig `yaml:"sender"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	sender := messaging.DefaultSenderConfig()
	sender.MaxLength = 4096
	return Config{
		APIURL:      "https://api.telegram.org",
		PollTimeout: 30,
		RateLimit:   time.Second,
		Sender:      sender,
	}
}

// Telegram implements channels.Adapter.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	sender *messaging.Sender

	mu      sync.Mutex
	handler channels.MessageHandler
	cancel  context.CancelFunc
	done    chan struct{}

	connected atomic.Bool
	offset    int64
}

// New creates the adapter.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "telegram")
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	if cfg.PollTimeout < 0 {
		cfg.PollTimeout = 0
	}
	if cfg.Sender.MaxLength <= 0 || cfg.Sender.MaxLength > 4096 {
		cfg.Sender.MaxLength = 4096
	}
	return &Telegram{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second},
		sender: messaging.NewSender(cfg.Sender, messaging.NewRateLimiter(cfg.RateLimit), logger),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Start verifies the token and starts the polling loop.
func (t *Telegram) Start(ctx context.Context, handler channels.MessageHandler) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	me, err := t.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: verify token: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.mu.Lock()
	t.handler = handler
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	t.connected.Store(true)
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)

	go func() {
		defer close(done)
		t.pollLoop(runCtx)
	}()
	return nil
}

// Stop ends the polling loop and waits for it.
func (t *Telegram) Stop() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	t.connected.Store(false)
	if cancel != nil {
		cancel()
		<-done
	}
	t.logger.Info("telegram: disconnected")
	return nil
}

// Send delivers text to a chat ID.
func (t *Telegram) Send(ctx context.Context, userID, text string) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", userID, err)
	}
	return t.sendTo(ctx, userID, chatID, text)
}

func (t *Telegram) sendTo(ctx context.Context, userID string, chatID int64, text string) error {
	return t.sender.Send(ctx, userID, text, func(ctx context.Context, chunk string) error {
		_, err := t.apiCall(ctx, "sendMessage", map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		})
		return err
	})
}

func (t *Telegram) pollLoop(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		updates, err := t.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("telegram: getUpdates failed", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(ctx, u)
		}
	}
}

func (t *Telegram) processUpdate(ctx context.Context, u tgUpdate) {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	if isGroup && !t.cfg.RespondToGroups {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	t.mu.Lock()
	handler := t.handler
	t.mu.Unlock()

	userID := strconv.FormatInt(msg.From.ID, 10)
	chatID := msg.Chat.ID
	go channels.Dispatch(ctx, t.logger, handler, userID, text, func(ctx context.Context, reply string) error {
		return t.sendTo(ctx, userID, chatID, reply)
	})
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int     `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Text      string  `json:"text"`
}

type tgUser struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// apiCall POSTs a JSON payload to a Bot API method.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	url := strings.TrimRight(t.cfg.APIURL, "/") + "/bot" + t.cfg.Token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

func (t *Telegram) getMe(ctx context.Context) (*tgUser, error) {
	data, err := t.apiCall(ctx, "getMe", map[string]any{})
	if err != nil {
		return nil, err
	}
	var user tgUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parse getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(ctx context.Context) ([]tgUpdate, error) {
	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          t.offset,
		"limit":           100,
		"timeout":         t.cfg.PollTimeout,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parse updates: %w", err)
	}
	return updates, nil
}
