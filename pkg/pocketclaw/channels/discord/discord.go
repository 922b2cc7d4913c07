// Package discord is the Discord adapter, built on discordgo. It answers
// direct messages and guild messages that mention the bot.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/messaging"
)

// Config holds Discord settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the bot token.
	Token string `yaml:"token"`

	// AllowedGuilds restricts guild traffic. Empty allows every guild.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// RateLimit is the minimum spacing between sends to one user.
	RateLimit time.Duration `yaml:"rate_limit"`

	Sender messaging.SenderConfig `yaml:"sender"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	sender := messaging.DefaultSenderConfig()
	sender.MaxLength = 2000
	return Config{
		RateLimit: time.Second,
		Sender:    sender,
	}
}

// api is the part of *discordgo.Session the adapter sends through.
type api interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Discord implements channels.Adapter.
type Discord struct {
	cfg    Config
	logger *slog.Logger
	sender *messaging.Sender

	mu      sync.RWMutex
	session *discordgo.Session
	api     api
	handler channels.MessageHandler
	ctx     context.Context
	cancel  context.CancelFunc

	// dmChannels caches user ID → DM channel ID.
	dmChannels sync.Map
}

// New creates the adapter.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "discord")
	if cfg.Sender.MaxLength <= 0 || cfg.Sender.MaxLength > 2000 {
		cfg.Sender.MaxLength = 2000
	}
	return &Discord{
		cfg:    cfg,
		logger: logger,
		sender: messaging.NewSender(cfg.Sender, messaging.NewRateLimiter(cfg.RateLimit), logger),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Start opens the gateway connection.
func (d *Discord) Start(ctx context.Context, handler channels.MessageHandler) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.session, d.api = session, session
	d.handler = handler
	d.ctx, d.cancel = runCtx, cancel
	d.mu.Unlock()

	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		cancel()
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	if user := session.State.User; user != nil {
		d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	}
	return nil
}

// Stop closes the gateway connection.
func (d *Discord) Stop() error {
	d.mu.Lock()
	session, cancel := d.session, d.cancel
	d.session, d.api = nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("discord: close: %w", err)
	}
	d.logger.Info("discord: disconnected")
	return nil
}

// Send delivers text to userID through a DM channel.
func (d *Discord) Send(ctx context.Context, userID, text string) error {
	d.mu.RLock()
	client := d.api
	d.mu.RUnlock()
	if client == nil {
		return channels.ErrChannelDisconnected
	}

	channelID, err := d.dmChannel(ctx, client, userID)
	if err != nil {
		return err
	}
	return d.sendTo(ctx, client, userID, channelID, text)
}

func (d *Discord) sendTo(ctx context.Context, client api, userID, channelID, text string) error {
	return d.sender.Send(ctx, userID, text, func(ctx context.Context, chunk string) error {
		_, err := client.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx))
		return err
	})
}

func (d *Discord) dmChannel(ctx context.Context, client api, userID string) (string, error) {
	if id, ok := d.dmChannels.Load(userID); ok {
		return id.(string), nil
	}
	ch, err := client.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: open DM with %s: %w", userID, err)
	}
	d.dmChannels.Store(userID, ch.ID)
	return ch.ID, nil
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || s.State.User == nil || m.Author.ID == s.State.User.ID {
		return
	}
	if m.GuildID != "" && !d.guildAllowed(m.GuildID) {
		return
	}

	text, ok := messageText(m.Content, m.GuildID != "", s.State.User.ID)
	if !ok {
		return
	}

	d.mu.RLock()
	ctx, handler, client := d.ctx, d.handler, d.api
	d.mu.RUnlock()
	if client == nil {
		return
	}

	channelID := m.ChannelID
	if m.GuildID == "" {
		d.dmChannels.Store(m.Author.ID, channelID)
	}

	go channels.Dispatch(ctx, d.logger, handler, m.Author.ID, text, func(ctx context.Context, reply string) error {
		return d.sendTo(ctx, client, m.Author.ID, channelID, reply)
	})
}

func (d *Discord) guildAllowed(guildID string) bool {
	if len(d.cfg.AllowedGuilds) == 0 {
		return true
	}
	for _, id := range d.cfg.AllowedGuilds {
		if id == guildID {
			return true
		}
	}
	return false
}

// messageText returns the text to hand to the assistant. Guild messages
// must mention the bot; the mention is stripped.
func messageText(content string, inGuild bool, botID string) (string, bool) {
	if inGuild {
		mentions := []string{"<@" + botID + ">", "<@!" + botID + ">"}
		found := false
		for _, m := range mentions {
			if strings.Contains(content, m) {
				content = strings.ReplaceAll(content, m, "")
				found = true
			}
		}
		if !found {
			return "", false
		}
	}
	content = strings.TrimSpace(content)
	return content, content != ""
}
