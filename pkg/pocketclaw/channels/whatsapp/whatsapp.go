// Package whatsapp is the WhatsApp adapter, built on whatsmeow. The device
// session lives in SQLite; on first start a QR code is logged for linking.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/messaging"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the device store.
)

// Config holds WhatsApp settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file holding the device session. It may be
	// the main database; whatsmeow prefixes its tables.
	DatabasePath string `yaml:"database_path"`

	// RespondToGroups lets group messages reach the handler.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// RateLimit is the minimum spacing between sends to one user.
	RateLimit time.Duration `yaml:"rate_limit"`

	Sender messaging.SenderConfig `yaml:"sender"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	sender := messaging.DefaultSenderConfig()
	sender.MaxLength = 4000
	return Config{
		DatabasePath: "./data/whatsapp.db",
		RateLimit:    time.Second,
		Sender:       sender,
	}
}

// WhatsApp implements channels.Adapter.
type WhatsApp struct {
	cfg    Config
	logger *slog.Logger
	sender *messaging.Sender

	mu      sync.RWMutex
	client  *whatsmeow.Client
	handler channels.MessageHandler
	ctx     context.Context
	cancel  context.CancelFunc

	connected atomic.Bool
}

// New creates the adapter.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "whatsapp")
	if cfg.Sender.MaxLength <= 0 {
		cfg.Sender.MaxLength = 4000
	}
	return &WhatsApp{
		cfg:    cfg,
		logger: logger,
		sender: messaging.NewSender(cfg.Sender, messaging.NewRateLimiter(cfg.RateLimit), logger),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Start opens the device store and connects. Without a linked device it
// returns immediately and waits for the QR scan in the background.
func (w *WhatsApp) Start(ctx context.Context, handler channels.MessageHandler) error {
	runCtx, cancel := context.WithCancel(ctx)

	container, err := sqlstore.New(runCtx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		cancel()
		return fmt.Errorf("whatsapp: open device store: %w", err)
	}

	device, err := getDevice(runCtx, container)
	if err != nil {
		cancel()
		return fmt.Errorf("whatsapp: load device: %w", err)
	}

	store.SetOSInfo("PocketClaw", [3]uint32{1, 0, 0})

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.AddEventHandler(w.handleEvent)
	client.EnableAutoReconnect = true

	w.mu.Lock()
	w.client = client
	w.handler = handler
	w.ctx, w.cancel = runCtx, cancel
	w.mu.Unlock()

	if client.Store.ID == nil {
		w.logger.Info("whatsapp: no linked device, waiting for QR scan")
		go func() {
			if err := w.loginWithQR(runCtx, client); err != nil && runCtx.Err() == nil {
				w.logger.Warn("whatsapp: QR login did not complete", "error", err)
			}
		}()
		return nil
	}

	if err := client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("whatsapp: connected", "jid", client.Store.ID.String())
	return nil
}

// Stop disconnects the client.
func (w *WhatsApp) Stop() error {
	w.mu.Lock()
	client, cancel := w.client, w.cancel
	w.mu.Unlock()

	w.connected.Store(false)
	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.Disconnect()
	}
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Send delivers text to userID, a JID or a bare phone number.
func (w *WhatsApp) Send(ctx context.Context, userID, text string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(userID)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid recipient %q: %w", userID, err)
	}
	return w.sendTo(ctx, jid, text)
}

func (w *WhatsApp) sendTo(ctx context.Context, jid types.JID, text string) error {
	w.mu.RLock()
	client := w.client
	w.mu.RUnlock()
	if client == nil {
		return channels.ErrChannelDisconnected
	}

	return w.sender.Send(ctx, jid.String(), text, func(ctx context.Context, chunk string) error {
		_, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(chunk)})
		return err
	})
}

func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessage(evt)
	case *events.Connected:
		w.connected.Store(true)
		w.logger.Info("whatsapp: connection established")
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp: connection lost")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Error("whatsapp: device logged out, link again with a new QR code", "reason", evt.Reason)
	case *events.PairSuccess:
		w.logger.Info("whatsapp: device linked", "jid", evt.ID.String())
	}
}

func (w *WhatsApp) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return
	}

	text := strings.TrimSpace(extractText(evt.Message))
	if text == "" {
		return
	}

	w.mu.RLock()
	ctx, handler := w.ctx, w.handler
	w.mu.RUnlock()

	userID := evt.Info.Sender.ToNonAD().String()
	chat := evt.Info.Chat

	w.logger.Debug("whatsapp: message received", "from", userID, "push_name", evt.Info.PushName)

	// whatsmeow delivers events synchronously; keep its loop free.
	go channels.Dispatch(ctx, w.logger, handler, userID, text, func(ctx context.Context, reply string) error {
		return w.sendTo(ctx, chat, reply)
	})
}

func (w *WhatsApp) loginWithQR(ctx context.Context, client *whatsmeow.Client) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return nil
			}
			switch evt.Event {
			case "code":
				w.logger.Info("whatsapp: scan this QR code with WhatsApp > Linked devices", "code", evt.Code)
			case "success":
				w.connected.Store(true)
				w.logger.Info("whatsapp: login successful")
				return nil
			case "timeout":
				return fmt.Errorf("QR code expired, restart to get a new one")
			default:
				if evt.Error != nil {
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// extractText returns the text body of a message, or "" for non-text.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if msg.Conversation != nil {
		return msg.GetConversation()
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
