// Package copilot wires PocketClaw together: configuration, secrets and the
// Assistant that connects channels, sessions, the outbox, the heartbeat and
// scheduled jobs to the conversational backend.
package copilot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/backend"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gateway"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/heartbeat"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/outbox"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/security"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
)

// Replies the backend uses to say "nothing to report".
const (
	heartbeatOK = "HEARTBEAT_OK"
	noReply     = "NO_REPLY"
)

// Backend is the conversational backend the assistant talks to.
type Backend interface {
	CreateSession(ctx context.Context, hint string) (string, error)
	SendMessage(ctx context.Context, sessionID, text string) (string, error)
}

// Assistant is the PocketClaw host.
// Message flow: receive → access check → record last channel → command
// check → session resolve → backend → reply.
type Assistant struct {
	config  *Config
	backend Backend

	channelMgr *channels.Manager
	sessions   *session.Manager
	outbox     *outbox.Outbox
	dispatcher *outbox.Dispatcher

	// pairing is nil when no pairing secret is configured.
	pairing *security.Pairing

	whitelist      *database.WhitelistRepo
	lastChannel    *database.ChannelRepo
	heartbeatTasks *database.HeartbeatRepo

	// heartbeat, scheduler and gateway are nil when disabled.
	heartbeat *heartbeat.Scheduler
	scheduler *scheduler.Scheduler
	gateway   *gateway.Gateway

	scopes *scopeLocks
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates the assistant on top of an open database. Components whose
// configuration is unusable are disabled with a log line; the host still
// runs without them.
func New(cfg *Config, db *sql.DB, be Backend, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	a := &Assistant{
		config:         cfg,
		backend:        be,
		channelMgr:     channels.NewManager(logger),
		whitelist:      database.NewWhitelistRepo(db),
		lastChannel:    database.NewChannelRepo(db),
		heartbeatTasks: database.NewHeartbeatRepo(db),
		scopes:         newScopeLocks(),
		now:            time.Now,
		logger:         logger.With("component", "assistant"),
	}

	a.sessions = session.NewManager(database.NewSessionRepo(db), be, logger)
	a.outbox = outbox.New(database.NewOutboxRepo(db), cfg.Outbox, logger)
	a.dispatcher = outbox.NewDispatcher(a.outbox, a.channelMgr, logger)

	guard := security.NewGuard(database.NewAttemptRepo(db), cfg.Pairing.Guard, logger)
	pairing, err := security.NewPairing(cfg.Pairing.Secret, guard, a.whitelist, logger)
	if err != nil {
		a.logger.Warn("pairing disabled, only whitelisted users and trusted channels are served", "error", err)
	} else {
		a.pairing = pairing
	}

	if cfg.Heartbeat.Enabled {
		a.heartbeat = heartbeat.New(cfg.Heartbeat.Config, a.heartbeatTask, a.outbox, a.lastChannel, logger)
	}

	if cfg.Scheduler.Enabled {
		a.scheduler = scheduler.New(database.NewJobRepo(db), a.runJob, a, logger)
		a.scheduler.SetJobTimeout(cfg.Scheduler.JobTimeout)
	}

	if cfg.Gateway.Enabled {
		a.gateway = gateway.New(a, cfg.Gateway, logger)
	}

	return a
}

// RegisterChannel adds a channel adapter. Call before Start.
func (a *Assistant) RegisterChannel(ch channels.Adapter) {
	a.channelMgr.Register(ch)
}

// ChannelManager returns the channel manager.
func (a *Assistant) ChannelManager() *channels.Manager { return a.channelMgr }

// Scheduler returns the job scheduler, or nil when disabled.
func (a *Assistant) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Start brings components up in order: channels, outbox delivery,
// heartbeat, scheduler, gateway. A component that fails to start is
// logged and skipped.
func (a *Assistant) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("assistant already started")
	}
	a.started = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	a.logger.Info("starting PocketClaw",
		"name", a.config.Name,
		"backend", a.config.Backend.URL,
		"pairing", a.pairing != nil,
	)

	if err := a.channelMgr.Start(runCtx, a.HandleMessage); err != nil {
		a.logger.Error("some channels failed to start", "error", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatcher.Run(runCtx)
	}()

	if a.heartbeat != nil {
		if err := a.heartbeat.Start(runCtx); err != nil {
			a.logger.Error("heartbeat not started", "error", err)
		}
	}

	if a.scheduler != nil {
		if err := a.scheduler.Start(runCtx); err != nil {
			a.logger.Error("scheduler not started", "error", err)
		}
	}

	if a.gateway != nil {
		if err := a.gateway.Start(runCtx); err != nil {
			a.logger.Error("gateway not started", "error", err)
			a.gateway = nil
		}
	}

	a.logger.Info("PocketClaw started", "channels", a.channelMgr.Channels())
	return nil
}

// Stop shuts components down in reverse start order. In-flight heartbeat
// runs and jobs are allowed to finish.
func (a *Assistant) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	cancel := a.cancel
	a.mu.Unlock()

	a.logger.Info("stopping PocketClaw...")

	if a.gateway != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.gateway.Stop(ctx); err != nil {
			a.logger.Warn("gateway shutdown", "error", err)
		}
		done()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.heartbeat != nil {
		a.heartbeat.Stop()
		a.heartbeat.Wait()
	}

	cancel()
	a.wg.Wait()

	if err := a.channelMgr.Stop(); err != nil {
		a.logger.Warn("error stopping channels", "error", err)
	}
	a.logger.Info("PocketClaw stopped")
}

// HandleMessage is the inbound handler given to every channel. The channel
// name comes from the context the channel manager starts adapters with.
func (a *Assistant) HandleMessage(ctx context.Context, userID, text string) (string, error) {
	channel := channels.ChannelFromContext(ctx)
	if channel == "" {
		return "", errors.New("message without channel")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	logger := a.logger.With("channel", channel, "user", userID)

	allowed, err := a.isAllowed(channel, userID)
	if err != nil {
		return "", fmt.Errorf("access check: %w", err)
	}

	cmd, arg := parseCommand(text)
	if !allowed {
		if cmd == "/pair" {
			return a.pair(ctx, channel, userID, arg), nil
		}
		logger.Info("message from unpaired user dropped")
		if a.pairing == nil {
			return "", nil
		}
		return fmt.Sprintf("You are not paired with %s yet. Send /pair <token> to get access.", a.config.Name), nil
	}

	if err := a.lastChannel.SaveLastChannel(channel, userID); err != nil {
		logger.Warn("failed to record last channel", "error", err)
	}

	scope := a.chatScope(channel, userID)
	switch cmd {
	case "/pair":
		return "You are already paired.", nil
	case "/new":
		if err := a.sessions.Reset(scope); err != nil {
			return "", fmt.Errorf("reset session: %w", err)
		}
		logger.Info("session reset")
		return "Started a new conversation.", nil
	}

	reply, err := a.ask(ctx, scope, text)
	if err != nil {
		logger.Error("backend request failed", "error", err)
		return "Sorry, I could not reach the assistant backend. Please try again in a moment.", nil
	}
	if isSilentReply(reply) {
		return "", nil
	}
	return reply, nil
}

// chatScope is the session scope of a chat message: the shared main
// scope unless per-user sessions are configured.
func (a *Assistant) chatScope(channel, userID string) string {
	if a.config.Session.Scope == ScopePerUser {
		return session.UserScope(channel, userID)
	}
	return session.MainScope
}

func (a *Assistant) isAllowed(channel, userID string) (bool, error) {
	if a.config.IsTrusted(channel) {
		return true, nil
	}
	return a.whitelist.IsWhitelisted(channel, userID)
}

func (a *Assistant) pair(ctx context.Context, channel, userID, token string) string {
	if a.pairing == nil {
		return "Pairing is disabled on this host."
	}
	if token == "" {
		return "Usage: /pair <token>"
	}
	result, err := a.pairing.Attempt(ctx, channel, userID, token)
	if err != nil {
		a.logger.Error("pairing attempt failed", "channel", channel, "user", userID, "error", err)
		return "Pairing is temporarily unavailable."
	}
	switch result {
	case security.PairGranted:
		if err := a.lastChannel.SaveLastChannel(channel, userID); err != nil {
			a.logger.Warn("failed to record last channel", "error", err)
		}
		return fmt.Sprintf("Paired. You can talk to %s now.", a.config.Name)
	case security.PairBlocked:
		return "Too many failed attempts. Try again later."
	default:
		return "Invalid pairing token."
	}
}

// ask sends text to the backend session of scope. Requests for one scope
// are serialized. A session the backend no longer knows is replaced once.
func (a *Assistant) ask(ctx context.Context, scope, text string) (string, error) {
	unlock := a.scopes.lock(scope)
	defer unlock()

	sessionID, err := a.sessions.GetOrCreate(ctx, scope)
	if err != nil {
		return "", err
	}
	reply, err := a.backend.SendMessage(ctx, sessionID, text)

	var be *backend.BackendError
	if errors.As(err, &be) && be.StatusCode == http.StatusNotFound {
		a.logger.Warn("backend session gone, creating a new one", "scope", scope, "session", sessionID)
		if err := a.sessions.Reset(scope); err != nil {
			return "", err
		}
		if sessionID, err = a.sessions.GetOrCreate(ctx, scope); err != nil {
			return "", err
		}
		reply, err = a.backend.SendMessage(ctx, sessionID, text)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// heartbeatTask is the work done on every heartbeat tick.
func (a *Assistant) heartbeatTask(ctx context.Context) error {
	hb := a.config.Heartbeat
	if !withinActiveHours(a.now().Hour(), hb.ActiveStart, hb.ActiveEnd) {
		a.logger.Debug("heartbeat outside active hours, skipped")
		return nil
	}

	tasks, err := a.heartbeatTasks.EnabledTasks()
	if err != nil {
		return fmt.Errorf("load heartbeat tasks: %w", err)
	}
	if len(tasks) == 0 {
		a.logger.Debug("no heartbeat tasks, skipped")
		return nil
	}

	reply, err := a.ask(ctx, session.HeartbeatScope, heartbeatPrompt(hb.Prompt, tasks))
	if err != nil {
		return err
	}
	if isSilentReply(reply) {
		a.logger.Debug("heartbeat: nothing to report")
		return nil
	}

	channel, userID, err := a.lastChannel.LastChannel()
	if err != nil {
		a.logger.Warn("heartbeat result not delivered, last channel unavailable", "error", err)
		return nil
	}
	if channel == "" {
		a.logger.Info("heartbeat result not delivered, no user has talked to the assistant yet")
		return nil
	}
	if _, err := a.outbox.Enqueue(channel, userID, reply, -1); err != nil {
		a.logger.Error("failed to queue heartbeat result", "error", err)
	}
	return nil
}

// runJob is the scheduler's job handler. The scheduler queues the returned
// text for the job's recipient.
func (a *Assistant) runJob(ctx context.Context, job *scheduler.Job) (string, error) {
	reply, err := a.ask(ctx, session.JobScope(job.ID), job.Prompt)
	if err != nil {
		return "", err
	}
	if isSilentReply(reply) {
		return "", nil
	}
	return reply, nil
}

// AddJob schedules a job. A job without a recipient is addressed to the
// last user who talked to the assistant. The recipient's channel must be
// registered.
func (a *Assistant) AddJob(job *scheduler.Job) error {
	if a.scheduler == nil {
		return errors.New("scheduler is disabled")
	}
	if job.Channel == "" || job.UserID == "" {
		channel, userID, err := a.lastChannel.LastChannel()
		if err != nil {
			return fmt.Errorf("resolve job recipient: %w", err)
		}
		job.Channel, job.UserID = channel, userID
	}
	if job.Channel != "" {
		if _, ok := a.channelMgr.Get(job.Channel); !ok {
			return fmt.Errorf("%w: %q", channels.ErrUnknownChannel, job.Channel)
		}
	}
	return a.scheduler.Add(job)
}

// ---------- gateway.Service ----------

// Channels returns the registered channel names.
func (a *Assistant) Channels() []string { return a.channelMgr.Channels() }

// ListOutbox returns queued messages for channel, or all when empty.
func (a *Assistant) ListOutbox(channel string) ([]outbox.Message, error) {
	return a.outbox.List(channel)
}

// Enqueue queues a proactive message for a registered channel. The
// scheduler queues job results through it.
func (a *Assistant) Enqueue(channel, userID, text string, maxRetries int) (int64, error) {
	if _, ok := a.channelMgr.Get(channel); !ok {
		return 0, fmt.Errorf("%w: %q", channels.ErrUnknownChannel, channel)
	}
	return a.outbox.Enqueue(channel, userID, text, maxRetries)
}

// TriggerHeartbeat starts a heartbeat run now.
func (a *Assistant) TriggerHeartbeat() bool {
	if a.heartbeat == nil {
		return false
	}
	return a.heartbeat.Trigger()
}

// HeartbeatState reports the heartbeat state. Zero when disabled.
func (a *Assistant) HeartbeatState() heartbeat.State {
	if a.heartbeat == nil {
		return heartbeat.State{}
	}
	return a.heartbeat.State()
}

// Jobs lists scheduled jobs.
func (a *Assistant) Jobs() []scheduler.Job {
	if a.scheduler == nil {
		return nil
	}
	return a.scheduler.List()
}

// RunJob runs a job now and waits for it.
func (a *Assistant) RunJob(id string) error {
	if a.scheduler == nil {
		return fmt.Errorf("%w: %q", scheduler.ErrJobNotFound, id)
	}
	return a.scheduler.RunNow(id)
}

// ---------- helpers ----------

// parseCommand splits "/cmd arg..." into a lowercased command and the
// trimmed rest. Non-commands return an empty command.
func parseCommand(text string) (cmd, arg string) {
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd, arg, _ = strings.Cut(text, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// isSilentReply reports whether the backend chose not to say anything.
func isSilentReply(reply string) bool {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return true
	}
	upper := strings.ToUpper(reply)
	return upper == noReply || strings.HasPrefix(upper, heartbeatOK)
}

// withinActiveHours reports whether hour lies in [start, end). Ranges may
// wrap midnight; start == end means always.
func withinActiveHours(hour, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

func heartbeatPrompt(prompt string, tasks []string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(prompt))
	b.WriteString("\n\nChecklist:\n")
	for _, t := range tasks {
		b.WriteString("- ")
		b.WriteString(t)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// scopeLocks serializes backend requests per session scope.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*scopeLock
}

type scopeLock struct {
	mu   sync.Mutex
	refs int
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*scopeLock)}
}

func (s *scopeLocks) lock(scope string) func() {
	s.mu.Lock()
	l, ok := s.locks[scope]
	if !ok {
		l = &scopeLock{}
		s.locks[scope] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, scope)
		}
		s.mu.Unlock()
	}
}
