package copilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/backend"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/database"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gateway"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/session"
)

var _ gateway.Service = (*Assistant)(nil)

const testSecret = "open sesame"

type sentMessage struct{ sessionID, text string }

type fakeBackend struct {
	mu       sync.Mutex
	created  int
	messages []sentMessage
	reply    func(sessionID, text string) (string, error)
}

func (b *fakeBackend) CreateSession(_ context.Context, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created++
	return fmt.Sprintf("ses-%d", b.created), nil
}

func (b *fakeBackend) SendMessage(_ context.Context, sessionID, text string) (string, error) {
	b.mu.Lock()
	b.messages = append(b.messages, sentMessage{sessionID, text})
	reply := b.reply
	b.mu.Unlock()
	if reply == nil {
		return "echo: " + text, nil
	}
	return reply(sessionID, text)
}

func (b *fakeBackend) sent() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.messages...)
}

type fakeAdapter struct {
	name string

	mu      sync.Mutex
	ctx     context.Context
	handler channels.MessageHandler
	sent    []string
	stopped bool
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Start(ctx context.Context, handler channels.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctx, f.handler = ctx, handler
	return nil
}

func (f *fakeAdapter) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeAdapter) Send(_ context.Context, userID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, userID+":"+text)
	return nil
}

// receive simulates an inbound message the way a real adapter delivers it.
func (f *fakeAdapter) receive(userID, text string) (string, error) {
	f.mu.Lock()
	ctx, handler := f.ctx, f.handler
	f.mu.Unlock()
	return handler(ctx, userID, text)
}

func (f *fakeAdapter) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAssistant(t *testing.T, mutate func(*Config)) (*Assistant, *fakeBackend) {
	t.Helper()
	db, err := database.OpenDatabase(filepath.Join(t.TempDir(), "pc.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := DefaultConfig()
	cfg.Pairing.Secret = testSecret
	cfg.Outbox.PollInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	be := &fakeBackend{}
	return New(cfg, db, be, quietLogger()), be
}

func whatsappCtx() context.Context {
	return channels.WithChannel(context.Background(), "whatsapp")
}

func TestHandleMessage_PairingFlow(t *testing.T) {
	t.Parallel()
	a, be := newTestAssistant(t, nil)
	ctx := whatsappCtx()

	reply, err := a.HandleMessage(ctx, "u1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "/pair") {
		t.Errorf("unpaired reply = %q, want pairing hint", reply)
	}
	if ch, _, _ := a.lastChannel.LastChannel(); ch != "" {
		t.Errorf("last channel = %q, want none for unpaired user", ch)
	}

	if reply, _ := a.HandleMessage(ctx, "u1", "/pair wrong"); reply != "Invalid pairing token." {
		t.Errorf("wrong token reply = %q", reply)
	}
	if reply, _ := a.HandleMessage(ctx, "u1", "/pair"); !strings.HasPrefix(reply, "Usage") {
		t.Errorf("empty token reply = %q", reply)
	}
	if reply, _ := a.HandleMessage(ctx, "u1", "/pair "+testSecret); !strings.HasPrefix(reply, "Paired.") {
		t.Fatalf("right token reply = %q", reply)
	}
	if len(be.sent()) != 0 {
		t.Fatalf("backend called %d times before pairing completed", len(be.sent()))
	}

	reply, err = a.HandleMessage(ctx, "u1", "what's up?")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "echo: what's up?" {
		t.Errorf("reply = %q, want %q", reply, "echo: what's up?")
	}
	ch, user, err := a.lastChannel.LastChannel()
	if err != nil || ch != "whatsapp" || user != "u1" {
		t.Errorf("LastChannel = %q, %q, %v, want whatsapp, u1", ch, user, err)
	}
	if reply, _ := a.HandleMessage(ctx, "u1", "/pair again"); reply != "You are already paired." {
		t.Errorf("second pair reply = %q", reply)
	}

	// Pairing is per channel.
	reply, _ = a.HandleMessage(channels.WithChannel(context.Background(), "discord"), "u1", "hi")
	if !strings.Contains(reply, "/pair") {
		t.Errorf("discord reply = %q, want pairing hint", reply)
	}
}

func TestHandleMessage_BlockedAfterFailures(t *testing.T) {
	t.Parallel()
	a, _ := newTestAssistant(t, func(c *Config) { c.Pairing.Guard.MaxFailures = 2 })
	ctx := whatsappCtx()

	for range 2 {
		a.HandleMessage(ctx, "u1", "/pair nope")
	}
	reply, _ := a.HandleMessage(ctx, "u1", "/pair "+testSecret)
	if !strings.HasPrefix(reply, "Too many failed attempts") {
		t.Errorf("reply = %q, want lockout", reply)
	}
	if ok, _ := a.whitelist.IsWhitelisted("whatsapp", "u1"); ok {
		t.Error("blocked user was whitelisted")
	}
}

func TestHandleMessage_PairingDisabled(t *testing.T) {
	t.Parallel()
	a, be := newTestAssistant(t, func(c *Config) { c.Pairing.Secret = "" })
	ctx := whatsappCtx()

	if reply, _ := a.HandleMessage(ctx, "u1", "hi"); reply != "" {
		t.Errorf("reply = %q, want silence", reply)
	}
	if reply, _ := a.HandleMessage(ctx, "u1", "/pair x"); reply != "Pairing is disabled on this host." {
		t.Errorf("pair reply = %q", reply)
	}

	if _, err := a.whitelist.AddToWhitelist("whatsapp", "u1"); err != nil {
		t.Fatal(err)
	}
	if reply, _ := a.HandleMessage(ctx, "u1", "hi"); reply != "echo: hi" {
		t.Errorf("whitelisted reply = %q", reply)
	}
	if len(be.sent()) != 1 {
		t.Errorf("backend calls = %d, want 1", len(be.sent()))
	}
}

func TestHandleMessage_TrustedChannel(t *testing.T) {
	t.Parallel()
	a, _ := newTestAssistant(t, nil)

	ctx := channels.WithChannel(context.Background(), "console")
	reply, err := a.HandleMessage(ctx, "local", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "echo: hi" {
		t.Errorf("reply = %q, want %q", reply, "echo: hi")
	}
}

func TestHandleMessage_NewResetsSession(t *testing.T) {
	t.Parallel()
	a, be := newTestAssistant(t, func(c *Config) { c.Pairing.TrustedChannels = []string{"whatsapp"} })
	ctx := whatsappCtx()

	a.HandleMessage(ctx, "u1", "one")
	a.HandleMessage(ctx, "u1", "two")
	if reply, _ := a.HandleMessage(ctx, "u1", "/NEW"); reply != "Started a new conversation." {
		t.Errorf("/new reply = %q", reply)
	}
	a.HandleMessage(ctx, "u1", "three")

	sent := be.sent()
	if len(sent) != 3 {
		t.Fatalf("backend calls = %d, want 3", len(sent))
	}
	if sent[0].sessionID != sent[1].sessionID {
		t.Errorf("messages before /new used sessions %q and %q", sent[0].sessionID, sent[1].sessionID)
	}
	if sent[2].sessionID == sent[1].sessionID {
		t.Error("/new did not start a new session")
	}
}

func TestHandleMessage_BackendFailures(t *testing.T) {
	t.Parallel()

	t.Run("error becomes apology", func(t *testing.T) {
		t.Parallel()
		a, be := newTestAssistant(t, func(c *Config) { c.Pairing.TrustedChannels = []string{"whatsapp"} })
		be.reply = func(string, string) (string, error) {
			return "", &backend.BackendError{Op: "send message", StatusCode: 502}
		}
		reply, err := a.HandleMessage(whatsappCtx(), "u1", "hi")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(reply, "Sorry") {
			t.Errorf("reply = %q, want apology", reply)
		}
	})

	t.Run("lost session is replaced once", func(t *testing.T) {
		t.Parallel()
		a, be := newTestAssistant(t, func(c *Config) { c.Pairing.TrustedChannels = []string{"whatsapp"} })
		be.reply = func(sessionID, text string) (string, error) {
			if sessionID == "ses-1" {
				return "", &backend.BackendError{Op: "send message", StatusCode: 404}
			}
			return "fresh: " + text, nil
		}
		reply, err := a.HandleMessage(whatsappCtx(), "u1", "hi")
		if err != nil {
			t.Fatal(err)
		}
		if reply != "fresh: hi" {
			t.Errorf("reply = %q, want %q", reply, "fresh: hi")
		}
		if sent := be.sent(); len(sent) != 2 || sent[1].sessionID != "ses-2" {
			t.Errorf("backend calls = %+v", sent)
		}
	})

	t.Run("silent reply", func(t *testing.T) {
		t.Parallel()
		a, be := newTestAssistant(t, func(c *Config) { c.Pairing.TrustedChannels = []string{"whatsapp"} })
		be.reply = func(string, string) (string, error) { return "  NO_REPLY \n", nil }
		if reply, _ := a.HandleMessage(whatsappCtx(), "u1", "hi"); reply != "" {
			t.Errorf("reply = %q, want empty", reply)
		}
	})
}

func TestHandleMessage_RequiresChannel(t *testing.T) {
	t.Parallel()
	a, _ := newTestAssistant(t, nil)
	if _, err := a.HandleMessage(context.Background(), "u1", "hi"); err == nil {
		t.Error("HandleMessage without channel = nil error")
	}
}

func TestHeartbeatTask(t *testing.T) {
	t.Parallel()

	noon := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local) }
	night := func() time.Time { return time.Date(2026, 3, 1, 3, 0, 0, 0, time.Local) }

	tests := []struct {
		name      string
		now       func() time.Time
		tasks     []string
		last      bool
		reply     string
		wantCalls int
		wantQueue int
	}{
		{"no tasks", noon, nil, true, "x", 0, 0},
		{"outside active hours", night, []string{"check mail"}, true, "x", 0, 0},
		{"nothing to report", noon, []string{"check mail"}, true, "HEARTBEAT_OK", 1, 0},
		{"report queued", noon, []string{"check mail", "check calendar"}, true, "2 new mails", 1, 1},
		{"no recipient", noon, []string{"check mail"}, false, "2 new mails", 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, be := newTestAssistant(t, nil)
			a.now = tt.now
			be.reply = func(string, string) (string, error) { return tt.reply, nil }
			for _, task := range tt.tasks {
				if _, err := a.heartbeatTasks.AddTask(task); err != nil {
					t.Fatal(err)
				}
			}
			if tt.last {
				if err := a.lastChannel.SaveLastChannel("telegram", "42"); err != nil {
					t.Fatal(err)
				}
			}

			if err := a.heartbeatTask(context.Background()); err != nil {
				t.Fatalf("heartbeatTask = %v", err)
			}

			sent := be.sent()
			if len(sent) != tt.wantCalls {
				t.Fatalf("backend calls = %d, want %d", len(sent), tt.wantCalls)
			}
			for _, task := range tt.tasks {
				if tt.wantCalls > 0 && !strings.Contains(sent[0].text, "- "+task) {
					t.Errorf("prompt %q is missing task %q", sent[0].text, task)
				}
			}
			queued, err := a.ListOutbox("")
			if err != nil {
				t.Fatal(err)
			}
			if len(queued) != tt.wantQueue {
				t.Fatalf("queued = %d, want %d", len(queued), tt.wantQueue)
			}
			if tt.wantQueue == 1 {
				if queued[0].Channel != "telegram" || queued[0].UserID != "42" || queued[0].Text != tt.reply {
					t.Errorf("queued = %+v", queued[0])
				}
			}
		})
	}
}

func TestHeartbeatTask_BackendErrorIsRetryable(t *testing.T) {
	t.Parallel()
	a, be := newTestAssistant(t, func(c *Config) { c.Heartbeat.ActiveStart, c.Heartbeat.ActiveEnd = 0, 0 })
	be.reply = func(string, string) (string, error) {
		return "", &backend.BackendError{Op: "send message", StatusCode: 503}
	}
	a.heartbeatTasks.AddTask("check mail")

	err := a.heartbeatTask(context.Background())
	if !backend.IsTemporary(err) {
		t.Errorf("heartbeatTask = %v, want a temporary backend error", err)
	}
}

func TestEnqueue_UnknownChannel(t *testing.T) {
	t.Parallel()
	a, _ := newTestAssistant(t, nil)
	a.RegisterChannel(&fakeAdapter{name: "whatsapp"})

	if _, err := a.Enqueue("pager", "u1", "hi", -1); !errors.Is(err, channels.ErrUnknownChannel) {
		t.Errorf("Enqueue(pager) = %v, want ErrUnknownChannel", err)
	}
	id, err := a.Enqueue("whatsapp", "u1", "hi", -1)
	if err != nil || id == 0 {
		t.Errorf("Enqueue(whatsapp) = %d, %v", id, err)
	}
}

func TestJobs_RunJobQueuesReply(t *testing.T) {
	t.Parallel()
	a, be := newTestAssistant(t, nil)
	a.RegisterChannel(&fakeAdapter{name: "discord"})
	be.reply = func(sessionID, text string) (string, error) { return "summary of " + text, nil }

	if err := a.lastChannel.SaveLastChannel("discord", "99"); err != nil {
		t.Fatal(err)
	}
	job := &scheduler.Job{ID: "daily", Schedule: "0 9 * * *", Prompt: "the news", Enabled: true}
	if err := a.AddJob(job); err != nil {
		t.Fatal(err)
	}
	if job.Channel != "discord" || job.UserID != "99" {
		t.Errorf("job recipient = %q/%q, want last channel", job.Channel, job.UserID)
	}
	if jobs := a.Jobs(); len(jobs) != 1 || jobs[0].ID != "daily" {
		t.Fatalf("Jobs = %+v", jobs)
	}

	if err := a.RunJob("daily"); err != nil {
		t.Fatal(err)
	}
	if err := a.RunJob("missing"); !errors.Is(err, scheduler.ErrJobNotFound) {
		t.Errorf("RunJob(missing) = %v, want ErrJobNotFound", err)
	}

	queued, err := a.ListOutbox("discord")
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].Text != "summary of the news" {
		t.Fatalf("queued = %+v", queued)
	}
	if sent := be.sent(); len(sent) != 1 || sent[0].sessionID == "" {
		t.Errorf("backend calls = %+v", sent)
	}
	sid, err := a.sessions.GetOrCreate(context.Background(), session.JobScope("daily"))
	if err != nil {
		t.Fatal(err)
	}
	if sent := be.sent(); sid != sent[0].sessionID {
		t.Errorf("job scope session = %q, want %q", sid, sent[0].sessionID)
	}
}

func TestJobs_UnknownChannelRejected(t *testing.T) {
	t.Parallel()
	a, _ := newTestAssistant(t, nil)
	a.RegisterChannel(&fakeAdapter{name: "discord"})

	job := &scheduler.Job{ID: "pager", Schedule: "@daily", Prompt: "x", Channel: "pager", UserID: "1", Enabled: true}
	if err := a.AddJob(job); !errors.Is(err, channels.ErrUnknownChannel) {
		t.Errorf("AddJob(pager) = %v, want ErrUnknownChannel", err)
	}
	if jobs := a.Jobs(); len(jobs) != 0 {
		t.Errorf("Jobs = %+v, want none", jobs)
	}
}

func TestJobs_RunJobReportsFailure(t *testing.T) {
	t.Parallel()
	a, be := newTestAssistant(t, nil)
	a.RegisterChannel(&fakeAdapter{name: "discord"})
	be.reply = func(string, string) (string, error) { return "", errors.New("backend down") }

	job := &scheduler.Job{ID: "j", Schedule: "@daily", Prompt: "x", Channel: "discord", UserID: "99", Enabled: true}
	if err := a.AddJob(job); err != nil {
		t.Fatal(err)
	}
	err := a.RunJob("j")
	if err == nil || !strings.Contains(err.Error(), "backend down") {
		t.Errorf("RunJob() = %v, want the backend error", err)
	}
	if queued, _ := a.ListOutbox(""); len(queued) != 0 {
		t.Errorf("failed job queued %d messages", len(queued))
	}
}

func TestHandleMessage_SessionScope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		scope      string
		wantShared bool
	}{
		{ScopeMain, true},
		{ScopePerUser, false},
	}

	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			t.Parallel()
			a, be := newTestAssistant(t, func(c *Config) {
				c.Session.Scope = tt.scope
				c.Pairing.TrustedChannels = []string{"whatsapp"}
			})
			ctx := whatsappCtx()

			a.HandleMessage(ctx, "u1", "hi from u1")
			a.HandleMessage(ctx, "u2", "hi from u2")

			sent := be.sent()
			if len(sent) != 2 {
				t.Fatalf("backend calls = %d, want 2", len(sent))
			}
			if shared := sent[0].sessionID == sent[1].sessionID; shared != tt.wantShared {
				t.Errorf("sessions %q and %q shared = %v, want %v",
					sent[0].sessionID, sent[1].sessionID, shared, tt.wantShared)
			}

			// /new from one user resets the scope that user talks in.
			a.HandleMessage(ctx, "u1", "/new")
			a.HandleMessage(ctx, "u2", "again")
			sent = be.sent()
			if reset := sent[2].sessionID != sent[1].sessionID; reset != tt.wantShared {
				t.Errorf("u2 session after u1 /new changed = %v, want %v", reset, tt.wantShared)
			}
		})
	}
}

func TestAssistant_StartDeliversAndStops(t *testing.T) {
	t.Parallel()
	a, _ := newTestAssistant(t, func(c *Config) { c.Pairing.TrustedChannels = []string{"whatsapp"} })
	wa := &fakeAdapter{name: "whatsapp"}
	a.RegisterChannel(wa)

	if err := a.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Error("second Start = nil error")
	}

	reply, err := wa.receive("u1", "ping")
	if err != nil || reply != "echo: ping" {
		t.Fatalf("receive = %q, %v", reply, err)
	}

	if _, err := a.Enqueue("whatsapp", "u1", "reminder", -1); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(wa.delivered()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := wa.delivered(); len(got) != 1 || got[0] != "u1:reminder" {
		t.Fatalf("delivered = %q", got)
	}

	a.Stop()
	a.Stop()
	wa.mu.Lock()
	stopped := wa.stopped
	wa.mu.Unlock()
	if !stopped {
		t.Error("adapter not stopped")
	}
	if pending, _ := a.ListOutbox("whatsapp"); len(pending) != 0 {
		t.Errorf("outbox still holds %d messages", len(pending))
	}
}

func TestScopeLocks_SerializePerScope(t *testing.T) {
	t.Parallel()

	locks := newScopeLocks()
	var (
		mu      sync.Mutex
		active  int
		overlap bool
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("a")
			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if overlap {
		t.Error("two holders of the same scope ran at once")
	}
	if n := len(locks.locks); n != 0 {
		t.Errorf("%d scope locks leaked", n)
	}

	unlockA := locks.lock("a")
	done := make(chan struct{})
	go func() {
		locks.lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("scope b waited on scope a")
	}
	unlockA()
}

func TestWithinActiveHours(t *testing.T) {
	t.Parallel()

	tests := []struct {
		hour, start, end int
		want             bool
	}{
		{12, 8, 22, true},
		{8, 8, 22, true},
		{22, 8, 22, false},
		{3, 8, 22, false},
		{23, 22, 6, true},
		{2, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
		{5, 0, 0, true},
	}
	for _, tt := range tests {
		if got := withinActiveHours(tt.hour, tt.start, tt.end); got != tt.want {
			t.Errorf("withinActiveHours(%d, %d, %d) = %v, want %v", tt.hour, tt.start, tt.end, got, tt.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, cmd, arg string
	}{
		{"/pair abc def", "/pair", "abc def"},
		{"/NEW", "/new", ""},
		{"/pair   spaced  ", "/pair", "spaced"},
		{"hello /pair", "", ""},
	}
	for _, tt := range tests {
		cmd, arg := parseCommand(tt.in)
		if cmd != tt.cmd || arg != tt.arg {
			t.Errorf("parseCommand(%q) = %q, %q, want %q, %q", tt.in, cmd, arg, tt.cmd, tt.arg)
		}
	}
}

func TestIsSilentReply(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]bool{
		"":                        true,
		"  \n":                    true,
		"HEARTBEAT_OK":            true,
		"heartbeat_ok - all good": true,
		"NO_REPLY":                true,
		"You have 2 new mails":    false,
		"not NO_REPLY":            false,
	} {
		if got := isSilentReply(in); got != want {
			t.Errorf("isSilentReply(%q) = %v, want %v", in, got, want)
		}
	}
}
