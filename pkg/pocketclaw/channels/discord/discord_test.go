package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
)

type fakeAPI struct {
	mu        sync.Mutex
	sent      map[string][]string
	dmCreates int
}

func (f *fakeAPI) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]string)
	}
	f.sent[channelID] = append(f.sent[channelID], content)
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func (f *fakeAPI) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dmCreates++
	return &discordgo.Channel{ID: "dm-" + recipientID}, nil
}

func TestMessageText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		inGuild bool
		want    string
		wantOK  bool
	}{
		{"dm", "  hello ", false, "hello", true},
		{"dm empty", "   ", false, "", false},
		{"guild without mention", "hello", true, "", false},
		{"guild mention", "<@42> what's up", true, "what's up", true},
		{"guild nick mention", "<@!42> ping", true, "ping", true},
		{"guild only mention", "<@42>", true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := messageText(tt.content, tt.inGuild, "42")
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("messageText(%q) = %q, %v; want %q, %v", tt.content, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSend_ChunksThroughDMChannel(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RateLimit = 0
	cfg.Sender.ChunkDelay = 0
	d := New(cfg, nil)
	api := &fakeAPI{}
	d.api = api

	long := strings.Repeat("word ", 900)
	if err := d.Send(context.Background(), "u1", long); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := d.Send(context.Background(), "u1", "again"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	chunks := api.sent["dm-u1"]
	if len(chunks) != 4 {
		t.Fatalf("got %d messages, want 3 chunks + 1", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 2000 {
			t.Errorf("chunk %d has %d runes", i, len([]rune(c)))
		}
	}
	if api.dmCreates != 1 {
		t.Errorf("DM channel created %d times, want 1", api.dmCreates)
	}
}

func TestSend_NotStarted(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), nil)
	if err := d.Send(context.Background(), "u1", "hi"); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("Send = %v, want ErrChannelDisconnected", err)
	}
}

func TestStart_RequiresToken(t *testing.T) {
	t.Parallel()

	d := New(DefaultConfig(), nil)
	if err := d.Start(context.Background(), nil); err == nil {
		t.Error("Start without token should fail")
	}
}
