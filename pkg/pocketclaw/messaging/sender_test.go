package messaging

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSender_SendsChunksInOrder(t *testing.T) {
	t.Parallel()

	cfg := SenderConfig{MaxLength: 10, NewlineThreshold: 0.5, ChunkDelay: time.Millisecond}
	s := NewSender(cfg, NewRateLimiter(0), testLogger())

	var got []string
	err := s.Send(context.Background(), "u1", "hello world foo bar", func(_ context.Context, chunk string) error {
		got = append(got, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	want := []string{"hello", "world foo", "bar"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("chunks = %q, want %q", got, want)
	}
}

func TestSender_EmptyTextSendsNothing(t *testing.T) {
	t.Parallel()

	s := NewSender(DefaultSenderConfig(), nil, testLogger())
	calls := 0
	err := s.Send(context.Background(), "u1", "  \n ", func(context.Context, string) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls != 0 {
		t.Errorf("sendFn called %d times, want 0", calls)
	}
}

func TestSender_StopsOnChunkError(t *testing.T) {
	t.Parallel()

	cfg := SenderConfig{MaxLength: 5}
	s := NewSender(cfg, nil, testLogger())
	boom := errors.New("platform down")

	calls := 0
	err := s.Send(context.Background(), "u1", "aaaaa bbbbb ccccc", func(context.Context, string) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Send = %v, want wrapped %v", err, boom)
	}
	if calls != 2 {
		t.Errorf("sendFn called %d times, want 2", calls)
	}
}

func TestSender_ThrottlesPerUser(t *testing.T) {
	t.Parallel()

	const interval = 40 * time.Millisecond
	s := NewSender(DefaultSenderConfig(), NewRateLimiter(interval), testLogger())
	noop := func(context.Context, string) error { return nil }

	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := s.Send(context.Background(), "u1", "hi", noop); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < interval-5*time.Millisecond {
		t.Errorf("two sends to one user took %v, want >= %v", elapsed, interval)
	}
}

func TestSender_ContextCancelledDuringDelay(t *testing.T) {
	t.Parallel()

	cfg := SenderConfig{MaxLength: 5, ChunkDelay: time.Hour}
	s := NewSender(cfg, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := s.Send(ctx, "u1", "aaaaa bbbbb", func(context.Context, string) error {
		calls++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Send = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("sendFn called %d times, want 1", calls)
	}
}
