package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memStorage struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func newMemStorage() *memStorage { return &memStorage{jobs: make(map[string]Job)} }

func (m *memStorage) Save(job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memStorage) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStorage) LoadAll() ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Job
	for _, j := range m.jobs {
		j := j
		out = append(out, &j)
	}
	return out, nil
}

func (m *memStorage) get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return j, ok
}

type queued struct{ channel, userID, text string }

type fakeNotifier struct {
	mu    sync.Mutex
	items []queued
}

func (f *fakeNotifier) Enqueue(channel, userID, text string, _ int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, queued{channel, userID, text})
	return int64(len(f.items)), nil
}

func (f *fakeNotifier) snapshot() []queued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queued(nil), f.items...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdd_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"cron ok", Job{Schedule: "0 9 * * *", Prompt: "agenda"}, false},
		{"descriptor ok", Job{Schedule: "@daily", Prompt: "agenda"}, false},
		{"every ok", Job{Schedule: "15m", Type: TypeEvery, Prompt: "x"}, false},
		{"at ok", Job{Schedule: "2h", Type: TypeAt, Prompt: "x"}, false},
		{"bad cron", Job{Schedule: "every tuesday", Prompt: "x"}, true},
		{"every too short", Job{Schedule: "10ms", Type: TypeEvery, Prompt: "x"}, true},
		{"unknown type", Job{Schedule: "1h", Type: "weekly", Prompt: "x"}, true},
		{"missing schedule", Job{Prompt: "x"}, true},
		{"missing prompt", Job{Schedule: "@daily"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(nil, nil, nil, quietLogger())
			job := tt.job
			err := s.Add(&job)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(job.ID) != 8 {
				t.Errorf("generated ID = %q, want 8 chars", job.ID)
			}
		})
	}
}

func TestAdd_DuplicateAndRemove(t *testing.T) {
	t.Parallel()

	store := newMemStorage()
	s := New(store, nil, nil, quietLogger())

	if err := s.Add(&Job{ID: "daily", Schedule: "@daily", Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(&Job{ID: "daily", Schedule: "@daily", Prompt: "y"}); !errors.Is(err, ErrJobExists) {
		t.Errorf("duplicate Add = %v, want ErrJobExists", err)
	}
	if _, ok := store.get("daily"); !ok {
		t.Error("job was not persisted")
	}

	if err := s.Remove("daily"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove("daily"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("second Remove = %v, want ErrJobNotFound", err)
	}
	if _, ok := store.get("daily"); ok {
		t.Error("job still in storage after Remove")
	}
}

func TestLoad_DoesNotSchedule(t *testing.T) {
	t.Parallel()

	storage := newMemStorage()
	storage.jobs["j1"] = Job{ID: "j1", Schedule: "@every 1s", Type: TypeCron, Prompt: "p", Enabled: true}

	var runs atomic.Int32
	s := New(storage, func(context.Context, *Job) (string, error) {
		runs.Add(1)
		return "", nil
	}, nil, quietLogger())

	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get("j1"); !ok {
		t.Fatal("loaded job missing")
	}
	if err := s.Remove("j1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := storage.get("j1"); ok {
		t.Error("Remove after Load did not delete from storage")
	}
	time.Sleep(1200 * time.Millisecond)
	if n := runs.Load(); n != 0 {
		t.Errorf("runs = %d, want 0 without Start", n)
	}
}

func TestRunNow_DeliversResult(t *testing.T) {
	t.Parallel()

	store := newMemStorage()
	notifier := &fakeNotifier{}
	handler := func(_ context.Context, job *Job) (string, error) {
		return "result of " + job.Prompt, nil
	}
	s := New(store, handler, notifier, quietLogger())

	job := &Job{ID: "j1", Schedule: "@daily", Prompt: "agenda", Channel: "telegram", UserID: "42", Enabled: true}
	if err := s.Add(job); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("j1"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}

	got := notifier.snapshot()
	if len(got) != 1 || got[0] != (queued{"telegram", "42", "result of agenda"}) {
		t.Errorf("queued = %+v, want one result for telegram/42", got)
	}
	saved, _ := store.get("j1")
	if saved.RunCount != 1 || saved.LastRunAt == nil || saved.LastError != "" {
		t.Errorf("persisted job = %+v, want one clean run", saved)
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("RunNow(missing) = %v, want ErrJobNotFound", err)
	}
}

func TestRunNow_FailureAndPanic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler JobHandler
		wantErr string
	}{
		{"error", func(context.Context, *Job) (string, error) { return "", errors.New("backend down") }, "backend down"},
		{"panic", func(context.Context, *Job) (string, error) { panic("boom") }, "panic: boom"},
		{"nil handler", nil, "no handler configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			notifier := &fakeNotifier{}
			s := New(nil, tt.handler, notifier, quietLogger())
			if err := s.Add(&Job{ID: "j", Schedule: "@daily", Prompt: "x", Channel: "c", UserID: "u"}); err != nil {
				t.Fatal(err)
			}
			err := s.RunNow("j")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("RunNow() = %v, want error containing %q", err, tt.wantErr)
			}
			job, _ := s.Get("j")
			if job.LastError != tt.wantErr {
				t.Errorf("LastError = %q, want %q", job.LastError, tt.wantErr)
			}
			if n := len(notifier.snapshot()); n != 0 {
				t.Errorf("failed run queued %d messages, want 0", n)
			}
		})
	}
}

func TestRunNow_TooSoon(t *testing.T) {
	t.Parallel()

	s := New(nil, func(context.Context, *Job) (string, error) { return "", nil }, nil, quietLogger())
	if err := s.Add(&Job{ID: "j", Schedule: "@daily", Prompt: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("j"); err != nil {
		t.Fatalf("first RunNow() = %v", err)
	}
	if err := s.RunNow("j"); !errors.Is(err, ErrJobTooSoon) {
		t.Errorf("second RunNow() = %v, want ErrJobTooSoon", err)
	}
}

func TestExecute_SingleFlight(t *testing.T) {
	t.Parallel()

	var running, maxRunning atomic.Int32
	release := make(chan struct{})
	handler := func(context.Context, *Job) (string, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		return "", nil
	}
	s := New(nil, handler, nil, quietLogger())
	if err := s.Add(&Job{ID: "j", Schedule: "@daily", Prompt: "x"}); err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		skipped atomic.Int32
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunNow("j")
			if errors.Is(err, ErrJobRunning) || errors.Is(err, ErrJobTooSoon) {
				skipped.Add(1)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := skipped.Load(); got != 4 {
		t.Errorf("skipped runs = %d, want 4", got)
	}
	if got := maxRunning.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
	if job, _ := s.Get("j"); job.RunCount != 1 {
		t.Errorf("RunCount = %d, want 1", job.RunCount)
	}
}

func TestStart_LoadsAndFires(t *testing.T) {
	t.Parallel()

	store := newMemStorage()
	_ = store.Save(&Job{ID: "tick", Schedule: "1s", Type: TypeEvery, Prompt: "tick", Enabled: true, CreatedAt: time.Now()})
	_ = store.Save(&Job{ID: "paused", Schedule: "1s", Type: TypeEvery, Prompt: "paused", Enabled: false, CreatedAt: time.Now()})

	var fired sync.Map
	handler := func(_ context.Context, job *Job) (string, error) {
		fired.Store(job.ID, true)
		return "", nil
	}
	s := New(store, handler, nil, quietLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if n := len(s.List()); n != 2 {
		t.Fatalf("List() has %d jobs, want 2", n)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := fired.Load("tick"); ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := fired.Load("tick"); !ok {
		t.Error("enabled job never fired")
	}
	if _, ok := fired.Load("paused"); ok {
		t.Error("disabled job fired")
	}
}

func TestOneShot_FiresOnceAndRemoves(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	handler := func(context.Context, *Job) (string, error) {
		runs.Add(1)
		return "", nil
	}
	s := New(nil, handler, nil, quietLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if err := s.Add(&Job{ID: "once", Type: TypeAt, Schedule: "50ms", Prompt: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Get("once"); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := s.Get("once"); ok {
		t.Fatal("one-shot job was not removed after firing")
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
}

func TestStop_ReleasesPendingOneShot(t *testing.T) {
	t.Parallel()

	s := New(nil, nil, nil, quietLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(&Job{ID: "later", Type: TypeAt, Schedule: "1h", Prompt: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	s.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Stop took %v with a pending one-shot", elapsed)
	}
}

func TestParseOneShotTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"90m", now.Add(90 * time.Minute)},
		{"2026-03-11T08:30:00Z", time.Date(2026, 3, 11, 8, 30, 0, 0, time.UTC)},
		{"2026-03-11 08:30", time.Date(2026, 3, 11, 8, 30, 0, 0, time.UTC)},
		{"15:30", time.Date(2026, 3, 10, 15, 30, 0, 0, time.UTC)},
		{"09:00", time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseOneShotTime(tt.in, now)
		if err != nil {
			t.Errorf("parseOneShotTime(%q) error: %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseOneShotTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := parseOneShotTime("tomorrow-ish", now); err == nil {
		t.Error("expected error for unrecognized format")
	}
}
