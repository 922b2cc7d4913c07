// Package console is a local terminal adapter used by `pocketclaw chat`.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
)

// UserID is the fixed identity of whoever sits at the terminal.
const UserID = "local"

// Config holds console settings.
type Config struct {
	Prompt      string `yaml:"prompt"`
	HistoryFile string `yaml:"history_file"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Prompt: "you> "}
}

// lineReader is the part of *readline.Instance the loop needs.
type lineReader interface {
	Readline() (string, error)
}

// Console implements channels.Adapter over stdin/stdout.
type Console struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	out    io.Writer
	rl     *readline.Instance
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the adapter.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultConfig().Prompt
	}
	return &Console{
		cfg:    cfg,
		logger: logger.With("component", "console"),
		out:    os.Stdout,
		done:   make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Start opens the line editor and reads input in the background.
func (c *Console) Start(ctx context.Context, handler channels.MessageHandler) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.cfg.Prompt,
		HistoryFile:     c.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("console: open terminal: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.rl = rl
	c.out = rl.Stdout()
	c.cancel = cancel
	c.mu.Unlock()

	go c.loop(runCtx, rl, handler)
	return nil
}

// Stop closes the terminal. It is safe to call more than once.
func (c *Console) Stop() error {
	c.mu.Lock()
	rl, cancel := c.rl, c.cancel
	c.rl, c.cancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if rl != nil {
		return rl.Close()
	}
	return nil
}

// Done is closed when the user ends the session (EOF, Ctrl+C or /exit).
func (c *Console) Done() <-chan struct{} { return c.done }

// Send prints text. The console has no length limit so no chunking applies.
func (c *Console) Send(_ context.Context, userID, text string) error {
	if userID != UserID {
		return fmt.Errorf("console: unknown user %q", userID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, strings.TrimSpace(text))
	return err
}

// loop reads lines until EOF or interrupt. Each line is handled before the
// next prompt so replies never interleave with typing.
func (c *Console) loop(ctx context.Context, r lineReader, handler channels.MessageHandler) {
	defer close(c.done)
	for ctx.Err() == nil {
		line, err := r.Readline()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, readline.ErrInterrupt) {
				c.logger.Warn("console: read failed", "error", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return
		}
		channels.Dispatch(ctx, c.logger, handler, UserID, line, func(ctx context.Context, reply string) error {
			return c.Send(ctx, UserID, reply)
		})
	}
}
