// Package backend is the client for the remote conversational backend.
// It creates sessions and exchanges text messages inside them over an
// OpenCode-style HTTP API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds backend connection settings.
type Config struct {
	// URL is the base URL of the backend (e.g. http://127.0.0.1:4096).
	URL string `yaml:"url"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	// Timeout bounds a single request.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:     "http://127.0.0.1:4096",
		Timeout: 5 * time.Minute,
	}
}

// BackendError is returned for any failed backend call.
type BackendError struct {
	Op         string
	StatusCode int // 0 for transport failures
	Body       string
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("backend %s returned %d: %s", e.Op, e.StatusCode, truncate(e.Body, 200))
}

func (e *BackendError) Unwrap() error { return e.Err }

// Temporary reports whether the call may succeed if retried: transport
// failures, 429 and 5xx.
func (e *BackendError) Temporary() bool {
	if e.StatusCode == 0 {
		return !errors.Is(e.Err, context.Canceled)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTemporary reports whether err carries a temporary BackendError.
func IsTemporary(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Temporary()
}

// Client talks to the backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.With("component", "backend"),
	}
}

type sessionResponse struct {
	ID string `json:"id"`
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type messageResponse struct {
	Parts []messagePart `json:"parts"`
}

// CreateSession opens a new backend session and returns its ID. hint is
// used as the session title.
func (c *Client) CreateSession(ctx context.Context, hint string) (string, error) {
	var out sessionResponse
	if err := c.do(ctx, "create session", "/session", map[string]any{"title": hint}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &BackendError{Op: "create session", StatusCode: http.StatusOK, Body: "empty session id"}
	}
	c.logger.Debug("session created", "session", out.ID, "title", hint)
	return out.ID, nil
}

// SendMessage posts text to a session and returns the text of the reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	body := map[string]any{
		"parts": []messagePart{{Type: "text", Text: text}},
	}
	var out messageResponse
	path := "/session/" + url.PathEscape(sessionID) + "/message"
	if err := c.do(ctx, "send message", path, body, &out); err != nil {
		return "", err
	}

	var reply strings.Builder
	for _, p := range out.Parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if reply.Len() > 0 {
			reply.WriteString("\n")
		}
		reply.WriteString(p.Text)
	}
	return reply.String(), nil
}

func (c *Client) do(ctx context.Context, op, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("backend %s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("backend %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &BackendError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &BackendError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("backend error", "op", op, "status", resp.StatusCode, "body", truncate(string(respBody), 500))
		return &BackendError{Op: op, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("backend %s: parse response: %w (body: %s)", op, err, truncate(string(respBody), 200))
	}
	c.logger.Debug("backend call", "op", op, "duration", time.Since(start).String())
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
