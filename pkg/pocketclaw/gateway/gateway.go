// Package gateway is the local HTTP API of a running PocketClaw: health,
// channel list, outbox inspection and enqueue, heartbeat trigger and jobs.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/heartbeat"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/outbox"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
)

// Config configures the gateway.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address is the listen address.
	Address string `yaml:"address"`

	// AuthToken, when set, is required as a bearer token on /api routes.
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Address: "127.0.0.1:8085"}
}

// Service is what the gateway exposes. The assistant implements it.
type Service interface {
	Channels() []string
	ListOutbox(channel string) ([]outbox.Message, error)
	Enqueue(channel, userID, text string, maxRetries int) (int64, error)
	TriggerHeartbeat() bool
	HeartbeatState() heartbeat.State
	Jobs() []scheduler.Job
	RunJob(id string) error
}

// Gateway is the HTTP API server.
type Gateway struct {
	svc       Service
	config    Config
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway.
func New(svc Service, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultConfig().Address
	}
	return &Gateway{
		svc:       svc,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler builds the router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(g.authMiddleware)

		r.Get("/channels", g.handleChannels)
		r.Get("/outbox", g.handleListOutbox)
		r.Get("/outbox/{channel}", g.handleListOutbox)
		r.Post("/outbox", g.handleEnqueue)
		r.Get("/heartbeat", g.handleHeartbeatState)
		r.Post("/heartbeat/run", g.handleHeartbeatRun)
		r.Get("/jobs", g.handleJobs)
		r.Post("/jobs/{id}/run", g.handleRunJob)
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (g *Gateway) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", g.config.Address, err)
	}

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("gateway has no auth token and is bound to a non-loopback address",
			"address", g.config.Address)
	}

	g.startedAt = time.Now()
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.server.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
