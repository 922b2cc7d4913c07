package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/outbox"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/scheduler"
)

type errorResponse struct {
	Error string `json:"error"`
}

type enqueueRequest struct {
	Channel    string `json:"channel"`
	UserID     string `json:"user_id"`
	Text       string `json:"text"`
	MaxRetries *int   `json:"max_retries,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(g.startedAt).Round(time.Second).String(),
		"channels": g.svc.Channels(),
	})
}

// handleChannels implements GET /api/channels.
func (g *Gateway) handleChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": g.svc.Channels()})
}

// handleListOutbox implements GET /api/outbox and GET /api/outbox/{channel}.
func (g *Gateway) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	msgs, err := g.svc.ListOutbox(chi.URLParam(r, "channel"))
	if err != nil {
		g.logger.Error("list outbox", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list outbox")
		return
	}
	if msgs == nil {
		msgs = []outbox.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleEnqueue implements POST /api/outbox.
func (g *Gateway) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Channel == "" || req.UserID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "channel, user_id and text are required")
		return
	}
	maxRetries := -1
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	id, err := g.svc.Enqueue(req.Channel, req.UserID, req.Text, maxRetries)
	if errors.Is(err, channels.ErrUnknownChannel) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		g.logger.Error("enqueue", "channel", req.Channel, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

// handleHeartbeatState implements GET /api/heartbeat.
func (g *Gateway) handleHeartbeatState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.svc.HeartbeatState())
}

// handleHeartbeatRun implements POST /api/heartbeat/run.
func (g *Gateway) handleHeartbeatRun(w http.ResponseWriter, _ *http.Request) {
	if !g.svc.TriggerHeartbeat() {
		writeError(w, http.StatusConflict, "heartbeat is not started or already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

// handleJobs implements GET /api/jobs.
func (g *Gateway) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := g.svc.Jobs()
	if jobs == nil {
		jobs = []scheduler.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleRunJob implements POST /api/jobs/{id}/run.
func (g *Gateway) handleRunJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := g.svc.RunJob(id)
	if errors.Is(err, scheduler.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if errors.Is(err, scheduler.ErrJobRunning) || errors.Is(err, scheduler.ErrJobTooSoon) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ran": id})
}
