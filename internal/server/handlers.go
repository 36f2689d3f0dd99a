package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/florianilch/hcbridge/internal/command"
	"github.com/florianilch/hcbridge/internal/eventstream"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status         string `json:"status"`
	TokenAvailable bool   `json:"token_available"`
	StreamState    string `json:"stream_state"`
	SSEClients     int    `json:"sse_clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.deps.Stream.State()
	resp := HealthResponse{
		Status:         "ok",
		TokenAvailable: s.deps.Token.TokenAvailable(),
		StreamState:    state.String(),
		SSEClients:     s.deps.Events.Clients(),
	}

	status := http.StatusOK
	if !resp.TokenAvailable || state != eventstream.StateStreaming {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(r.Context(), w, resp, status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sse, err := NewSSEWriter(w)
	if err != nil {
		slog.ErrorContext(ctx, "SSE not supported", "error", err)
		writeJSONError(ctx, w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	events, unsubscribe := s.deps.Events.Subscribe()
	defer unsubscribe()

	w.WriteHeader(http.StatusOK)
	if err := sse.WriteComment("connected"); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.deps.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := sse.WriteEvent(ev.ID, ev.Event, ev); err != nil {
				slog.DebugContext(ctx, "SSE client gone", "error", err)
				return
			}
		case <-heartbeat.C:
			if err := sse.WriteComment("heartbeat"); err != nil {
				slog.DebugContext(ctx, "SSE client gone", "error", err)
				return
			}
		}
	}
}

// CommandRequest is the body of POST /appliances/{haId}/commands.
type CommandRequest struct {
	Command string `json:"command"`
	Value   string `json:"value,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CommandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSONError(ctx, w, "invalid request body", http.StatusBadRequest)
		return
	}

	queued, err := s.deps.Commands.Enqueue(command.Command{
		ApplianceID: chi.URLParam(r, "haId"),
		Kind:        command.Kind(req.Command),
		Value:       req.Value,
	})
	switch {
	case errors.Is(err, command.ErrQueueFull):
		writeJSONError(ctx, w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		writeJSONError(ctx, w, err.Error(), http.StatusBadRequest)
	default:
		slog.InfoContext(ctx, "command queued", "command_id", queued.ID, "command", queued.Kind)
		writeJSON(ctx, w, queued, http.StatusAccepted)
	}
}
