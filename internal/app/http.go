package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/webhook"

	"github.com/MrWong99/walkietalk/internal/observe"
)

// maxTriggerBody bounds the JSON body accepted by the pipeline trigger.
const maxTriggerBody = 64 << 10

// EventParticipantJoined is the LiveKit webhook event that launches a room.
const EventParticipantJoined = "participant_joined"

// HandlerConfig configures the HTTP surface.
type HandlerConfig struct {
	// RoomPrefix is the room name prefix that encodes a chat id.
	RoomPrefix string

	// AgentIdentity is the agent's own participant identity. Its joins do
	// not trigger a session.
	AgentIdentity string

	// APIKey and APISecret verify webhook signatures. When either is empty
	// the webhook route is not registered.
	APIKey    string
	APISecret string
}

// Handlers serves the room trigger, listing and webhook routes.
type Handlers struct {
	sessions *SessionManager
	cfg      HandlerConfig
	keys     auth.KeyProvider
}

// NewHandlers returns Handlers backed by sessions.
func NewHandlers(sessions *SessionManager, cfg HandlerConfig) *Handlers {
	h := &Handlers{sessions: sessions, cfg: cfg}
	if cfg.APIKey != "" && cfg.APISecret != "" {
		h.keys = auth.NewSimpleKeyProvider(cfg.APIKey, cfg.APISecret)
	}
	return h
}

// Register adds the routes to mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/rooms/{room}/pipeline", h.EnsurePipeline)
	mux.HandleFunc("GET /v1/rooms", h.ListRooms)
	if h.keys != nil {
		mux.HandleFunc("POST /v1/livekit/webhook", h.Webhook)
	}
}

type triggerRequest struct {
	ChatID string `json:"chat_id"`
}

type triggerResponse struct {
	Room    string `json:"room"`
	Started bool   `json:"started"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// EnsurePipeline handles POST /v1/rooms/{room}/pipeline. The body is
// optional; without a chat id the id is derived from the room name.
func (h *Handlers) EnsurePipeline(w http.ResponseWriter, r *http.Request) {
	roomName := r.PathValue("room")

	var req triggerRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
			return
		}
	}
	chatID := req.ChatID
	if chatID == "" {
		id, ok := ChatIDFromRoom(h.cfg.RoomPrefix, roomName)
		if !ok {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "chat_id is required for room " + roomName})
			return
		}
		chatID = id
	}

	started, err := h.sessions.EnsurePipeline(r.Context(), roomName, chatID)
	switch {
	case errors.Is(err, ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResponse{Room: roomName, Started: started})
}

// ListRooms handles GET /v1/rooms.
func (h *Handlers) ListRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Rooms []SessionInfo `json:"rooms"`
	}{Rooms: h.sessions.Active()})
}

// Webhook handles POST /v1/livekit/webhook. A participant joining a
// prefixed room launches that room's session.
func (h *Handlers) Webhook(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	ev, err := webhook.ReceiveWebhookEvent(r, h.keys)
	if err != nil {
		log.Warn("app: rejected webhook", "err", err)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid webhook"})
		return
	}

	if ev.GetEvent() != EventParticipantJoined {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	roomName := ev.GetRoom().GetName()
	identity := ev.GetParticipant().GetIdentity()
	chatID, ok := ChatIDFromRoom(h.cfg.RoomPrefix, roomName)
	if !ok || identity == h.cfg.AgentIdentity {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	started, err := h.sessions.EnsurePipeline(r.Context(), roomName, chatID)
	if err != nil {
		log.Warn("app: webhook could not start room", "room", roomName, "err", err)
		status := http.StatusInternalServerError
		if errors.Is(err, ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	log.Debug("webhook participant joined", "room", roomName, "identity", identity, "started", started)
	writeJSON(w, http.StatusAccepted, triggerResponse{Room: roomName, Started: started})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: write response", "err", err)
	}
}
