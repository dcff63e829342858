package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cps-scaffold/internal/events"
	"github.com/ashureev/cps-scaffold/internal/observability"
)

// Subscriber hands out per-session event streams.
type Subscriber interface {
	Subscribe(sessionID string) (<-chan events.TurnEvent, func())
}

// StageFeedHandler streams stage and turn events of one session over a
// WebSocket.
type StageFeedHandler struct {
	research       ResearchService
	turns          TurnCounter
	hub            Subscriber
	originPatterns []string
	writeTimeout   time.Duration
}

// NewStageFeedHandler creates the feed handler. allowedOrigins are full
// origins such as "https://cps.example.edu" or "*".
func NewStageFeedHandler(research ResearchService, turns TurnCounter, hub Subscriber, allowedOrigins []string) *StageFeedHandler {
	return &StageFeedHandler{
		research:       research,
		turns:          turns,
		hub:            hub,
		originPatterns: originPatterns(allowedOrigins),
		writeTimeout:   5 * time.Second,
	}
}

// RegisterRoutes registers the feed route.
func (h *StageFeedHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{sessionID}", h.ServeHTTP)
}

type wsMessage struct {
	Type string `json:"type"`
}

// ServeHTTP upgrades the connection, sends the current state and then
// forwards every event until the client leaves or the session closes.
func (h *StageFeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.research.GetSession(r.Context(), sessionID); err != nil {
		WriteError(w, r, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	observability.SubscriberConnected()
	defer observability.SubscriberDisconnected()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, unsubscribe := h.hub.Subscribe(sessionID)
	defer unsubscribe()

	if err := h.sendState(ctx, ws, sessionID); err != nil {
		slog.Debug("Failed to send initial state", "error", err, "session_id", sessionID)
		return
	}

	go func() {
		defer cancel()
		h.readLoop(ctx, ws, sessionID)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, ev); err != nil {
				slog.Debug("Failed to forward event", "error", err, "session_id", sessionID)
				return
			}
			if ev.Type == events.TypeSessionClosed {
				return
			}
		}
	}
}

func (h *StageFeedHandler) sendState(ctx context.Context, ws *websocket.Conn, sessionID string) error {
	snap, err := h.research.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.writeJSON(ctx, ws, events.TurnEvent{
		Type:       events.TypeState,
		SessionID:  sessionID,
		Stage:      snap.ActiveStage,
		TurnCounts: h.turns.FromSnapshot(snap),
		At:         time.Now(),
	})
}

func (h *StageFeedHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := h.writeJSON(ctx, ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		}
	}
}

func (h *StageFeedHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

// originPatterns converts allowed origins into the host patterns the
// websocket library matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u.Host)
	}
	return out
}
