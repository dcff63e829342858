// Package events fans turn outcomes out to live subscribers of a session.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/cps-scaffold/internal/domain"
)

// Event types.
const (
	TypeState         = "state"
	TypeTurn          = "turn"
	TypeSessionClosed = "session_closed"
)

// TurnEvent describes the state of a session after a write.
type TurnEvent struct {
	Type                    string                            `json:"type"`
	SessionID               string                            `json:"session_id"`
	Stage                   domain.Stage                      `json:"stage,omitempty"`
	PreviousStage           domain.Stage                      `json:"previous_stage,omitempty"`
	TurnCounts              map[domain.Stage]domain.TurnLimit `json:"turn_counts,omitempty"`
	ForcedTransition        bool                              `json:"forced_transition"`
	UserRequestedTransition bool                              `json:"user_requested_transition"`
	Fallback                bool                              `json:"fallback"`
	Message                 string                            `json:"message,omitempty"`
	At                      time.Time                         `json:"at"`
}

// Hub keeps per-session subscriber channels. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan TurnEvent
	nextID uint64
	buffer int
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		subs:   make(map[string]map[uint64]chan TurnEvent),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber for sessionID. The cancel function
// unregisters it and closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan TurnEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ch := make(chan TurnEvent, h.buffer)
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[uint64]chan TurnEvent)
	}
	h.subs[sessionID][id] = ch
	slog.Debug("event subscriber registered", "session_id", sessionID, "subscriber", id)

	return ch, func() { h.unsubscribe(sessionID, id) }
}

func (h *Hub) unsubscribe(sessionID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.subs[sessionID]
	if !ok {
		return
	}
	if ch, exists := sessions[id]; exists {
		close(ch)
		delete(sessions, id)
		if len(sessions) == 0 {
			delete(h.subs, sessionID)
		}
		slog.Debug("event subscriber unregistered", "session_id", sessionID, "subscriber", id)
	}
}

// Publish delivers ev to every subscriber of ev.SessionID.
func (h *Hub) Publish(ev TurnEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping event for slow subscriber", "session_id", ev.SessionID, "subscriber", id, "type", ev.Type)
		}
	}
}

// CloseSession publishes a closed event and drops every subscriber of sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.Publish(TurnEvent{Type: TypeSessionClosed, SessionID: sessionID})

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[sessionID] {
		close(ch)
	}
	delete(h.subs, sessionID)
}

// Subscribers reports the live subscriber count for sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
