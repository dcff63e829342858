package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/identity"
)

// SessionService is the ledger surface used by session routes.
type SessionService interface {
	CreateSession(ctx context.Context, ownerID, assignmentText string) (*domain.Session, error)
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	CloseSession(ctx context.Context, id string, completed bool) (*domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// SessionCloser drops live subscribers of a session.
type SessionCloser interface {
	CloseSession(sessionID string)
}

// SessionHandler handles session lifecycle endpoints.
type SessionHandler struct {
	sessions SessionService
	events   SessionCloser
}

// NewSessionHandler creates a session handler. events may be nil.
func NewSessionHandler(sessions SessionService, events SessionCloser) *SessionHandler {
	return &SessionHandler{sessions: sessions, events: events}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/{sessionID}", h.Get)
		r.Post("/{sessionID}/close", h.Close)
		r.Delete("/{sessionID}", h.Delete)
	})
}

type createSessionRequest struct {
	UserID         string `json:"user_id"`
	AssignmentText string `json:"assignment_text"`
}

type closeSessionRequest struct {
	Completed bool `json:"completed"`
}

// Create starts a session. Without an explicit user_id the session belongs
// to the requesting learner.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	owner := identity.LearnerIDFromContext(r.Context())
	if req.UserID != "" {
		owner = identity.SanitizeLearnerID(req.UserID)
		if owner == "" {
			Error(w, http.StatusBadRequest, "invalid user_id")
			return
		}
	}

	session, err := h.sessions.CreateSession(r.Context(), owner, req.AssignmentText)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, session)
}

// Get returns one session.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// Close deactivates a session. An empty body closes it as not completed.
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req closeSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			WriteError(w, r, err)
			return
		}
	}

	id := chi.URLParam(r, "sessionID")
	session, err := h.sessions.CloseSession(r.Context(), id, req.Completed)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if h.events != nil {
		h.events.CloseSession(id)
	}
	JSON(w, http.StatusOK, session)
}

// Delete removes a session and everything it owns.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.sessions.DeleteSession(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	if h.events != nil {
		h.events.CloseSession(id)
	}
	w.WriteHeader(http.StatusNoContent)
}
