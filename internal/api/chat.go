package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cps-scaffold/internal/arbiter"
	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/identity"
	"github.com/ashureev/cps-scaffold/internal/observability"
)

// TurnHandler processes one learner turn.
type TurnHandler interface {
	HandleMessage(ctx context.Context, req arbiter.TurnRequest) (*arbiter.TurnResult, error)
}

// ChatHandler handles the learner message endpoint.
type ChatHandler struct {
	turns   TurnHandler
	limiter *RateLimiter
}

// NewChatHandler creates a chat handler. limiter may be nil.
func NewChatHandler(turns TurnHandler, limiter *RateLimiter) *ChatHandler {
	return &ChatHandler{turns: turns, limiter: limiter}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat/message", h.Message)
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	SessionID           string           `json:"session_id"`
	Message             string           `json:"message"`
	ConversationHistory []historyMessage `json:"conversation_history"`
	CurrentStage        string           `json:"current_stage"`
	Locale              string           `json:"locale"`
}

type scaffoldingData struct {
	CurrentStage         domain.Stage        `json:"current_stage"`
	DetectedMetacogNeeds []domain.MetacogTag `json:"detected_metacog_needs"`
	ResponseDepth        domain.Depth        `json:"response_depth"`
	ScaffoldingQuestion  string              `json:"scaffolding_question"`
	ShouldTransition     bool                `json:"should_transition"`
	Reasoning            string              `json:"reasoning"`
}

type chatResponse struct {
	SessionID               string                            `json:"session_id"`
	AgentMessage            string                            `json:"agent_message"`
	ScaffoldingData         scaffoldingData                   `json:"scaffolding_data"`
	TurnCounts              map[domain.Stage]domain.TurnLimit `json:"turn_counts"`
	ForcedTransition        bool                              `json:"forced_transition"`
	ForcedTransitionMessage string                            `json:"forced_transition_message,omitempty"`
	UserRequestedTransition bool                              `json:"user_requested_transition"`
	Fallback                bool                              `json:"fallback"`
	Timestamp               time.Time                         `json:"timestamp"`
}

// Message runs one learner turn.
func (h *ChatHandler) Message(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && !h.limiter.Allow(rateKey(r)) {
		observability.RecordRateLimited()
		Error(w, http.StatusTooManyRequests, "too many requests")
		return
	}

	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}

	turn, err := req.toTurnRequest()
	if err != nil {
		WriteError(w, r, err)
		return
	}

	result, err := h.turns.HandleMessage(r.Context(), turn)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, newChatResponse(result))
}

func (req chatRequest) toTurnRequest() (arbiter.TurnRequest, error) {
	turn := arbiter.TurnRequest{
		SessionID: req.SessionID,
		Message:   req.Message,
		Locale:    req.Locale,
	}

	if s := strings.TrimSpace(req.CurrentStage); s != "" {
		stage, ok := domain.ParseStage(s)
		if !ok {
			return turn, fmt.Errorf("current_stage %q: %w", s, domain.ErrValidation)
		}
		turn.CurrentStage = stage
	}

	for i, m := range req.ConversationHistory {
		role, ok := parseRole(m.Role)
		if !ok {
			return turn, fmt.Errorf("conversation_history[%d].role %q: %w", i, m.Role, domain.ErrValidation)
		}
		turn.History = append(turn.History, domain.HistoryMessage{Role: role, Content: m.Content})
	}
	return turn, nil
}

// parseRole accepts the agent role under the names chat clients commonly use.
func parseRole(s string) (domain.Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "learner":
		return domain.RoleUser, true
	case "agent", "assistant", "model":
		return domain.RoleAgent, true
	}
	return "", false
}

func newChatResponse(res *arbiter.TurnResult) chatResponse {
	tags := res.Classification.MetacogTags
	if tags == nil {
		tags = []domain.MetacogTag{}
	}
	return chatResponse{
		SessionID:    res.SessionID,
		AgentMessage: res.Utterance,
		ScaffoldingData: scaffoldingData{
			CurrentStage:         res.Stage,
			DetectedMetacogNeeds: tags,
			ResponseDepth:        res.Classification.Depth,
			ScaffoldingQuestion:  res.Utterance,
			ShouldTransition:     res.Classification.ShouldTransition,
			Reasoning:            res.Classification.Reasoning,
		},
		TurnCounts:              res.TurnCounts,
		ForcedTransition:        res.ForcedTransition,
		ForcedTransitionMessage: res.ForcedMessage,
		UserRequestedTransition: res.UserRequestedTransition,
		Fallback:                res.Fallback,
		Timestamp:               res.Timestamp,
	}
}

// rateKey buckets by client address, never by the client-supplied learner id.
func rateKey(r *http.Request) string {
	return identity.IPFromRequest(r)
}
