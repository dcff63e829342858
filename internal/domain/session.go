package domain

import (
	"time"
)

// Session is one problem-solving attempt. It owns every other entity.
type Session struct {
	ID             string     `json:"session_id"`
	OwnerID        string     `json:"user_id,omitempty"`
	AssignmentText string     `json:"assignment_text"`
	Active         bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ConversationEntry is one immutable learner or agent message.
type ConversationEntry struct {
	ID               int64        `json:"id"`
	SessionID        string       `json:"session_id"`
	Role             Role         `json:"role"`
	Text             string       `json:"message"`
	Stage            Stage        `json:"cps_stage,omitempty"`
	MetacogTags      []MetacogTag `json:"metacog_elements,omitempty"`
	Depth            Depth        `json:"response_depth,omitempty"`
	ShouldTransition *bool        `json:"should_transition,omitempty"`
	Reasoning        string       `json:"reasoning,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// StageTransition records one observed stage change. FromStage is empty only
// for the first record of a session.
type StageTransition struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	FromStage    Stage     `json:"from_stage,omitempty"`
	ToStage      Stage     `json:"to_stage"`
	Reason       string    `json:"transition_reason,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// HistoryMessage is one caller-supplied prior message.
type HistoryMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
