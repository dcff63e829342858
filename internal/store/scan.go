package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/cps-scaffold/internal/domain"
)

const snapshotColumns = `session_id, challenge_turns, idea_turns, action_turns, active_stage,
	total_messages, user_messages, agent_messages,
	shallow_responses, medium_responses, deep_responses,
	monitoring_count, control_count, knowledge_count,
	visited_stages, transition_count, completed,
	session_duration_ms, response_time_total_ms, response_samples, last_agent_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var owner sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(
		&session.ID, &owner, &session.AssignmentText, &session.Active,
		&createdAt, &updatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	session.OwnerID = owner.String
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	if completedAt.Valid {
		ts := fromMillis(completedAt.Int64)
		session.CompletedAt = &ts
	}
	return &session, nil
}

func scanEntry(row rowScanner, extra ...any) (*domain.ConversationEntry, error) {
	var e domain.ConversationEntry
	var role string
	var stage, tags, depth, reasoning sql.NullString
	var should sql.NullBool
	var createdAt int64

	dest := append([]any{
		&e.ID, &e.SessionID, &role, &e.Text, &stage, &tags, &depth, &should, &reasoning, &createdAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	e.Role = domain.Role(role)
	e.Stage = domain.Stage(stage.String)
	e.Depth = domain.Depth(depth.String)
	e.Reasoning = reasoning.String
	e.CreatedAt = fromMillis(createdAt)
	if should.Valid {
		v := should.Bool
		e.ShouldTransition = &v
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &e.MetacogTags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	return &e, nil
}

func scanTransition(row rowScanner) (*domain.StageTransition, error) {
	var t domain.StageTransition
	var from, reason sql.NullString
	var to string
	var createdAt int64

	if err := row.Scan(&t.ID, &t.SessionID, &from, &to, &reason, &t.MessageCount, &createdAt); err != nil {
		return nil, err
	}
	t.FromStage = domain.Stage(from.String)
	t.ToStage = domain.Stage(to)
	t.Reason = reason.String
	t.CreatedAt = fromMillis(createdAt)
	return &t, nil
}

func scanSnapshot(row rowScanner, extra ...any) (*domain.Snapshot, error) {
	var s domain.Snapshot
	var active, visited string
	var duration, lastAgent sql.NullInt64
	var responseTotal, createdAt, updatedAt int64

	dest := append([]any{
		&s.SessionID, &s.Turns[0], &s.Turns[1], &s.Turns[2], &active,
		&s.TotalMessages, &s.UserMessages, &s.AgentMessages,
		&s.ShallowResponses, &s.MediumResponses, &s.DeepResponses,
		&s.MonitoringCount, &s.ControlCount, &s.KnowledgeCount,
		&visited, &s.TransitionCount, &s.Completed,
		&duration, &responseTotal, &s.ResponseSamples, &lastAgent,
		&createdAt, &updatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	s.ActiveStage = domain.Stage(active)
	if visited != "" {
		if err := json.Unmarshal([]byte(visited), &s.VisitedStages); err != nil {
			return nil, fmt.Errorf("decode visited stages: %w", err)
		}
	}
	if duration.Valid {
		d := time.Duration(duration.Int64) * time.Millisecond
		s.SessionDuration = &d
	}
	if lastAgent.Valid {
		ts := fromMillis(lastAgent.Int64)
		s.LastAgentAt = &ts
	}
	s.ResponseTimeTotal = time.Duration(responseTotal) * time.Millisecond
	s.CreatedAt = fromMillis(createdAt)
	s.UpdatedAt = fromMillis(updatedAt)
	return &s, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stagesOrEmpty(stages []domain.Stage) []domain.Stage {
	if stages == nil {
		return []domain.Stage{}
	}
	return stages
}

// prefixed qualifies a comma separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
