// Package ledger owns the lifecycle of sessions and read access to their logs.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/store"
	"github.com/google/uuid"
)

// Service creates, closes, deletes and reads sessions.
type Service struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a session ledger over repo.
func NewService(repo store.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// CreateSession starts a new active session with a zero snapshot.
func (s *Service) CreateSession(ctx context.Context, ownerID, assignmentText string) (*domain.Session, error) {
	assignmentText = strings.TrimSpace(assignmentText)
	if assignmentText == "" {
		return nil, fmt.Errorf("assignment text is required: %w", domain.ErrValidation)
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	session := &domain.Session{
		ID:             uuid.NewString(),
		OwnerID:        strings.TrimSpace(ownerID),
		AssignmentText: assignmentText,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("session created", "session_id", session.ID, "user_id", session.OwnerID)
	return session, nil
}

// GetSession returns the session or an error wrapping domain.ErrNotFound.
func (s *Service) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("session id is required: %w", domain.ErrValidation)
	}
	return s.repo.GetSession(ctx, id)
}

// CloseSession deactivates a session. Re-closing keeps the first completion time.
func (s *Service) CloseSession(ctx context.Context, id string, completed bool) (*domain.Session, error) {
	session, err := s.repo.CloseSession(ctx, id, completed, s.now().UTC().Truncate(time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("close session: %w", err)
	}
	s.logger.Info("session closed", "session_id", id, "completed", completed)
	return session, nil
}

// DeleteSession hard-deletes a session and everything it owns.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if err := s.repo.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// ListSessions returns sessions newest first, optionally for one owner.
func (s *Service) ListSessions(ctx context.Context, ownerID string, offset, limit int) ([]*domain.Session, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.repo.ListSessions(ctx, ownerID, offset, limit)
}

// Conversations returns the full conversation log of a session.
func (s *Service) Conversations(ctx context.Context, id string) ([]domain.ConversationEntry, error) {
	if _, err := s.repo.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListConversations(ctx, id)
}

// Transitions returns the transition log of a session.
func (s *Service) Transitions(ctx context.Context, id string) ([]domain.StageTransition, error) {
	if _, err := s.repo.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListTransitions(ctx, id)
}

// Snapshot returns the turn and metric snapshot of a session.
func (s *Service) Snapshot(ctx context.Context, id string) (*domain.Snapshot, error) {
	return s.repo.GetSnapshot(ctx, id)
}

// CurrentStage resolves the stage from the latest transition record, falling
// back to the default stage when no record exists. The bool reports whether
// a record was found.
func (s *Service) CurrentStage(ctx context.Context, id string) (domain.Stage, bool, error) {
	latest, err := s.repo.LatestTransition(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("resolve current stage: %w", err)
	}
	if latest == nil {
		return domain.DefaultStage, false, nil
	}
	return latest.ToStage, true, nil
}
