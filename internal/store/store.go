// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/cps-scaffold/internal/domain"
)

// TurnCommit is the post-reasoning unit of work for one learner turn. The
// transitions, agent entry, snapshot metrics and turn increment for TurnStage
// are applied atomically.
type TurnCommit struct {
	SessionID   string
	Transitions []domain.StageTransition
	Agent       domain.ConversationEntry
	TurnStage   domain.Stage
}

// ConversationRow is a conversation entry joined to its session owner.
type ConversationRow struct {
	domain.ConversationEntry
	OwnerID string
}

// SnapshotRow is a snapshot joined to its session owner.
type SnapshotRow struct {
	domain.Snapshot
	OwnerID string
}

// Repository defines the interface for persisting sessions, their logs and
// their snapshots. Every write that touches a log also updates the snapshot
// in the same transaction.
type Repository interface {
	// CreateSession inserts the session and its zero snapshot atomically.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession returns domain.ErrNotFound when the session does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns sessions newest first. An empty ownerID lists all.
	ListSessions(ctx context.Context, ownerID string, offset, limit int) ([]*domain.Session, error)

	// CloseSession deactivates the session. The completion time is stamped
	// only on the first active to inactive change.
	CloseSession(ctx context.Context, id string, completed bool, at time.Time) (*domain.Session, error)

	// DeleteSession removes the session and everything beneath it.
	DeleteSession(ctx context.Context, id string) error

	// AppendConversation inserts an entry and folds it into the snapshot.
	// Inactive sessions fail with domain.ErrSessionClosed.
	AppendConversation(ctx context.Context, entry *domain.ConversationEntry) error

	// ListConversations returns entries in insertion order.
	ListConversations(ctx context.Context, sessionID string) ([]domain.ConversationEntry, error)

	// RecentConversations returns the last n entries in insertion order.
	RecentConversations(ctx context.Context, sessionID string, n int) ([]domain.ConversationEntry, error)

	// AppendTransition inserts a transition record and folds it into the snapshot.
	AppendTransition(ctx context.Context, t *domain.StageTransition) error

	// ListTransitions returns transition records in insertion order.
	ListTransitions(ctx context.Context, sessionID string) ([]domain.StageTransition, error)

	// LatestTransition returns the newest record, or nil when none exists.
	LatestTransition(ctx context.Context, sessionID string) (*domain.StageTransition, error)

	// GetSnapshot returns domain.ErrNotFound when the session does not exist.
	GetSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error)

	// IncrementTurn atomically adds one turn to stage, marks it active and
	// returns the new counter value.
	IncrementTurn(ctx context.Context, sessionID string, stage domain.Stage) (int, error)

	// ResetStageTurns sets the counter for stage back to zero.
	ResetStageTurns(ctx context.Context, sessionID string, stage domain.Stage) error

	// CommitTurn applies a TurnCommit and returns the resulting snapshot.
	// Inactive sessions fail with domain.ErrSessionClosed and nothing is written.
	CommitTurn(ctx context.Context, c TurnCommit) (*domain.Snapshot, error)

	// ExportConversations streams every entry, optionally filtered by owner.
	ExportConversations(ctx context.Context, ownerID string, fn func(ConversationRow) error) error

	// ExportSnapshots streams every snapshot, optionally filtered by owner.
	ExportSnapshots(ctx context.Context, ownerID string, fn func(SnapshotRow) error) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
