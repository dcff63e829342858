// Package turns tracks per-stage turn counters against fixed stage limits.
package turns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/cps-scaffold/internal/domain"
)

// Limits holds the maximum turn count per known stage.
type Limits map[domain.Stage]int

// DefaultLimits returns the stock limits: challenge 6, ideas 8, action 6.
func DefaultLimits() Limits {
	return Limits{
		domain.StageChallenge: 6,
		domain.StageIdeas:     8,
		domain.StageAction:    6,
	}
}

// Store is the subset of the repository the tracker needs.
type Store interface {
	GetSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error)
	IncrementTurn(ctx context.Context, sessionID string, stage domain.Stage) (int, error)
	ResetStageTurns(ctx context.Context, sessionID string, stage domain.Stage) error
}

// Tracker answers limit questions and mutates turn counters.
type Tracker struct {
	store  Store
	limits Limits
	logger *slog.Logger
}

// NewTracker creates a tracker. Stages missing from limits fall back to the defaults.
func NewTracker(store Store, limits Limits, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	merged := DefaultLimits()
	for stage, n := range limits {
		if stage.Valid() && n > 0 {
			merged[stage] = n
		}
	}
	return &Tracker{store: store, limits: merged, logger: logger}
}

// Max returns the configured limit for stage, or 0 for unknown stages.
func (t *Tracker) Max(stage domain.Stage) int {
	return t.limits[stage]
}

// Evaluate builds the limit triple for a known counter value.
func (t *Tracker) Evaluate(stage domain.Stage, current int) domain.TurnLimit {
	maxTurns := t.limits[stage]
	return domain.TurnLimit{
		Stage:        stage,
		Current:      current,
		Max:          maxTurns,
		LimitReached: maxTurns > 0 && current >= maxTurns,
	}
}

// PeekLimit reports the counter for stage without mutating anything.
// Unknown stages yield a zero triple and a warning.
func (t *Tracker) PeekLimit(ctx context.Context, sessionID string, stage domain.Stage) (domain.TurnLimit, error) {
	if !stage.Valid() {
		t.logger.Warn("limit check for unknown stage", "session_id", sessionID, "stage", stage)
		return domain.TurnLimit{Stage: stage}, nil
	}
	snap, err := t.store.GetSnapshot(ctx, sessionID)
	if err != nil {
		return domain.TurnLimit{}, fmt.Errorf("peek limit: %w", err)
	}
	return t.Evaluate(stage, snap.TurnsFor(stage)), nil
}

// IncrementTurn adds one turn to stage and returns the post-increment triple.
// Unknown stages are logged and ignored.
func (t *Tracker) IncrementTurn(ctx context.Context, sessionID string, stage domain.Stage) (domain.TurnLimit, error) {
	if !stage.Valid() {
		t.logger.Warn("increment for unknown stage ignored", "session_id", sessionID, "stage", stage)
		return domain.TurnLimit{Stage: stage}, nil
	}
	n, err := t.store.IncrementTurn(ctx, sessionID, stage)
	if err != nil {
		return domain.TurnLimit{}, fmt.Errorf("increment turn: %w", err)
	}
	limit := t.Evaluate(stage, n)
	t.logger.Info("turn recorded",
		"session_id", sessionID,
		"stage", stage,
		"current", limit.Current,
		"max", limit.Max,
		"limit_reached", limit.LimitReached,
	)
	return limit, nil
}

// ResetStage sets the counter for stage to zero.
func (t *Tracker) ResetStage(ctx context.Context, sessionID string, stage domain.Stage) error {
	if !stage.Valid() {
		t.logger.Warn("reset for unknown stage ignored", "session_id", sessionID, "stage", stage)
		return nil
	}
	if err := t.store.ResetStageTurns(ctx, sessionID, stage); err != nil {
		return fmt.Errorf("reset stage: %w", err)
	}
	return nil
}

// Counts returns current and max turns for every known stage.
func (t *Tracker) Counts(ctx context.Context, sessionID string) (map[domain.Stage]domain.TurnLimit, error) {
	snap, err := t.store.GetSnapshot(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("turn counts: %w", err)
	}
	return t.FromSnapshot(snap), nil
}

// FromSnapshot derives the per-stage triples from an already loaded snapshot.
func (t *Tracker) FromSnapshot(snap *domain.Snapshot) map[domain.Stage]domain.TurnLimit {
	out := make(map[domain.Stage]domain.TurnLimit, domain.NumStages)
	for _, stage := range domain.Stages() {
		out[stage] = t.Evaluate(stage, snap.TurnsFor(stage))
	}
	return out
}
