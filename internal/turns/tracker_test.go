package turns

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T) (*Tracker, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "turns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	now := time.Now()
	require.NoError(t, repo.CreateSession(context.Background(), &domain.Session{
		ID: "s1", AssignmentText: "plan a science fair", Active: true, CreatedAt: now, UpdatedAt: now,
	}))
	return NewTracker(repo, nil, nil), repo
}

func TestDefaultLimits(t *testing.T) {
	t.Parallel()
	tr := NewTracker(nil, Limits{domain.StageIdeas: 3, domain.Stage("bogus"): 9}, nil)

	assert.Equal(t, 6, tr.Max(domain.StageChallenge))
	assert.Equal(t, 3, tr.Max(domain.StageIdeas))
	assert.Equal(t, 6, tr.Max(domain.StageAction))
	assert.Equal(t, 0, tr.Max(domain.Stage("bogus")))
}

func TestLimitBoundary(t *testing.T) {
	t.Parallel()
	tr, _ := newTracker(t)
	ctx := context.Background()

	var last domain.TurnLimit
	for i := 0; i < 5; i++ {
		var err error
		last, err = tr.IncrementTurn(ctx, "s1", domain.StageChallenge)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, last.Current)
	assert.False(t, last.LimitReached, "one below the maximum must not be reached")

	last, err := tr.IncrementTurn(ctx, "s1", domain.StageChallenge)
	require.NoError(t, err)
	assert.Equal(t, domain.TurnLimit{Stage: domain.StageChallenge, Current: 6, Max: 6, LimitReached: true}, last)
}

func TestPeekLimitIsIdempotent(t *testing.T) {
	t.Parallel()
	tr, _ := newTracker(t)
	ctx := context.Background()

	_, err := tr.IncrementTurn(ctx, "s1", domain.StageIdeas)
	require.NoError(t, err)

	first, err := tr.PeekLimit(ctx, "s1", domain.StageIdeas)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := tr.PeekLimit(ctx, "s1", domain.StageIdeas)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 1, first.Current)
}

func TestUnknownStageIsZeroEffect(t *testing.T) {
	t.Parallel()
	tr, repo := newTracker(t)
	ctx := context.Background()

	peek, err := tr.PeekLimit(ctx, "s1", domain.Stage("wrap_up"))
	require.NoError(t, err)
	assert.Equal(t, 0, peek.Current)
	assert.Equal(t, 0, peek.Max)
	assert.False(t, peek.LimitReached)

	inc, err := tr.IncrementTurn(ctx, "s1", domain.Stage("wrap_up"))
	require.NoError(t, err)
	assert.False(t, inc.LimitReached)
	require.NoError(t, tr.ResetStage(ctx, "s1", domain.Stage("wrap_up")))

	snap, err := repo.GetSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, snap.TotalTurns())
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	t.Parallel()
	tr, _ := newTracker(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.IncrementTurn(ctx, "s1", domain.StageAction)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	peek, err := tr.PeekLimit(ctx, "s1", domain.StageAction)
	require.NoError(t, err)
	assert.Equal(t, n, peek.Current)
	assert.True(t, peek.LimitReached)
}

func TestResetAndCounts(t *testing.T) {
	t.Parallel()
	tr, _ := newTracker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := tr.IncrementTurn(ctx, "s1", domain.StageIdeas)
		require.NoError(t, err)
	}
	require.NoError(t, tr.ResetStage(ctx, "s1", domain.StageIdeas))

	counts, err := tr.Counts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, counts, domain.NumStages)
	assert.Equal(t, 0, counts[domain.StageIdeas].Current)
	assert.Equal(t, 8, counts[domain.StageIdeas].Max)
}
