package arbiter

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/events"
	"github.com/ashureev/cps-scaffold/internal/i18n"
	"github.com/ashureev/cps-scaffold/internal/intent"
	"github.com/ashureev/cps-scaffold/internal/ledger"
	"github.com/ashureev/cps-scaffold/internal/observability"
	"github.com/ashureev/cps-scaffold/internal/questionbank"
	"github.com/ashureev/cps-scaffold/internal/reasoner"
	"github.com/ashureev/cps-scaffold/internal/sessionlock"
	"github.com/ashureev/cps-scaffold/internal/store"
	"github.com/ashureev/cps-scaffold/internal/turns"
)

// scriptedReasoner returns a fixed stage, an error, or blocks until the
// call context ends. during runs inside the call.
type scriptedReasoner struct {
	mu       sync.Mutex
	stage    domain.Stage
	rawStage string
	err      error
	block    bool
	during   func()
	calls    []reasoner.Request
}

func (r *scriptedReasoner) Name() string { return "scripted" }
func (r *scriptedReasoner) Close() error { return nil }

func (r *scriptedReasoner) Reason(ctx context.Context, req reasoner.Request) (*reasoner.Classification, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	stage, raw, err, block, during := r.stage, r.rawStage, r.err, r.block, r.during
	r.mu.Unlock()

	if during != nil {
		during()
	}
	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("scripted: %w: %w", domain.ErrReasoningUnavailable, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	if raw == "" && stage == "" {
		stage = req.CurrentStage
	}
	return &reasoner.Classification{
		Stage:            stage,
		RawStage:         raw,
		MetacogTags:      []domain.MetacogTag{domain.TagMonitoring, domain.TagKnowledge},
		Depth:            domain.DepthMedium,
		Utterance:        "What have you noticed so far?",
		ShouldTransition: false,
		Reasoning:        "model reasoning",
	}, nil
}

func (r *scriptedReasoner) set(fn func(r *scriptedReasoner)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *scriptedReasoner) lastCall() reasoner.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

type harness struct {
	arbiter  *Arbiter
	repo     store.Repository
	ledger   *ledger.Service
	reasoner *scriptedReasoner
	hub      *events.Hub
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "arbiter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	detector, err := intent.NewDefaultDetector()
	require.NoError(t, err)
	bank, err := questionbank.Default()
	require.NoError(t, err)
	translator, err := i18n.New("en")
	require.NoError(t, err)

	h := &harness{
		repo:     repo,
		ledger:   ledger.NewService(repo, nil),
		reasoner: &scriptedReasoner{},
		hub:      events.NewHub(64),
	}
	h.arbiter, err = New(Deps{
		Ledger:     h.ledger,
		Store:      repo,
		Tracker:    turns.NewTracker(repo, nil, nil),
		Detector:   detector,
		Reasoner:   h.reasoner,
		Fallbacks:  bank,
		Translator: translator,
		Locker:     sessionlock.NewLocal(),
		Events:     h.hub,
	}, opts)
	require.NoError(t, err)
	return h
}

func (h *harness) session(t *testing.T) string {
	t.Helper()
	s, err := h.ledger.CreateSession(context.Background(), "learner-1", "Reduce food waste in the cafeteria")
	require.NoError(t, err)
	return s.ID
}

func (h *harness) turn(t *testing.T, sessionID, msg string) *TurnResult {
	t.Helper()
	res, err := h.arbiter.HandleMessage(context.Background(), TurnRequest{SessionID: sessionID, Message: msg})
	require.NoError(t, err)
	return res
}

func (h *harness) assertChain(t *testing.T, sessionID string) []domain.StageTransition {
	t.Helper()
	records, err := h.repo.ListTransitions(context.Background(), sessionID)
	require.NoError(t, err)
	for i, r := range records {
		if i == 0 {
			assert.Empty(t, r.FromStage, "first record must start from no stage")
			continue
		}
		assert.Equal(t, records[i-1].ToStage, r.FromStage, "record %d breaks the chain", i)
	}
	return records
}

func (h *harness) assertTurnsMatchAgentEntries(t *testing.T, sessionID string) {
	t.Helper()
	ctx := context.Background()
	snap, err := h.repo.GetSnapshot(ctx, sessionID)
	require.NoError(t, err)
	entries, err := h.repo.ListConversations(ctx, sessionID)
	require.NoError(t, err)

	agents := 0
	for _, e := range entries {
		if e.Role == domain.RoleAgent {
			agents++
		}
	}
	assert.Equal(t, agents, snap.TotalTurns())
	assert.Equal(t, agents, snap.AgentMessages)
}

func TestForcedTransitionAfterStageLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	id := h.session(t)
	h.reasoner.set(func(r *scriptedReasoner) { r.stage = domain.StageChallenge })

	var res *TurnResult
	for i := 0; i < 6; i++ {
		res = h.turn(t, id, "The cafeteria throws away a lot of bread every day")
		assert.False(t, res.ForcedTransition)
	}
	assert.Equal(t, 6, res.TurnCounts[domain.StageChallenge].Current)
	assert.True(t, res.TurnCounts[domain.StageChallenge].LimitReached)

	records := h.assertChain(t, id)
	assert.Empty(t, records, "staying in the default stage writes no records")

	res = h.turn(t, id, "Most of it is leftover from lunch")
	assert.True(t, res.ForcedTransition)
	assert.Contains(t, res.ForcedMessage, "6")
	assert.Equal(t, domain.StageIdeas, res.Stage)
	assert.Equal(t, domain.StageIdeas, res.Classification.Stage)
	assert.Equal(t, domain.StageIdeas, h.reasoner.lastCall().CurrentStage)
	assert.Equal(t, 1, res.TurnCounts[domain.StageIdeas].Current)
	assert.Equal(t, 6, res.TurnCounts[domain.StageChallenge].Current)

	records = h.assertChain(t, id)
	moves := 0
	for _, r := range records {
		if r.FromStage == domain.StageChallenge && r.ToStage == domain.StageIdeas {
			moves++
			assert.Equal(t, res.ForcedMessage, r.Reason)
		}
	}
	assert.Equal(t, 1, moves)

	stage, found, err := h.ledger.CurrentStage(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, domain.StageIdeas, stage)

	h.assertTurnsMatchAgentEntries(t, id)
}

func TestExplicitRequestWinsOverLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	id := h.session(t)
	h.reasoner.set(func(r *scriptedReasoner) { r.stage = domain.StageChallenge })

	for i := 0; i < 6; i++ {
		h.turn(t, id, "We counted the trays again")
	}

	res := h.turn(t, id, "I want to jump to action preparation now")
	assert.True(t, res.UserRequestedTransition)
	assert.False(t, res.ForcedTransition)
	assert.Empty(t, res.ForcedMessage)
	assert.Equal(t, domain.StageAction, res.Stage)
	assert.Equal(t, 1, res.TurnCounts[domain.StageAction].Current)

	records := h.assertChain(t, id)
	require.Len(t, records, 2)
	assert.Equal(t, domain.StageChallenge, records[1].FromStage)
	assert.Equal(t, domain.StageAction, records[1].ToStage)
	assert.Equal(t, "Learner requested a stage change", records[1].Reason)
	assert.Equal(t, 1, records[1].MessageCount-len(h.reasoner.lastCall().History))

	h.assertTurnsMatchAgentEntries(t, id)
}

func TestReasonerFailureFallsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	id := h.session(t)
	h.reasoner.set(func(r *scriptedReasoner) {
		r.err = fmt.Errorf("scripted: %w: connection refused", domain.ErrReasoningUnavailable)
	})

	res := h.turn(t, id, "I am not sure where to start")
	assert.True(t, res.Fallback)
	assert.Equal(t, domain.StageChallenge, res.Stage)
	assert.NotEmpty(t, res.Utterance)
	assert.Empty(t, res.Classification.MetacogTags)
	assert.Empty(t, res.Classification.Depth)
	assert.False(t, res.Classification.ShouldTransition)

	ctx := context.Background()
	entries, err := h.repo.ListConversations(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.RoleUser, entries[0].Role)
	assert.Equal(t, domain.RoleAgent, entries[1].Role)
	assert.Equal(t, domain.StageChallenge, entries[1].Stage)
	assert.Equal(t, res.Utterance, entries[1].Text)

	records, err := h.repo.ListTransitions(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, records)

	h.assertTurnsMatchAgentEntries(t, id)
}

func TestReasonerTimeoutFallsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{Timeout: 20 * time.Millisecond})
	id := h.session(t)
	h.reasoner.set(func(r *scriptedReasoner) { r.block = true })

	start := time.Now()
	res := h.turn(t, id, "Still thinking about the bread")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, res.Fallback)
	assert.Equal(t, 1, res.TurnCounts[domain.StageChallenge].Current)
}

func TestModelSuggestedTransition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	id := h.session(t)

	h.reasoner.set(func(r *scriptedReasoner) { r.stage = domain.StageIdeas })
	res := h.turn(t, id, "We could donate leftovers or shrink portions")
	assert.Equal(t, domain.StageIdeas, res.Stage)
	assert.False(t, res.ForcedTransition)
	assert.False(t, res.UserRequestedTransition)

	records := h.assertChain(t, id)
	require.Len(t, records, 2)
	assert.Equal(t, domain.StageChallenge, records[0].ToStage)
	assert.Equal(t, "model reasoning", records[1].Reason)

	snap, err := h.repo.GetSnapshot(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StageIdeas, snap.ActiveStage)
	assert.Equal(t, 1, snap.MonitoringCount)
	assert.Equal(t, 1, snap.KnowledgeCount)
}

func TestUnknownModelStageKeepsCurrent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	id := h.session(t)
	h.reasoner.set(func(r *scriptedReasoner) { r.rawStage = "stage_z" })

	res := h.turn(t, id, "Maybe the menu is the issue")
	assert.Equal(t, domain.StageChallenge, res.Stage)
	assert.Equal(t, 1, res.TurnCounts[domain.StageChallenge].Current)
	assert.Empty(t, h.assertChain(t, id))
}

func TestTerminalStageLimitIsNoOp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	id := h.session(t)
	h.reasoner.set(func(r *scriptedReasoner) { r.stage = domain.StageAction })

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		res, err := h.arbiter.HandleMessage(ctx, TurnRequest{
			SessionID:    id,
			Message:      "Next we assign someone to weigh the waste",
			CurrentStage: domain.StageAction,
		})
		require.NoError(t, err)
		assert.False(t, res.ForcedTransition)
		assert.Equal(t, domain.StageAction, res.Stage)
	}

	records := h.assertChain(t, id)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StageAction, records[0].ToStage)

	counts, err := h.repo.GetSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 8, counts.TurnsFor(domain.StageAction))
	h.assertTurnsMatchAgentEntries(t, id)
}

func TestLedgerOverridesCallerStage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	id := h.session(t)

	h.reasoner.set(func(r *scriptedReasoner) { r.stage = domain.StageIdeas })
	h.turn(t, id, "Let's think of options")

	h.reasoner.set(func(r *scriptedReasoner) { r.stage = "" })
	res, err := h.arbiter.HandleMessage(context.Background(), TurnRequest{
		SessionID:    id,
		Message:      "Another option is composting",
		CurrentStage: domain.StageAction,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StageIdeas, res.PreviousStage)
	assert.Equal(t, domain.StageIdeas, res.Stage)
}

func TestHistoryLoadedWhenCallerSendsNone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{HistoryWindow: 3})
	id := h.session(t)

	h.turn(t, id, "first message")
	h.turn(t, id, "second message")
	h.turn(t, id, "third message")

	call := h.reasoner.lastCall()
	require.Len(t, call.History, 3)
	assert.Equal(t, domain.RoleAgent, call.History[0].Role)
	assert.Equal(t, domain.RoleUser, call.History[1].Role)
	assert.Equal(t, "second message", call.History[1].Content)
	assert.Equal(t, domain.RoleAgent, call.History[2].Role)
	assert.Equal(t, "third message", call.Message)
}

func TestRejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.arbiter.HandleMessage(ctx, TurnRequest{SessionID: "x", Message: "   "})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.arbiter.HandleMessage(ctx, TurnRequest{SessionID: "missing", Message: "hello"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	id := h.session(t)
	_, err = h.arbiter.HandleMessage(ctx, TurnRequest{SessionID: id, Message: "hello", CurrentStage: "stage_z"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.ledger.CloseSession(ctx, id, true)
	require.NoError(t, err)
	_, err = h.arbiter.HandleMessage(ctx, TurnRequest{SessionID: id, Message: "hello"})
	require.True(t, errors.Is(err, domain.ErrSessionClosed))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSessionClosedDuringReasoning(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()
	id := h.session(t)

	h.reasoner.set(func(r *scriptedReasoner) {
		r.during = func() {
			_, err := h.ledger.CloseSession(ctx, id, true)
			assert.NoError(t, err)
		}
	})
	before := turnMetric(t, domain.StageChallenge, observability.OutcomeError)

	_, err := h.arbiter.HandleMessage(ctx, TurnRequest{SessionID: id, Message: "One more idea"})
	require.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.Equal(t, before+1, turnMetric(t, domain.StageChallenge, observability.OutcomeError))

	entries, err := h.repo.ListConversations(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.RoleUser, entries[0].Role)

	snap, err := h.repo.GetSnapshot(ctx, id)
	require.NoError(t, err)
	assert.True(t, snap.Completed)
	assert.Zero(t, snap.TotalTurns())
	assert.Zero(t, snap.AgentMessages)
	records, err := h.repo.ListTransitions(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFailuresBeforeStageResolutionAreUnknown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	before := turnMetric(t, observability.StageUnknown, observability.OutcomeError)
	_, err := h.arbiter.HandleMessage(context.Background(), TurnRequest{SessionID: "missing", Message: "hello"})
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.GreaterOrEqual(t, turnMetric(t, observability.StageUnknown, observability.OutcomeError), before+1)
}

// turnMetric reads cps_turns_total for one stage and outcome.
func turnMetric(t *testing.T, stage domain.Stage, outcome string) float64 {
	t.Helper()
	observability.InitMetrics()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "cps_turns_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["stage"] == string(stage) && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestConcurrentTurnsStayConsistent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	id := h.session(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.arbiter.HandleMessage(context.Background(), TurnRequest{SessionID: id, Message: "double submit"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records := h.assertChain(t, id)
	forced := 0
	for _, r := range records {
		if r.FromStage == domain.StageChallenge && r.ToStage == domain.StageIdeas {
			forced++
		}
	}
	assert.Equal(t, 1, forced, "the limit must force exactly one advance")
	h.assertTurnsMatchAgentEntries(t, id)
}

func TestTurnEventsPublished(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	id := h.session(t)

	ch, cancel := h.hub.Subscribe(id)
	defer cancel()

	h.turn(t, id, "hello")

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeTurn, ev.Type)
		assert.Equal(t, domain.StageChallenge, ev.Stage)
		assert.Equal(t, 1, ev.TurnCounts[domain.StageChallenge].Current)
	case <-time.After(time.Second):
		t.Fatal("expected a turn event")
	}
}
