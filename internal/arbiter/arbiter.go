// Package arbiter runs one learner turn: it resolves the current stage,
// decides whether the stage changes, calls the reasoning collaborator and
// commits the outcome.
//
// Decision order per turn:
//  1. an explicit learner request detected by the intent detector
//  2. otherwise a limit-forced advance when the current stage is exhausted
//  3. otherwise the stage the collaborator returned
//
// The limit check happens before the collaborator call. A learner request
// skips it for that turn.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/events"
	"github.com/ashureev/cps-scaffold/internal/i18n"
	"github.com/ashureev/cps-scaffold/internal/intent"
	"github.com/ashureev/cps-scaffold/internal/observability"
	"github.com/ashureev/cps-scaffold/internal/reasoner"
	"github.com/ashureev/cps-scaffold/internal/sessionlock"
	"github.com/ashureev/cps-scaffold/internal/store"
	"github.com/ashureev/cps-scaffold/internal/turns"
)

// DefaultTimeout bounds one collaborator call.
const DefaultTimeout = 30 * time.Second

// Ledger resolves sessions and their current stage.
type Ledger interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	CurrentStage(ctx context.Context, id string) (domain.Stage, bool, error)
}

// Store is the write side used by a turn.
type Store interface {
	AppendConversation(ctx context.Context, entry *domain.ConversationEntry) error
	RecentConversations(ctx context.Context, sessionID string, n int) ([]domain.ConversationEntry, error)
	CommitTurn(ctx context.Context, c store.TurnCommit) (*domain.Snapshot, error)
}

// FallbackSource supplies the deterministic utterance used when the
// collaborator is unavailable.
type FallbackSource interface {
	Fallback(locale string, stage domain.Stage) string
}

// Publisher receives turn events.
type Publisher interface {
	Publish(ev events.TurnEvent)
}

// Deps are the collaborators of an Arbiter. Events and Logger are optional.
type Deps struct {
	Ledger     Ledger
	Store      Store
	Tracker    *turns.Tracker
	Detector   intent.Detector
	Reasoner   reasoner.Reasoner
	Fallbacks  FallbackSource
	Translator *i18n.Translator
	Locker     sessionlock.Locker
	Events     Publisher
	Logger     *slog.Logger
}

// Options tune an Arbiter.
type Options struct {
	// Timeout bounds the collaborator call (default: DefaultTimeout).
	Timeout time.Duration
	// HistoryWindow is how many stored entries are loaded when the caller
	// supplies no history. Zero disables loading.
	HistoryWindow int
	// Locale is used when a request names none.
	Locale string
}

// TurnRequest is one inbound learner message.
type TurnRequest struct {
	SessionID string
	Message   string
	History   []domain.HistoryMessage
	// CurrentStage is the caller's hint. It is used only for sessions
	// without transition records.
	CurrentStage domain.Stage
	Locale       string
}

// TurnResult is what the caller gets back for one turn.
type TurnResult struct {
	SessionID               string
	Utterance               string
	Classification          reasoner.Classification
	Stage                   domain.Stage
	PreviousStage           domain.Stage
	TurnCounts              map[domain.Stage]domain.TurnLimit
	ForcedTransition        bool
	ForcedMessage           string
	UserRequestedTransition bool
	Fallback                bool
	Timestamp               time.Time
}

// Arbiter coordinates learner turns.
type Arbiter struct {
	deps    Deps
	timeout time.Duration
	window  int
	locale  string
	logger  *slog.Logger
	now     func() time.Time
}

// New validates deps and creates an Arbiter.
func New(deps Deps, opts Options) (*Arbiter, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("arbiter: ledger is required")
	case deps.Store == nil:
		return nil, errors.New("arbiter: store is required")
	case deps.Tracker == nil:
		return nil, errors.New("arbiter: tracker is required")
	case deps.Detector == nil:
		return nil, errors.New("arbiter: intent detector is required")
	case deps.Reasoner == nil:
		return nil, errors.New("arbiter: reasoner is required")
	case deps.Translator == nil:
		return nil, errors.New("arbiter: translator is required")
	case deps.Locker == nil:
		return nil, errors.New("arbiter: locker is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	locale := opts.Locale
	if locale == "" {
		locale = deps.Translator.DefaultLocale()
	}

	return &Arbiter{
		deps:    deps,
		timeout: timeout,
		window:  opts.HistoryWindow,
		locale:  locale,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// decision is the pre-call stage choice.
type decision struct {
	current       domain.Stage
	effective     domain.Stage
	forced        bool
	forcedMessage string
	userRequested bool
}

// HandleMessage processes one learner turn. The per-session lock is held for
// the whole turn. The learner entry commits before the collaborator call;
// the agent entry, transition records, metrics and turn increment commit
// together afterwards.
func (a *Arbiter) HandleMessage(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Message = strings.TrimSpace(req.Message)
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required: %w", domain.ErrValidation)
	}
	if req.Message == "" {
		return nil, fmt.Errorf("message is required: %w", domain.ErrValidation)
	}
	if req.CurrentStage != "" && !req.CurrentStage.Valid() {
		return nil, fmt.Errorf("unknown stage %q: %w", req.CurrentStage, domain.ErrValidation)
	}
	locale := req.Locale
	if locale == "" {
		locale = a.locale
	}

	ctx, span := observability.StartSpan(ctx, "arbiter.HandleMessage",
		attribute.String("session_id", req.SessionID))
	defer span.End()

	result, stage, err := a.handle(ctx, req, locale)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		label := observability.StageUnknown
		if stage != "" {
			label = string(stage)
		}
		observability.RecordTurn(label, observability.OutcomeError)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("stage", string(result.Stage)),
		attribute.Bool("forced_transition", result.ForcedTransition),
		attribute.Bool("user_requested_transition", result.UserRequestedTransition),
		attribute.Bool("fallback", result.Fallback),
	)
	return result, nil
}

// handle runs the locked part of a turn. The returned stage is the resolved
// current stage, or empty when the turn failed before resolving it.
func (a *Arbiter) handle(ctx context.Context, req TurnRequest, locale string) (*TurnResult, domain.Stage, error) {
	unlock, err := a.deps.Locker.Lock(ctx, req.SessionID)
	if err != nil {
		return nil, "", fmt.Errorf("acquire session lock: %w", err)
	}
	defer unlock()

	session, err := a.deps.Ledger.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, "", err
	}
	if !session.Active {
		return nil, "", domain.ErrSessionClosed
	}

	current, hasRecords, err := a.resolveStage(ctx, req)
	if err != nil {
		return nil, "", err
	}

	history, err := a.history(ctx, req)
	if err != nil {
		return nil, current, err
	}

	learner := &domain.ConversationEntry{
		SessionID: req.SessionID,
		Role:      domain.RoleUser,
		Text:      req.Message,
		Stage:     current,
	}
	if err := a.deps.Store.AppendConversation(ctx, learner); err != nil {
		return nil, current, fmt.Errorf("record learner message: %w", err)
	}

	d, err := a.decide(ctx, req, current, locale)
	if err != nil {
		return nil, current, err
	}

	cls, fallback := a.reason(ctx, reasoner.Request{
		SessionID:    req.SessionID,
		Message:      req.Message,
		History:      history,
		CurrentStage: d.effective,
		Locale:       locale,
	})

	final := a.finalStage(req.SessionID, d, cls, fallback)
	if fallback {
		cls = a.fallbackClassification(locale, current)
		d.forced, d.forcedMessage, d.userRequested = false, "", false
	}
	cls.Stage = final

	transitions := a.transitions(req.SessionID, d, final, hasRecords, cls, locale, len(history)+1)

	shouldTransition := cls.ShouldTransition
	snap, err := a.deps.Store.CommitTurn(ctx, store.TurnCommit{
		SessionID:   req.SessionID,
		Transitions: transitions,
		Agent: domain.ConversationEntry{
			SessionID:        req.SessionID,
			Role:             domain.RoleAgent,
			Text:             cls.Utterance,
			Stage:            final,
			MetacogTags:      cls.MetacogTags,
			Depth:            cls.Depth,
			ShouldTransition: &shouldTransition,
			Reasoning:        cls.Reasoning,
		},
		TurnStage: final,
	})
	if err != nil {
		return nil, current, fmt.Errorf("commit turn: %w", err)
	}

	a.recordOutcome(d, final, fallback, transitions)

	result := &TurnResult{
		SessionID:               req.SessionID,
		Utterance:               cls.Utterance,
		Classification:          *cls,
		Stage:                   final,
		PreviousStage:           current,
		TurnCounts:              a.deps.Tracker.FromSnapshot(snap),
		ForcedTransition:        d.forced,
		ForcedMessage:           d.forcedMessage,
		UserRequestedTransition: d.userRequested,
		Fallback:                fallback,
		Timestamp:               a.now(),
	}

	if a.deps.Events != nil {
		a.deps.Events.Publish(events.TurnEvent{
			Type:                    events.TypeTurn,
			SessionID:               req.SessionID,
			Stage:                   final,
			PreviousStage:           current,
			TurnCounts:              result.TurnCounts,
			ForcedTransition:        d.forced,
			UserRequestedTransition: d.userRequested,
			Fallback:                fallback,
			Message:                 d.forcedMessage,
			At:                      result.Timestamp,
		})
	}

	a.logger.Info("turn processed",
		"session_id", req.SessionID,
		"from_stage", current,
		"stage", final,
		"forced_transition", d.forced,
		"user_requested_transition", d.userRequested,
		"fallback", fallback,
		"transitions", len(transitions),
	)
	return result, current, nil
}

// resolveStage returns the current stage and whether the ledger has records.
func (a *Arbiter) resolveStage(ctx context.Context, req TurnRequest) (domain.Stage, bool, error) {
	current, found, err := a.deps.Ledger.CurrentStage(ctx, req.SessionID)
	if err != nil {
		return "", false, err
	}
	if !found {
		if req.CurrentStage != "" {
			return req.CurrentStage, false, nil
		}
		return current, false, nil
	}
	if req.CurrentStage != "" && req.CurrentStage != current {
		a.logger.Warn("caller stage disagrees with ledger, using ledger",
			"session_id", req.SessionID,
			"caller_stage", req.CurrentStage,
			"ledger_stage", current,
		)
	}
	return current, true, nil
}

// history returns the caller's window, or the last stored entries when the
// caller sent none.
func (a *Arbiter) history(ctx context.Context, req TurnRequest) ([]domain.HistoryMessage, error) {
	if len(req.History) > 0 || a.window <= 0 {
		return req.History, nil
	}
	recent, err := a.deps.Store.RecentConversations(ctx, req.SessionID, a.window)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]domain.HistoryMessage, 0, len(recent))
	for _, e := range recent {
		out = append(out, domain.HistoryMessage{Role: e.Role, Content: e.Text})
	}
	return out, nil
}

func (a *Arbiter) decide(ctx context.Context, req TurnRequest, current domain.Stage, locale string) (decision, error) {
	d := decision{current: current, effective: current}

	if target, ok := a.deps.Detector.DetectIntent(req.Message, current); ok {
		d.effective = target
		d.userRequested = true
		a.logger.Info("learner requested stage change",
			"session_id", req.SessionID, "from_stage", current, "to_stage", target)
		return d, nil
	}

	limit, err := a.deps.Tracker.PeekLimit(ctx, req.SessionID, current)
	if err != nil {
		return d, err
	}
	if limit.LimitReached && !current.IsTerminal() {
		d.effective = current.Next()
		d.forced = true
		d.forcedMessage = a.deps.Translator.ForcedTransition(locale, current, d.effective, limit.Max)
		a.logger.Info("turn limit reached, advancing stage",
			"session_id", req.SessionID,
			"from_stage", current,
			"to_stage", d.effective,
			"max", limit.Max,
		)
	}
	return d, nil
}

// reason calls the collaborator under the configured timeout. The bool
// reports whether the fallback must be used.
func (a *Arbiter) reason(ctx context.Context, req reasoner.Request) (*reasoner.Classification, bool) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	callCtx, span := observability.StartSpan(callCtx, "reasoner.Reason",
		attribute.String("provider", a.deps.Reasoner.Name()),
		attribute.String("stage", string(req.CurrentStage)),
	)
	defer span.End()

	start := time.Now()
	cls, err := a.deps.Reasoner.Reason(callCtx, req)
	if err == nil && cls == nil {
		err = fmt.Errorf("%s returned no classification: %w", a.deps.Reasoner.Name(), domain.ErrReasoningUnavailable)
	}
	observability.RecordReasonerCall(a.deps.Reasoner.Name(), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reasoner unavailable")
		a.logger.Warn("reasoner unavailable, using fallback",
			"session_id", req.SessionID,
			"provider", a.deps.Reasoner.Name(),
			"error", err,
		)
		return nil, true
	}
	return cls, false
}

func (a *Arbiter) finalStage(sessionID string, d decision, cls *reasoner.Classification, fallback bool) domain.Stage {
	switch {
	case fallback:
		return d.current
	case d.userRequested || d.forced:
		return d.effective
	case cls.Stage == "":
		a.logger.Warn("reasoner returned unknown stage, keeping current",
			"session_id", sessionID, "raw_stage", cls.RawStage, "stage", d.current)
		return d.current
	default:
		return cls.Stage
	}
}

func (a *Arbiter) fallbackClassification(locale string, stage domain.Stage) *reasoner.Classification {
	utterance := ""
	if a.deps.Fallbacks != nil {
		utterance = a.deps.Fallbacks.Fallback(locale, stage)
	}
	if utterance == "" {
		utterance = a.deps.Translator.FallbackUtterance(locale)
	}
	return &reasoner.Classification{
		Stage:     stage,
		Utterance: utterance,
		Reasoning: a.deps.Translator.FallbackReasoning(locale),
	}
}

// transitions builds the records for this turn. A session without records
// gets an initial record first when it starts anywhere but the default
// stage or is about to leave it, so every chain starts from an empty stage.
func (a *Arbiter) transitions(sessionID string, d decision, final domain.Stage, hasRecords bool, cls *reasoner.Classification, locale string, messageCount int) []domain.StageTransition {
	var out []domain.StageTransition

	if !hasRecords && (d.current != domain.DefaultStage || final != d.current) {
		out = append(out, domain.StageTransition{
			SessionID:    sessionID,
			ToStage:      d.current,
			MessageCount: messageCount,
		})
	}

	if final == d.current {
		return out
	}

	reason := cls.Reasoning
	switch {
	case d.userRequested:
		reason = a.deps.Translator.LearnerRequested(locale)
	case d.forced:
		reason = d.forcedMessage
	}
	return append(out, domain.StageTransition{
		SessionID:    sessionID,
		FromStage:    d.current,
		ToStage:      final,
		Reason:       reason,
		MessageCount: messageCount,
	})
}

func (a *Arbiter) recordOutcome(d decision, final domain.Stage, fallback bool, transitions []domain.StageTransition) {
	outcome := observability.OutcomeOK
	if fallback {
		outcome = observability.OutcomeFallback
	}
	observability.RecordTurn(string(final), outcome)

	for _, t := range transitions {
		cause := observability.CauseModel
		switch {
		case t.FromStage == "":
			cause = observability.CauseInitial
		case d.userRequested:
			cause = observability.CauseLearner
		case d.forced:
			cause = observability.CauseForced
		}
		observability.RecordTransition(cause, string(t.ToStage))
	}
}
