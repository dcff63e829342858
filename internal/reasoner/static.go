package reasoner

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/cps-scaffold/internal/domain"
)

// QuestionSource is the read-only question lookup the static reasoner uses.
type QuestionSource interface {
	Questions(locale string, stage domain.Stage, tag domain.MetacogTag) []string
}

// Static answers from the question bank without any network call. It cycles
// through elements and questions by history length, so output is
// deterministic for a given request.
type Static struct {
	questions QuestionSource
}

// NewStatic creates a static reasoner over a question source.
func NewStatic(questions QuestionSource) *Static {
	return &Static{questions: questions}
}

// Name implements Reasoner.
func (s *Static) Name() string { return "static" }

// Close implements Reasoner.
func (s *Static) Close() error { return nil }

// Reason implements Reasoner.
func (s *Static) Reason(_ context.Context, req Request) (*Classification, error) {
	stage := req.CurrentStage
	if !stage.Valid() {
		stage = domain.DefaultStage
	}

	tags := domain.MetacogTags()
	turn := len(req.History) / 2
	tag := tags[turn%len(tags)]
	qs := s.questions.Questions(req.Locale, stage, tag)
	if len(qs) == 0 {
		return nil, fmt.Errorf("%w: static: no questions for %s/%s", domain.ErrReasoningUnavailable, stage, tag)
	}

	return &Classification{
		Stage:       stage,
		RawStage:    string(stage),
		MetacogTags: []domain.MetacogTag{tag},
		Depth:       estimateDepth(req.Message),
		Utterance:   qs[(turn/len(tags))%len(qs)],
		Reasoning:   "static question bank rotation",
	}, nil
}

// estimateDepth is a word-count heuristic for offline development.
func estimateDepth(msg string) domain.Depth {
	switch n := len(strings.Fields(msg)); {
	case n < 8:
		return domain.DepthShallow
	case n < 30:
		return domain.DepthMedium
	default:
		return domain.DepthDeep
	}
}
