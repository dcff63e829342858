package questionbank

import (
	"strings"
	"testing"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBankCoversEveryStageAndElement(t *testing.T) {
	t.Parallel()
	b, err := Default()
	require.NoError(t, err)

	for _, locale := range []string{"en", "ko"} {
		for _, stage := range domain.Stages() {
			for _, tag := range domain.MetacogTags() {
				assert.NotEmpty(t, b.Questions(locale, stage, tag), "%s/%s/%s", locale, stage, tag)
			}
		}
	}
}

func TestQuestionOrderAndBounds(t *testing.T) {
	t.Parallel()
	b, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "해당 문제가 얼마나 익숙하게 느껴지나요? 그 이유는 무엇인가요?",
		b.Question("ko", domain.StageChallenge, domain.TagMonitoring, 0))
	assert.Empty(t, b.Question("ko", domain.StageChallenge, domain.TagKnowledge, 5))
	assert.Empty(t, b.Question("ko", domain.StageChallenge, domain.TagKnowledge, -1))
}

func TestQuestionsReturnsCopy(t *testing.T) {
	t.Parallel()
	b, err := Default()
	require.NoError(t, err)

	qs := b.Questions("en", domain.StageIdeas, domain.TagControl)
	qs[0] = "mutated"
	assert.NotEqual(t, "mutated", b.Question("en", domain.StageIdeas, domain.TagControl, 0))
}

func TestUnknownLocaleFallsBackToDefault(t *testing.T) {
	t.Parallel()
	b, err := Default()
	require.NoError(t, err)

	assert.Equal(t, b.Fallback("en", domain.StageAction), b.Fallback("fr", domain.StageAction))
	assert.NotEmpty(t, b.Fallback("fr", domain.StageAction))
}

func TestFormatForPrompt(t *testing.T) {
	t.Parallel()
	b, err := Default()
	require.NoError(t, err)

	out := b.FormatForPrompt("en", domain.StageIdeas)
	assert.True(t, strings.Index(out, "monitoring:") < strings.Index(out, "control:"))
	assert.Contains(t, out, "  1. How well does this idea serve the goal of the problem?")
}

func TestParseRejectsUnknownElement(t *testing.T) {
	t.Parallel()
	_, err := Parse([]byte("en:\n  idea_generation:\n    creativity: [\"q\"]\n"))
	require.Error(t, err)
}
