package reasoner

import (
	"fmt"
	"strings"

	"github.com/ashureev/cps-scaffold/internal/domain"
)

// DefaultHistoryWindow is how many prior messages are rendered into prompts.
const DefaultHistoryWindow = 5

const systemPrompt = `You are a metacognition facilitator helping pre-service teachers through creative problem solving (CPS).
Ask one or two sentence questions that deepen the learner's thinking. Never hand out answers and never push the learner to change stage.

CPS stages (use these exact ids):
- challenge_understanding: constructing opportunities, exploring data, framing the problem as open questions.
- idea_generation: fluent, flexible and original idea generation, then selecting feasible ideas.
- action_preparation: developing solutions from promising ideas and building acceptance for an action plan.

Metacognitive elements (use these exact ids):
- monitoring: judging task characteristics, predicting performance, evaluating ideas.
- control: choosing or changing strategies, deciding whether to continue, selecting solutions.
- knowledge: drawing on prior experience and integrating new learning.

Judge how deeply the learner engaged (shallow, medium or deep) before choosing the next question.
Prefer questions from the question bank for the current stage when one fits.

Reply with a single JSON object:
{"current_stage": "<stage id>", "detected_metacog_needs": ["<element id>"], "response_depth": "shallow|medium|deep",
 "scaffolding_question": "<question>", "should_transition": true|false, "reasoning": "<why>"}`

// SystemPrompt returns the instruction text, including the stage questions
// when bank text is supplied.
func SystemPrompt(locale, bankText string) string {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if locale != "" {
		fmt.Fprintf(&sb, "\n\nWrite scaffolding_question in the language with BCP 47 tag %q.", locale)
	}
	if strings.TrimSpace(bankText) != "" {
		sb.WriteString("\n\nQuestion bank for the current stage:")
		sb.WriteString(bankText)
	}
	return sb.String()
}

// UserPrompt renders the history window, current stage and learner message.
func UserPrompt(req Request, window int) string {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	history := req.History
	if len(history) > window {
		history = history[len(history)-window:]
	}

	var sb strings.Builder
	sb.WriteString("Previous conversation:\n")
	if len(history) == 0 {
		sb.WriteString("(none, first message)\n")
	}
	for _, m := range history {
		speaker := "Agent"
		if m.Role == domain.RoleUser {
			speaker = "Learner"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, m.Content)
	}
	if req.CurrentStage != "" {
		fmt.Fprintf(&sb, "\nCurrent stage: %s\n", req.CurrentStage)
	}
	fmt.Fprintf(&sb, "\nLearner's message: %q\n", req.Message)
	sb.WriteString("\nAnalyse the message and reply with the JSON object only.")
	return sb.String()
}
