// Package reasoner defines the reasoning collaborator contract and its
// provider implementations. Every provider funnels raw output through Decode
// so the rest of the system only ever sees a normalized Classification.
package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/cps-scaffold/internal/domain"
)

// Request is the input for one classification call.
type Request struct {
	SessionID    string
	Message      string
	History      []domain.HistoryMessage
	CurrentStage domain.Stage
	Locale       string
}

// Classification is the normalized collaborator output.
type Classification struct {
	// Stage is empty when the collaborator named a stage outside the enumeration.
	Stage            domain.Stage        `json:"current_stage"`
	RawStage         string              `json:"-"`
	MetacogTags      []domain.MetacogTag `json:"detected_metacog_needs"`
	Depth            domain.Depth        `json:"response_depth,omitempty"`
	Utterance        string              `json:"scaffolding_question"`
	ShouldTransition bool                `json:"should_transition"`
	Reasoning        string              `json:"reasoning,omitempty"`
}

// Reasoner classifies a learner message and proposes the next utterance.
// Any transport, parse or schema failure returns an error wrapping
// domain.ErrReasoningUnavailable.
type Reasoner interface {
	Reason(ctx context.Context, req Request) (*Classification, error)
	Name() string
	Close() error
}

// TagList accepts either a single string or a list of strings.
type TagList []string

// UnmarshalJSON implements json.Unmarshaler.
func (t *TagList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*t = nil
			return nil
		}
		*t = TagList{s}
		return nil
	default:
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return fmt.Errorf("metacog tags must be a string or list of strings: %w", err)
		}
		*t = list
		return nil
	}
}

// Payload is the wire shape the collaborator returns.
type Payload struct {
	CurrentStage         string  `json:"current_stage"`
	DetectedMetacogNeeds TagList `json:"detected_metacog_needs"`
	ResponseDepth        string  `json:"response_depth"`
	ScaffoldingQuestion  string  `json:"scaffolding_question"`
	ShouldTransition     bool    `json:"should_transition"`
	Reasoning            string  `json:"reasoning"`
}

// Decode parses raw collaborator text into a normalized Classification.
// Markdown code fences around the JSON are tolerated.
func Decode(raw string) (*Classification, error) {
	text := stripCodeFence(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", domain.ErrReasoningUnavailable)
	}
	var p Payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", domain.ErrReasoningUnavailable, err)
	}
	return p.Normalize()
}

// Normalize validates the payload and maps labels onto the closed enumerations.
// Unknown tags and depths are dropped; an unknown stage is kept only as RawStage.
func (p Payload) Normalize() (*Classification, error) {
	utterance := strings.TrimSpace(p.ScaffoldingQuestion)
	if utterance == "" {
		return nil, fmt.Errorf("%w: missing scaffolding_question", domain.ErrReasoningUnavailable)
	}

	c := &Classification{
		RawStage:         p.CurrentStage,
		Utterance:        utterance,
		ShouldTransition: p.ShouldTransition,
		Reasoning:        strings.TrimSpace(p.Reasoning),
	}
	if stage, ok := domain.ParseStage(p.CurrentStage); ok {
		c.Stage = stage
	}
	if depth, ok := domain.ParseDepth(p.ResponseDepth); ok {
		c.Depth = depth
	} else if p.ResponseDepth != "" {
		slog.Warn("dropping unknown response depth", "response_depth", p.ResponseDepth)
	}

	seen := make(map[domain.MetacogTag]bool, len(p.DetectedMetacogNeeds))
	for _, raw := range p.DetectedMetacogNeeds {
		tag, ok := domain.ParseMetacogTag(raw)
		if !ok {
			slog.Warn("dropping unknown metacognitive element", "element", raw)
			continue
		}
		if !seen[tag] {
			seen[tag] = true
			c.MetacogTags = append(c.MetacogTags, tag)
		}
	}
	return c, nil
}

// ToPayload converts a classification back to its wire shape.
func (c *Classification) ToPayload() Payload {
	stage := string(c.Stage)
	if stage == "" {
		stage = c.RawStage
	}
	tags := make(TagList, 0, len(c.MetacogTags))
	for _, t := range c.MetacogTags {
		tags = append(tags, string(t))
	}
	return Payload{
		CurrentStage:         stage,
		DetectedMetacogNeeds: tags,
		ResponseDepth:        string(c.Depth),
		ScaffoldingQuestion:  c.Utterance,
		ShouldTransition:     c.ShouldTransition,
		Reasoning:            c.Reasoning,
	}
}

func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "json")
	}
	if end := strings.LastIndex(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}

// unavailable wraps a provider failure in the reasoning-unavailable kind.
func unavailable(provider string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrReasoningUnavailable, provider, err)
}
