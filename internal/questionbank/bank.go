// Package questionbank is a read-only lookup of scaffolding questions by
// locale, CPS stage and metacognitive element.
package questionbank

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed questions.yaml
var defaultQuestions []byte

// DefaultLocale is used when a requested locale has no questions.
const DefaultLocale = "en"

type table map[domain.Stage]map[domain.MetacogTag][]string

// Bank holds ordered questions. It is immutable after construction.
type Bank struct {
	locales map[string]table
}

// Default returns the embedded question bank.
func Default() (*Bank, error) {
	return Parse(defaultQuestions)
}

// Load reads a question bank from a YAML file.
func Load(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}
	return Parse(data)
}

// Parse builds a bank from YAML keyed locale -> stage -> element -> questions.
func Parse(data []byte) (*Bank, error) {
	var raw map[string]map[string]map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse question bank: %w", err)
	}

	b := &Bank{locales: make(map[string]table, len(raw))}
	for locale, stages := range raw {
		t := make(table, len(stages))
		for stageName, elements := range stages {
			stage, ok := domain.ParseStage(stageName)
			if !ok {
				return nil, fmt.Errorf("locale %s: unknown stage %q", locale, stageName)
			}
			t[stage] = make(map[domain.MetacogTag][]string, len(elements))
			for tagName, questions := range elements {
				tag, ok := domain.ParseMetacogTag(tagName)
				if !ok {
					return nil, fmt.Errorf("locale %s stage %s: unknown element %q", locale, stageName, tagName)
				}
				t[stage][tag] = append([]string(nil), questions...)
			}
		}
		b.locales[strings.ToLower(locale)] = t
	}
	return b, nil
}

func (b *Bank) table(locale string) table {
	if t, ok := b.locales[strings.ToLower(locale)]; ok {
		return t
	}
	return b.locales[DefaultLocale]
}

// Questions returns a copy of the ordered questions for stage and tag.
func (b *Bank) Questions(locale string, stage domain.Stage, tag domain.MetacogTag) []string {
	qs := b.table(locale)[stage][tag]
	return append([]string(nil), qs...)
}

// Question returns the question at index, or "" when out of range.
func (b *Bank) Question(locale string, stage domain.Stage, tag domain.MetacogTag, index int) string {
	qs := b.table(locale)[stage][tag]
	if index < 0 || index >= len(qs) {
		return ""
	}
	return qs[index]
}

// Fallback returns the first question for stage, trying elements in
// reporting order. It returns "" when the stage has no questions.
func (b *Bank) Fallback(locale string, stage domain.Stage) string {
	for _, tag := range domain.MetacogTags() {
		if q := b.Question(locale, stage, tag, 0); q != "" {
			return q
		}
	}
	return ""
}

// FormatForPrompt renders every question for stage as a numbered list
// grouped by element.
func (b *Bank) FormatForPrompt(locale string, stage domain.Stage) string {
	var sb strings.Builder
	for _, tag := range domain.MetacogTags() {
		qs := b.table(locale)[stage][tag]
		if len(qs) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n%s:\n", tag)
		for i, q := range qs {
			fmt.Fprintf(&sb, "  %d. %s\n", i+1, q)
		}
	}
	return sb.String()
}
