// Package i18n localizes the learner-facing texts produced by the coordinator.
package i18n

import (
	"embed"
	"fmt"
	"log/slog"

	"github.com/ashureev/cps-scaffold/internal/domain"
	gi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

var localeFiles = []string{"locales/en.yaml", "locales/ko.yaml"}

// Translator renders messages for a requested locale, falling back to the
// configured default locale and then English.
type Translator struct {
	bundle        *gi18n.Bundle
	defaultLocale string
}

// New loads the embedded message files. defaultLocale must be a valid BCP 47 tag.
func New(defaultLocale string) (*Translator, error) {
	tag, err := language.Parse(defaultLocale)
	if err != nil {
		return nil, fmt.Errorf("parse default locale %q: %w", defaultLocale, err)
	}

	bundle := gi18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)
	for _, path := range localeFiles {
		if _, err := bundle.LoadMessageFileFS(localeFS, path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return &Translator{bundle: bundle, defaultLocale: tag.String()}, nil
}

// DefaultLocale returns the configured fallback locale.
func (t *Translator) DefaultLocale() string {
	return t.defaultLocale
}

// Localize renders id for locale. Missing messages return the id itself.
func (t *Translator) Localize(locale, id string, data map[string]any) string {
	if locale == "" {
		locale = t.defaultLocale
	}
	loc := gi18n.NewLocalizer(t.bundle, locale, t.defaultLocale)
	msg, err := loc.Localize(&gi18n.LocalizeConfig{MessageID: id, TemplateData: data})
	if err != nil {
		slog.Warn("localize failed", "message_id", id, "locale", locale, "error", err)
		return id
	}
	return msg
}

// StageName returns the display name for a stage.
func (t *Translator) StageName(locale string, stage domain.Stage) string {
	if !stage.Valid() {
		return string(stage)
	}
	return t.Localize(locale, "stage_"+string(stage), nil)
}

// ForcedTransition renders the notice shown when a turn limit forces a move.
func (t *Translator) ForcedTransition(locale string, from, to domain.Stage, maxTurns int) string {
	return t.Localize(locale, "forced_transition", map[string]any{
		"FromStage": t.StageName(locale, from),
		"ToStage":   t.StageName(locale, to),
		"MaxTurns":  maxTurns,
	})
}

// LearnerRequested is the transition reason for explicit learner requests.
func (t *Translator) LearnerRequested(locale string) string {
	return t.Localize(locale, "learner_requested", nil)
}

// FallbackUtterance is the generic prompt used when no stage question exists.
func (t *Translator) FallbackUtterance(locale string) string {
	return t.Localize(locale, "fallback_utterance", nil)
}

// FallbackReasoning is the reasoning recorded on fallback agent entries.
func (t *Translator) FallbackReasoning(locale string) string {
	return t.Localize(locale, "fallback_reasoning", nil)
}
