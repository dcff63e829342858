// Package intent detects learner requests to change CPS stage with local,
// deterministic keyword matching.
package intent

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var defaultKeywords []byte

// Detector reports the stage a learner explicitly asked to move to.
type Detector interface {
	DetectIntent(text string, current domain.Stage) (domain.Stage, bool)
}

// LocaleTable is the keyword table for one locale. Progression phrases name
// "the next stage" without naming which one. Negation phrases cancel a match.
type LocaleTable struct {
	Movement    []string            `yaml:"movement"`
	Progression []string            `yaml:"progression"`
	Negation    []string            `yaml:"negation"`
	Stages      map[string][]string `yaml:"stages"`
}

type stageKeyword struct {
	stage   domain.Stage
	keyword string
}

// KeywordDetector matches stage names co-occurring with movement phrases
// across every loaded locale.
type KeywordDetector struct {
	locales     []string
	movement    []string
	progression []string
	negation    []string
	stages      []stageKeyword
}

// NewDefaultDetector builds a detector from the embedded keyword tables.
func NewDefaultDetector() (*KeywordDetector, error) {
	return Parse(defaultKeywords)
}

// Load builds a detector from a YAML file on disk.
func Load(path string) (*KeywordDetector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyword file: %w", err)
	}
	return Parse(data)
}

// Parse builds a detector from YAML keyword tables keyed by locale.
func Parse(data []byte) (*KeywordDetector, error) {
	var tables map[string]LocaleTable
	if err := yaml.Unmarshal(data, &tables); err != nil {
		return nil, fmt.Errorf("parse keyword tables: %w", err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("keyword tables are empty")
	}

	d := &KeywordDetector{}
	for locale, table := range tables {
		d.locales = append(d.locales, locale)
		d.movement = appendNormalized(d.movement, table.Movement)
		d.progression = appendNormalized(d.progression, table.Progression)
		d.negation = appendNormalized(d.negation, table.Negation)
		for name, keywords := range table.Stages {
			stage, ok := domain.ParseStage(name)
			if !ok {
				return nil, fmt.Errorf("locale %s: unknown stage %q", locale, name)
			}
			for _, kw := range keywords {
				if n := normalize(kw); n != "" {
					d.stages = append(d.stages, stageKeyword{stage: stage, keyword: n})
				}
			}
		}
	}
	sort.Strings(d.locales)
	// Longer phrases first so "idea generation" wins over a bare "ideas".
	sort.SliceStable(d.stages, func(i, j int) bool {
		return len(d.stages[i].keyword) > len(d.stages[j].keyword)
	})
	return d, nil
}

// Locales returns the locales the detector was built from.
func (d *KeywordDetector) Locales() []string {
	return append([]string(nil), d.locales...)
}

// DetectIntent returns the requested stage. A request needs a movement
// phrase together with either a stage name or a progression phrase, and no
// negation. A named stage wins over progression; when several stages are
// named, the one mentioned last is the target. Requests for the current
// stage report no intent.
func (d *KeywordDetector) DetectIntent(text string, current domain.Stage) (domain.Stage, bool) {
	msg := normalize(text)
	if msg == "" {
		return "", false
	}
	if !containsAny(msg, d.movement) || containsAny(msg, d.negation) {
		return "", false
	}

	target, named := d.lastNamedStage(msg)
	if !named {
		if !containsAny(msg, d.progression) {
			return "", false
		}
		if !current.Valid() {
			current = domain.DefaultStage
		}
		target = current.Next()
	}

	if target == current {
		return "", false
	}
	return target, true
}

func (d *KeywordDetector) lastNamedStage(msg string) (domain.Stage, bool) {
	best := -1
	var stage domain.Stage
	for _, sk := range d.stages {
		if idx := strings.LastIndex(msg, sk.keyword); idx > best {
			best = idx
			stage = sk.stage
		}
	}
	return stage, best >= 0
}

func containsAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

func appendNormalized(dst, src []string) []string {
	for _, s := range src {
		if n := normalize(s); n != "" {
			dst = append(dst, n)
		}
	}
	return dst
}

// normalize lowercases, maps underscores to spaces and collapses whitespace.
func normalize(s string) string {
	s = strings.ToLower(strings.ReplaceAll(s, "_", " "))
	return strings.Join(strings.Fields(s), " ")
}
