// Package domain contains core domain types for the CPS scaffolding service.
package domain

import "strings"

// Stage identifies one of the three creative problem-solving stages.
type Stage string

const (
	// StageChallenge is challenge understanding (opportunity framing, data exploration, problem framing).
	StageChallenge Stage = "challenge_understanding"
	// StageIdeas is idea generation.
	StageIdeas Stage = "idea_generation"
	// StageAction is action preparation (solution development, acceptance building).
	StageAction Stage = "action_preparation"
)

// DefaultStage is the stage a session starts in when nothing else is known.
const DefaultStage = StageChallenge

// NumStages is the number of known stages.
const NumStages = 3

var stageOrder = [NumStages]Stage{StageChallenge, StageIdeas, StageAction}

// Stages returns the known stages in their fixed progression order.
func Stages() []Stage {
	return stageOrder[:]
}

// stageAliases maps accepted spellings to canonical stages. The Korean names
// are the category names the reasoning prompt uses; sub-stage names are
// resolved by prefix in ParseStage.
var stageAliases = map[string]Stage{
	"challenge_understanding": StageChallenge,
	"challenge":               StageChallenge,
	"a":                       StageChallenge,
	"도전_이해":                   StageChallenge,
	"idea_generation":         StageIdeas,
	"ideas":                   StageIdeas,
	"b":                       StageIdeas,
	"아이디어_생성":                 StageIdeas,
	"action_preparation":      StageAction,
	"action":                  StageAction,
	"c":                       StageAction,
	"실행_준비":                   StageAction,
}

var stagePrefixes = []struct {
	prefix string
	stage  Stage
}{
	{"도전_이해_", StageChallenge},
	{"아이디어_생성_", StageIdeas},
	{"실행_준비_", StageAction},
	{"challenge_understanding_", StageChallenge},
	{"idea_generation_", StageIdeas},
	{"action_preparation_", StageAction},
}

// ParseStage resolves a stage identifier. Sub-stage names such as
// "도전_이해_자료탐색" resolve to their parent stage.
func ParseStage(s string) (Stage, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, " ", "_")
	if key == "" {
		return "", false
	}
	if st, ok := stageAliases[key]; ok {
		return st, true
	}
	for _, p := range stagePrefixes {
		if strings.HasPrefix(key, p.prefix) {
			return p.stage, true
		}
	}
	return "", false
}

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Index returns the position of the stage in the progression, or -1.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// IsTerminal reports whether s is the last stage of the progression.
func (s Stage) IsTerminal() bool {
	return s == stageOrder[NumStages-1]
}

// Next returns the following stage in the fixed progression A→B→C→C.
// Unknown stages advance to the default stage.
func (s Stage) Next() Stage {
	i := s.Index()
	if i < 0 {
		return DefaultStage
	}
	if i+1 >= NumStages {
		return s
	}
	return stageOrder[i+1]
}

func (s Stage) String() string {
	return string(s)
}
