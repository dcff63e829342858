package domain

import (
	"time"
)

// Snapshot is the per-session turn and metric row, created with the session
// and mutated by every conversation and transition write.
type Snapshot struct {
	SessionID   string
	Turns       [NumStages]int
	ActiveStage Stage

	TotalMessages int
	UserMessages  int
	AgentMessages int

	ShallowResponses int
	MediumResponses  int
	DeepResponses    int

	MonitoringCount int
	ControlCount    int
	KnowledgeCount  int

	VisitedStages   []Stage
	TransitionCount int
	Completed       bool

	SessionDuration   *time.Duration
	ResponseTimeTotal time.Duration
	ResponseSamples   int
	LastAgentAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TurnsFor returns the counter for stage, or 0 for unknown stages.
func (s *Snapshot) TurnsFor(stage Stage) int {
	i := stage.Index()
	if i < 0 {
		return 0
	}
	return s.Turns[i]
}

// TotalTurns returns the sum of all per-stage counters.
func (s *Snapshot) TotalTurns() int {
	total := 0
	for _, n := range s.Turns {
		total += n
	}
	return total
}

// AvgResponseTime returns the mean learner response latency, or nil without samples.
func (s *Snapshot) AvgResponseTime() *time.Duration {
	if s.ResponseSamples == 0 {
		return nil
	}
	avg := s.ResponseTimeTotal / time.Duration(s.ResponseSamples)
	return &avg
}

// TurnLimit is the current and maximum turn count for one stage.
type TurnLimit struct {
	Stage        Stage `json:"stage"`
	Current      int   `json:"current"`
	Max          int   `json:"max"`
	LimitReached bool  `json:"limit_reached"`
}
