// Package analytics derives session snapshot counters from conversation and
// transition writes. The functions here are pure; the store applies them in
// the same transaction as the row insert that triggered them.
package analytics

import (
	"time"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/samber/lo"
)

// ApplyEntry folds one conversation entry into the snapshot.
func ApplyEntry(s *domain.Snapshot, e domain.ConversationEntry) {
	s.TotalMessages++
	switch e.Role {
	case domain.RoleUser:
		s.UserMessages++
		if s.LastAgentAt != nil && e.CreatedAt.After(*s.LastAgentAt) {
			s.ResponseTimeTotal += e.CreatedAt.Sub(*s.LastAgentAt)
			s.ResponseSamples++
		}
	case domain.RoleAgent:
		s.AgentMessages++
		at := e.CreatedAt
		s.LastAgentAt = &at
	}

	switch e.Depth {
	case domain.DepthShallow:
		s.ShallowResponses++
	case domain.DepthMedium:
		s.MediumResponses++
	case domain.DepthDeep:
		s.DeepResponses++
	}

	// Tags are not mutually exclusive: each one present counts once.
	for _, tag := range lo.Uniq(e.MetacogTags) {
		switch tag {
		case domain.TagMonitoring:
			s.MonitoringCount++
		case domain.TagControl:
			s.ControlCount++
		case domain.TagKnowledge:
			s.KnowledgeCount++
		}
	}

	s.UpdatedAt = e.CreatedAt
}

// ApplyTransition folds one stage transition record into the snapshot.
func ApplyTransition(s *domain.Snapshot, t domain.StageTransition) {
	if t.ToStage.Valid() {
		s.ActiveStage = t.ToStage
		if !lo.Contains(s.VisitedStages, t.ToStage) {
			s.VisitedStages = append(s.VisitedStages, t.ToStage)
		}
	}
	s.TransitionCount++
	s.UpdatedAt = t.CreatedAt
}

// Finalize records completion state when a session is closed.
func Finalize(s *domain.Snapshot, createdAt, completedAt time.Time, completed bool) {
	s.Completed = completed
	if completedAt.After(createdAt) {
		d := completedAt.Sub(createdAt)
		s.SessionDuration = &d
	}
	s.UpdatedAt = completedAt
}
