package api

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/export"
)

// ResearchService is the read side used by research routes.
type ResearchService interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	ListSessions(ctx context.Context, ownerID string, offset, limit int) ([]*domain.Session, error)
	Conversations(ctx context.Context, id string) ([]domain.ConversationEntry, error)
	Transitions(ctx context.Context, id string) ([]domain.StageTransition, error)
	Snapshot(ctx context.Context, id string) (*domain.Snapshot, error)
}

// TurnCounter derives per-stage counts from a snapshot.
type TurnCounter interface {
	FromSnapshot(snap *domain.Snapshot) map[domain.Stage]domain.TurnLimit
}

// ResearchHandler serves read-only analysis and export endpoints.
type ResearchHandler struct {
	research ResearchService
	turns    TurnCounter
	source   export.Source
}

// NewResearchHandler creates a research handler.
func NewResearchHandler(research ResearchService, turns TurnCounter, source export.Source) *ResearchHandler {
	return &ResearchHandler{research: research, turns: turns, source: source}
}

// RegisterRoutes registers research routes.
func (h *ResearchHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/research", func(r chi.Router) {
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}/conversations", h.Conversations)
		r.Get("/sessions/{sessionID}/transitions", h.Transitions)
		r.Get("/sessions/{sessionID}/metrics", h.Metrics)
		r.Get("/export/conversations.csv", h.exportTable("conversations"))
		r.Get("/export/metrics.csv", h.exportTable("metrics"))
	})
}

// ListSessions lists sessions newest first, optionally for one owner.
func (h *ResearchHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	sessions, err := h.research.ListSessions(r.Context(), r.URL.Query().Get("user_id"), skip, limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"total":    len(sessions),
		"sessions": sessions,
	})
}

// Conversations returns a session's conversation log.
func (h *ResearchHandler) Conversations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	entries, err := h.research.Conversations(r.Context(), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.ConversationEntry{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id":    id,
		"total":         len(entries),
		"conversations": entries,
	})
}

// Transitions returns a session's stage transition records.
func (h *ResearchHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	records, err := h.research.Transitions(r.Context(), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if records == nil {
		records = []domain.StageTransition{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  id,
		"total":       len(records),
		"transitions": records,
	})
}

type metricsResponse struct {
	SessionID              string                            `json:"session_id"`
	ActiveStage            domain.Stage                      `json:"active_stage"`
	TurnCounts             map[domain.Stage]domain.TurnLimit `json:"turn_counts"`
	TotalMessages          int                               `json:"total_messages"`
	UserMessages           int                               `json:"user_messages"`
	AgentMessages          int                               `json:"agent_messages"`
	ShallowResponses       int                               `json:"shallow_responses"`
	MediumResponses        int                               `json:"medium_responses"`
	DeepResponses          int                               `json:"deep_responses"`
	StagesCompleted        []domain.Stage                    `json:"stages_completed"`
	TotalStageTransitions  int                               `json:"total_stage_transitions"`
	MonitoringCount        int                               `json:"monitoring_count"`
	ControlCount           int                               `json:"control_count"`
	KnowledgeCount         int                               `json:"knowledge_count"`
	SessionDurationSeconds *float64                          `json:"session_duration_seconds"`
	AvgResponseTimeSeconds *float64                          `json:"avg_response_time_seconds"`
	Completed              bool                              `json:"completed"`
}

// Metrics returns a session's derived counters.
func (h *ResearchHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.research.Snapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteError(w, r, err)
		return
	}

	visited := snap.VisitedStages
	if visited == nil {
		visited = []domain.Stage{}
	}
	JSON(w, http.StatusOK, metricsResponse{
		SessionID:              snap.SessionID,
		ActiveStage:            snap.ActiveStage,
		TurnCounts:             h.turns.FromSnapshot(snap),
		TotalMessages:          snap.TotalMessages,
		UserMessages:           snap.UserMessages,
		AgentMessages:          snap.AgentMessages,
		ShallowResponses:       snap.ShallowResponses,
		MediumResponses:        snap.MediumResponses,
		DeepResponses:          snap.DeepResponses,
		StagesCompleted:        visited,
		TotalStageTransitions:  snap.TransitionCount,
		MonitoringCount:        snap.MonitoringCount,
		ControlCount:           snap.ControlCount,
		KnowledgeCount:         snap.KnowledgeCount,
		SessionDurationSeconds: seconds(snap.SessionDuration),
		AvgResponseTimeSeconds: seconds(snap.AvgResponseTime()),
		Completed:              snap.Completed,
	})
}

// exportTable renders a CSV table. The table is buffered so a failure can
// still be reported with a proper status code.
func (h *ResearchHandler) exportTable(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exporter, ok := export.Get(name)
		if !ok {
			Error(w, http.StatusNotFound, "not found")
			return
		}

		var buf bytes.Buffer
		if err := exporter.Export(r.Context(), &buf, h.source, r.URL.Query().Get("user_id")); err != nil {
			slog.Error("export failed", "table", name, "error", err)
			Error(w, http.StatusInternalServerError, "failed to export "+name)
			return
		}

		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", exporter.Filename()))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(buf.Bytes()); err != nil {
			slog.Debug("export write failed", "table", name, "error", err)
		}
	}
}

func seconds(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	s := d.Seconds()
	return &s
}
