package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/ashureev/cps-scaffold/internal/store"
)

// ListSeparator joins multi-valued fields into one cell.
const ListSeparator = ","

// ConversationHeader is the fixed column order of the conversations table.
var ConversationHeader = []string{
	"conversation_id",
	"session_id",
	"user_id",
	"role",
	"message",
	"cps_stage",
	"metacog_elements",
	"response_depth",
	"should_transition",
	"reasoning",
	"created_at",
}

// MetricsHeader is the fixed column order of the metrics table.
var MetricsHeader = []string{
	"session_id",
	"user_id",
	"total_messages",
	"user_messages",
	"agent_messages",
	"shallow_responses",
	"medium_responses",
	"deep_responses",
	"stages_completed",
	"total_stage_transitions",
	"monitoring_count",
	"control_count",
	"knowledge_count",
	"session_duration_seconds",
	"avg_response_time_seconds",
	"completed",
	"created_at",
}

// ConversationsCSV exports every conversation entry joined to its owner.
type ConversationsCSV struct{}

// Filename implements Exporter.
func (e *ConversationsCSV) Filename() string { return "conversations.csv" }

// Export implements Exporter.
func (e *ConversationsCSV) Export(ctx context.Context, w io.Writer, src Source, ownerID string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ConversationHeader); err != nil {
		return fmt.Errorf("write conversations header: %w", err)
	}

	err := src.ExportConversations(ctx, ownerID, func(row store.ConversationRow) error {
		return cw.Write(conversationRecord(row))
	})
	if err != nil {
		return fmt.Errorf("export conversations: %w", err)
	}

	cw.Flush()
	return cw.Error()
}

// MetricsCSV exports every session snapshot joined to its owner.
type MetricsCSV struct{}

// Filename implements Exporter.
func (e *MetricsCSV) Filename() string { return "session_metrics.csv" }

// Export implements Exporter.
func (e *MetricsCSV) Export(ctx context.Context, w io.Writer, src Source, ownerID string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(MetricsHeader); err != nil {
		return fmt.Errorf("write metrics header: %w", err)
	}

	err := src.ExportSnapshots(ctx, ownerID, func(row store.SnapshotRow) error {
		return cw.Write(metricsRecord(row))
	})
	if err != nil {
		return fmt.Errorf("export metrics: %w", err)
	}

	cw.Flush()
	return cw.Error()
}

func conversationRecord(row store.ConversationRow) []string {
	e := row.ConversationEntry
	should := ""
	if e.ShouldTransition != nil {
		should = strconv.FormatBool(*e.ShouldTransition)
	}
	return []string{
		strconv.FormatInt(e.ID, 10),
		e.SessionID,
		row.OwnerID,
		string(e.Role),
		e.Text,
		string(e.Stage),
		joinList(e.MetacogTags),
		string(e.Depth),
		should,
		e.Reasoning,
		formatTime(e.CreatedAt),
	}
}

func metricsRecord(row store.SnapshotRow) []string {
	s := row.Snapshot
	return []string{
		s.SessionID,
		row.OwnerID,
		strconv.Itoa(s.TotalMessages),
		strconv.Itoa(s.UserMessages),
		strconv.Itoa(s.AgentMessages),
		strconv.Itoa(s.ShallowResponses),
		strconv.Itoa(s.MediumResponses),
		strconv.Itoa(s.DeepResponses),
		joinList(s.VisitedStages),
		strconv.Itoa(s.TransitionCount),
		strconv.Itoa(s.MonitoringCount),
		strconv.Itoa(s.ControlCount),
		strconv.Itoa(s.KnowledgeCount),
		formatSeconds(s.SessionDuration),
		formatSeconds(s.AvgResponseTime()),
		strconv.FormatBool(s.Completed),
		formatTime(s.CreatedAt),
	}
}

func joinList[T ~string](items []T) string {
	return strings.Join(lo.Map(items, func(item T, _ int) string { return string(item) }), ListSeparator)
}

func formatSeconds(d *time.Duration) string {
	if d == nil {
		return ""
	}
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
