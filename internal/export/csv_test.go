package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/store"
)

type fakeSource struct {
	conversations []store.ConversationRow
	snapshots     []store.SnapshotRow
	err           error
	ownerSeen     string
}

func (f *fakeSource) ExportConversations(_ context.Context, ownerID string, fn func(store.ConversationRow) error) error {
	f.ownerSeen = ownerID
	if f.err != nil {
		return f.err
	}
	for _, r := range f.conversations {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) ExportSnapshots(_ context.Context, ownerID string, fn func(store.SnapshotRow) error) error {
	f.ownerSeen = ownerID
	if f.err != nil {
		return f.err
	}
	for _, r := range f.snapshots {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func readCSV(t *testing.T, buf *bytes.Buffer) [][]string {
	t.Helper()
	records, err := csv.NewReader(buf).ReadAll()
	require.NoError(t, err)
	return records
}

func TestConversationsCSV(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	yes := true
	src := &fakeSource{conversations: []store.ConversationRow{
		{
			ConversationEntry: domain.ConversationEntry{
				ID: 1, SessionID: "s1", Role: domain.RoleUser,
				Text: "We waste bread, mostly at lunch", Stage: domain.StageChallenge, CreatedAt: created,
			},
			OwnerID: "learner-1",
		},
		{
			ConversationEntry: domain.ConversationEntry{
				ID: 2, SessionID: "s1", Role: domain.RoleAgent, Text: "What else?",
				Stage:            domain.StageChallenge,
				MetacogTags:      []domain.MetacogTag{domain.TagMonitoring, domain.TagControl},
				Depth:            domain.DepthDeep,
				ShouldTransition: &yes,
				Reasoning:        "ready",
				CreatedAt:        created,
			},
			OwnerID: "learner-1",
		},
	}}

	var buf bytes.Buffer
	require.NoError(t, (&ConversationsCSV{}).Export(context.Background(), &buf, src, "learner-1"))
	assert.Equal(t, "learner-1", src.ownerSeen)

	records := readCSV(t, &buf)
	require.Len(t, records, 3)
	assert.Equal(t, ConversationHeader, records[0])
	assert.Equal(t, []string{
		"1", "s1", "learner-1", "user", "We waste bread, mostly at lunch", "challenge_understanding",
		"", "", "", "", "2026-03-02T10:30:00Z",
	}, records[1])
	assert.Equal(t, "monitoring,control", records[2][6])
	assert.Equal(t, "deep", records[2][7])
	assert.Equal(t, "true", records[2][8])
}

func TestMetricsCSV(t *testing.T) {
	t.Parallel()
	duration := 90 * time.Second
	snap := domain.Snapshot{
		SessionID:         "s1",
		TotalMessages:     4,
		UserMessages:      2,
		AgentMessages:     2,
		MediumResponses:   2,
		MonitoringCount:   1,
		VisitedStages:     []domain.Stage{domain.StageChallenge, domain.StageIdeas},
		TransitionCount:   2,
		Completed:         true,
		SessionDuration:   &duration,
		ResponseTimeTotal: 30 * time.Second,
		ResponseSamples:   2,
		CreatedAt:         time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	src := &fakeSource{snapshots: []store.SnapshotRow{{Snapshot: snap}}}

	var buf bytes.Buffer
	require.NoError(t, (&MetricsCSV{}).Export(context.Background(), &buf, src, ""))

	records := readCSV(t, &buf)
	require.Len(t, records, 2)
	assert.Equal(t, MetricsHeader, records[0])
	row := records[1]
	assert.Len(t, row, len(MetricsHeader))
	assert.Equal(t, "", row[1])
	assert.Equal(t, "challenge_understanding,idea_generation", row[8])
	assert.Equal(t, "90", row[13])
	assert.Equal(t, "15", row[14])
	assert.Equal(t, "true", row[15])
}

func TestMetricsCSVEmptyOptionalFields(t *testing.T) {
	t.Parallel()
	src := &fakeSource{snapshots: []store.SnapshotRow{{Snapshot: domain.Snapshot{SessionID: "s2"}, OwnerID: "o"}}}

	var buf bytes.Buffer
	require.NoError(t, (&MetricsCSV{}).Export(context.Background(), &buf, src, ""))
	row := readCSV(t, &buf)[1]
	assert.Equal(t, "", row[8])
	assert.Equal(t, "", row[13])
	assert.Equal(t, "", row[14])
	assert.Equal(t, "false", row[15])
}

func TestExportPropagatesSourceErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	src := &fakeSource{err: boom}

	for _, name := range Tables() {
		e, ok := Get(name)
		require.True(t, ok)
		err := e.Export(context.Background(), &bytes.Buffer{}, src, "")
		require.ErrorIs(t, err, boom, name)
	}

	_, ok := Get("unknown")
	assert.False(t, ok)
	assert.Equal(t, []string{"conversations", "metrics"}, Tables())
}
