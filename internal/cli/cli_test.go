package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/export"
	"github.com/ashureev/cps-scaffold/internal/ledger"
	"github.com/ashureev/cps-scaffold/internal/store"
)

func seed(t *testing.T) (string, *domain.Session) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "cps.db")
	repo, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	defer repo.Close()

	svc := ledger.NewService(repo, slog.Default())
	session, err := svc.CreateSession(context.Background(), "learner_1", "Design a bike rack")
	require.NoError(t, err)
	require.NoError(t, repo.AppendConversation(context.Background(), &domain.ConversationEntry{
		SessionID: session.ID,
		Role:      domain.RoleUser,
		Text:      "hello",
		Stage:     domain.StageChallenge,
	}))
	return dbPath, session
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCmd("test")
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSessionsList(t *testing.T) {
	dbPath, session := seed(t)

	out, err := run(t, "--db", dbPath, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, session.ID)
	assert.Contains(t, out, "learner_1")

	out, err = run(t, "--db", dbPath, "sessions", "list", "--user-id", "someone_else")
	require.NoError(t, err)
	assert.NotContains(t, out, session.ID)
}

func TestSessionsCloseAndDelete(t *testing.T) {
	dbPath, session := seed(t)

	out, err := run(t, "--db", dbPath, "sessions", "close", session.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Closed "+session.ID)

	out, err = run(t, "--db", dbPath, "sessions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "false")

	_, err = run(t, "--db", dbPath, "sessions", "delete", session.ID)
	require.NoError(t, err)

	_, err = run(t, "--db", dbPath, "sessions", "close", session.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExportToStdout(t *testing.T) {
	dbPath, session := seed(t)

	out, err := run(t, "--db", dbPath, "export", "conversations")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(export.ConversationHeader, ","), lines[0])
	assert.Contains(t, lines[1], session.ID)
}

func TestExportToFile(t *testing.T) {
	dbPath, session := seed(t)
	target := filepath.Join(t.TempDir(), "metrics.csv")

	_, err := run(t, "--db", dbPath, "export", "metrics", "--out", target)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), strings.Join(export.MetricsHeader, ",")))
	assert.Contains(t, string(data), session.ID)
}

func TestExportErrors(t *testing.T) {
	dbPath, _ := seed(t)

	_, err := run(t, "--db", dbPath, "export", "transcripts")
	assert.ErrorContains(t, err, "unknown table")

	_, err = run(t, "--db", dbPath, "export", "metrics", "--user-id", "bad id!")
	assert.ErrorContains(t, err, "invalid user id")

	_, err = run(t, "--db", filepath.Join(t.TempDir(), "missing.db"), "sessions", "list")
	assert.ErrorContains(t, err, "does not exist")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "cpsctl test\n", out)
}
