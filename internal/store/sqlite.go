package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/cps-scaffold/internal/analytics"
	"github.com/ashureev/cps-scaffold/internal/domain"
	"github.com/ashureev/cps-scaffold/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	txMaxRetries = 4
	txBaseDelay  = 50 * time.Millisecond
)

// turnColumns maps each known stage to its counter column. Unknown stages
// have no slot and are rejected before any SQL is built.
var turnColumns = map[domain.Stage]string{
	domain.StageChallenge: "challenge_turns",
	domain.StageIdeas:     "idea_turns",
	domain.StageAction:    "action_turns",
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Immediate transactions take the write lock at BEGIN so read-modify-write
	// snapshot updates never upgrade mid-transaction.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT,
		assignment_text TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at);

	CREATE TABLE IF NOT EXISTS conversation_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user', 'agent')),
		message TEXT NOT NULL,
		stage TEXT,
		metacog_tags TEXT,
		response_depth TEXT,
		should_transition INTEGER,
		reasoning TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_session ON conversation_entries(session_id, id);

	CREATE TABLE IF NOT EXISTS stage_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		from_stage TEXT,
		to_stage TEXT NOT NULL,
		reason TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_session ON stage_transitions(session_id, id);

	CREATE TABLE IF NOT EXISTS session_snapshots (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		challenge_turns INTEGER NOT NULL DEFAULT 0 CHECK (challenge_turns >= 0),
		idea_turns INTEGER NOT NULL DEFAULT 0 CHECK (idea_turns >= 0),
		action_turns INTEGER NOT NULL DEFAULT 0 CHECK (action_turns >= 0),
		active_stage TEXT NOT NULL,
		total_messages INTEGER NOT NULL DEFAULT 0,
		user_messages INTEGER NOT NULL DEFAULT 0,
		agent_messages INTEGER NOT NULL DEFAULT 0,
		shallow_responses INTEGER NOT NULL DEFAULT 0,
		medium_responses INTEGER NOT NULL DEFAULT 0,
		deep_responses INTEGER NOT NULL DEFAULT 0,
		monitoring_count INTEGER NOT NULL DEFAULT 0,
		control_count INTEGER NOT NULL DEFAULT 0,
		knowledge_count INTEGER NOT NULL DEFAULT 0,
		visited_stages TEXT NOT NULL DEFAULT '[]',
		transition_count INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		session_duration_ms INTEGER,
		response_time_total_ms INTEGER NOT NULL DEFAULT 0,
		response_samples INTEGER NOT NULL DEFAULT 0,
		last_agent_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withTx runs fn in an immediate transaction, retrying lock conflicts.
// Failures other than not-found and validation are reported as persistence
// errors after rollback.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	err := shared.WithRetry(ctx, op, txMaxRetries, txBaseDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
	if err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrValidation) {
		return err
	}
	slog.Error("sqlite unit of work failed", "op", op, "error", err)
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistence, err)
}

// CreateSession inserts the session and its zero snapshot.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	return s.withTx(ctx, "create session", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, owner_id, assignment_text, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			session.ID, nullString(session.OwnerID), session.AssignmentText, session.Active,
			session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_snapshots (session_id, active_stage, created_at, updated_at)
			VALUES (?, ?, ?, ?)`,
			session.ID, string(domain.DefaultStage),
			session.CreatedAt.UnixMilli(), session.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	})
}

const sessionColumns = `id, owner_id, assignment_text, is_active, created_at, updated_at, completed_at`

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string, offset, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// CloseSession deactivates a session and finalizes its snapshot.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string, completed bool, at time.Time) (*domain.Session, error) {
	var session *domain.Session
	err := s.withTx(ctx, "close session", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
		current, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("scan session row: %w", err)
		}

		if !current.Active {
			session = current
			return nil
		}

		completedAt := at
		if current.CompletedAt != nil {
			completedAt = *current.CompletedAt
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET is_active = 0, completed_at = COALESCE(completed_at, ?), updated_at = ?
			WHERE id = ?`,
			at.UnixMilli(), at.UnixMilli(), id,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		snap, err := loadSnapshot(ctx, tx, id)
		if err != nil {
			return err
		}
		analytics.Finalize(snap, current.CreatedAt, completedAt, completed)
		if err := saveSnapshot(ctx, tx, snap); err != nil {
			return err
		}

		current.Active = false
		current.CompletedAt = &completedAt
		current.UpdatedAt = at
		session = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// DeleteSession removes a session; child rows go by cascade.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	return s.withTx(ctx, "delete session", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
		}
		return nil
	})
}

// AppendConversation inserts an entry and updates the snapshot.
func (s *SQLiteStore) AppendConversation(ctx context.Context, entry *domain.ConversationEntry) error {
	return s.withTx(ctx, "append conversation", func(tx *sql.Tx) error {
		if err := requireActive(ctx, tx, entry.SessionID); err != nil {
			return err
		}
		snap, err := loadSnapshot(ctx, tx, entry.SessionID)
		if err != nil {
			return err
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return err
		}
		analytics.ApplyEntry(snap, *entry)
		return saveSnapshot(ctx, tx, snap)
	})
}

// AppendTransition inserts a transition record and updates the snapshot.
func (s *SQLiteStore) AppendTransition(ctx context.Context, t *domain.StageTransition) error {
	return s.withTx(ctx, "append transition", func(tx *sql.Tx) error {
		snap, err := loadSnapshot(ctx, tx, t.SessionID)
		if err != nil {
			return err
		}
		if err := insertTransition(ctx, tx, t); err != nil {
			return err
		}
		analytics.ApplyTransition(snap, *t)
		return saveSnapshot(ctx, tx, snap)
	})
}

// CommitTurn applies the post-reasoning unit of work for a turn.
func (s *SQLiteStore) CommitTurn(ctx context.Context, c TurnCommit) (*domain.Snapshot, error) {
	if _, ok := turnColumns[c.TurnStage]; !ok {
		return nil, fmt.Errorf("turn stage %q: %w", c.TurnStage, domain.ErrValidation)
	}

	var result *domain.Snapshot
	err := s.withTx(ctx, "commit turn", func(tx *sql.Tx) error {
		// The session may have been closed while the collaborator was running.
		if err := requireActive(ctx, tx, c.SessionID); err != nil {
			return err
		}
		snap, err := loadSnapshot(ctx, tx, c.SessionID)
		if err != nil {
			return err
		}

		for i := range c.Transitions {
			t := &c.Transitions[i]
			t.SessionID = c.SessionID
			if err := insertTransition(ctx, tx, t); err != nil {
				return err
			}
			analytics.ApplyTransition(snap, *t)
		}

		agent := c.Agent
		agent.SessionID = c.SessionID
		if err := insertEntry(ctx, tx, &agent); err != nil {
			return err
		}
		analytics.ApplyEntry(snap, agent)
		if err := saveSnapshot(ctx, tx, snap); err != nil {
			return err
		}

		if _, err := incrementTurnTx(ctx, tx, c.SessionID, c.TurnStage, agent.CreatedAt); err != nil {
			return err
		}

		result, err = loadSnapshot(ctx, tx, c.SessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// IncrementTurn adds one turn to stage.
func (s *SQLiteStore) IncrementTurn(ctx context.Context, sessionID string, stage domain.Stage) (int, error) {
	if _, ok := turnColumns[stage]; !ok {
		return 0, fmt.Errorf("turn stage %q: %w", stage, domain.ErrValidation)
	}
	var n int
	err := s.withTx(ctx, "increment turn", func(tx *sql.Tx) error {
		var err error
		n, err = incrementTurnTx(ctx, tx, sessionID, stage, time.Now())
		return err
	})
	return n, err
}

// ResetStageTurns zeroes the counter for stage.
func (s *SQLiteStore) ResetStageTurns(ctx context.Context, sessionID string, stage domain.Stage) error {
	col, ok := turnColumns[stage]
	if !ok {
		return fmt.Errorf("turn stage %q: %w", stage, domain.ErrValidation)
	}
	return s.withTx(ctx, "reset turns", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE session_snapshots SET `+col+` = 0, updated_at = ? WHERE session_id = ?`,
			time.Now().UnixMilli(), sessionID,
		)
		if err != nil {
			return fmt.Errorf("reset %s: %w", col, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("snapshot %s: %w", sessionID, domain.ErrNotFound)
		}
		return nil
	})
}

func incrementTurnTx(ctx context.Context, tx *sql.Tx, sessionID string, stage domain.Stage, at time.Time) (int, error) {
	col := turnColumns[stage]
	var n int
	err := tx.QueryRowContext(ctx,
		`UPDATE session_snapshots SET `+col+` = `+col+` + 1, active_stage = ?, updated_at = ?
		 WHERE session_id = ? RETURNING `+col,
		string(stage), at.UnixMilli(), sessionID,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("snapshot %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", col, err)
	}
	return n, nil
}

// GetSnapshot retrieves the snapshot for a session.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, sessionID string) (*domain.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM session_snapshots WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}
	return snap, nil
}

const entryColumns = `id, session_id, role, message, stage, metacog_tags, response_depth, should_transition, reasoning, created_at`

// ListConversations returns all entries of a session in insertion order.
func (s *SQLiteStore) ListConversations(ctx context.Context, sessionID string) ([]domain.ConversationEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM conversation_entries WHERE session_id = ? ORDER BY id`, sessionID)
}

// RecentConversations returns the last n entries of a session in insertion order.
func (s *SQLiteStore) RecentConversations(ctx context.Context, sessionID string, n int) ([]domain.ConversationEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.queryEntries(ctx, `
		SELECT * FROM (
			SELECT `+entryColumns+` FROM conversation_entries
			WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id`, sessionID, n)
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]domain.ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var entries []domain.ConversationEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return entries, nil
}

const transitionColumns = `id, session_id, from_stage, to_stage, reason, message_count, created_at`

// ListTransitions returns all transition records of a session in insertion order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, sessionID string) ([]domain.StageTransition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM stage_transitions WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transition rows", "error", closeErr)
		}
	}()

	var out []domain.StageTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// LatestTransition returns the newest transition record or nil.
func (s *SQLiteStore) LatestTransition(ctx context.Context, sessionID string) (*domain.StageTransition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transitionColumns+` FROM stage_transitions WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID)
	t, err := scanTransition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan transition row: %w", err)
	}
	return t, nil
}

// ExportConversations streams entries joined to their session owner.
func (s *SQLiteStore) ExportConversations(ctx context.Context, ownerID string, fn func(ConversationRow) error) error {
	query := `
		SELECT c.id, c.session_id, c.role, c.message, c.stage, c.metacog_tags, c.response_depth,
		       c.should_transition, c.reasoning, c.created_at, s.owner_id
		FROM conversation_entries c JOIN sessions s ON s.id = c.session_id`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE s.owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY c.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query conversation export: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation export rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var owner sql.NullString
		e, err := scanEntry(rows, &owner)
		if err != nil {
			return fmt.Errorf("scan conversation export row: %w", err)
		}
		if err := fn(ConversationRow{ConversationEntry: *e, OwnerID: owner.String}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ExportSnapshots streams snapshots joined to their session owner.
func (s *SQLiteStore) ExportSnapshots(ctx context.Context, ownerID string, fn func(SnapshotRow) error) error {
	query := `SELECT ` + prefixed("m", snapshotColumns) + `, s.owner_id
		FROM session_snapshots m JOIN sessions s ON s.id = m.session_id`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE s.owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY m.created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query snapshot export: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close snapshot export rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var owner sql.NullString
		snap, err := scanSnapshot(rows, &owner)
		if err != nil {
			return fmt.Errorf("scan snapshot export row: %w", err)
		}
		if err := fn(SnapshotRow{Snapshot: *snap, OwnerID: owner.String}); err != nil {
			return err
		}
	}
	return rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *domain.ConversationEntry) error {
	if !e.Role.Valid() {
		return fmt.Errorf("role %q: %w", e.Role, domain.ErrValidation)
	}
	if e.Stage != "" && !e.Stage.Valid() {
		return fmt.Errorf("entry stage %q: %w", e.Stage, domain.ErrValidation)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var tags any
	if len(e.MetacogTags) > 0 {
		raw, err := json.Marshal(e.MetacogTags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		tags = string(raw)
	}
	var should any
	if e.ShouldTransition != nil {
		should = *e.ShouldTransition
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_entries
			(session_id, role, message, stage, metacog_tags, response_depth, should_transition, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, string(e.Role), e.Text, nullString(string(e.Stage)), tags,
		nullString(string(e.Depth)), should, nullString(e.Reasoning), e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	e.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("conversation id: %w", err)
	}
	return nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, t *domain.StageTransition) error {
	if !t.ToStage.Valid() {
		return fmt.Errorf("to stage %q: %w", t.ToStage, domain.ErrValidation)
	}
	if t.FromStage != "" && !t.FromStage.Valid() {
		return fmt.Errorf("from stage %q: %w", t.FromStage, domain.ErrValidation)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO stage_transitions (session_id, from_stage, to_stage, reason, message_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.SessionID, nullString(string(t.FromStage)), string(t.ToStage), nullString(t.Reason),
		t.MessageCount, t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	t.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("transition id: %w", err)
	}
	return nil
}

// requireActive fails with domain.ErrSessionClosed once the session is inactive.
func requireActive(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var active bool
	err := tx.QueryRowContext(ctx, `SELECT is_active FROM sessions WHERE id = ?`, sessionID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	if !active {
		return domain.ErrSessionClosed
	}
	return nil
}

func loadSnapshot(ctx context.Context, tx *sql.Tx, sessionID string) (*domain.Snapshot, error) {
	snap, err := scanSnapshot(tx.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM session_snapshots WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

// saveSnapshot writes every derived column. Turn counters are owned by the
// increment and reset statements and are left alone.
func saveSnapshot(ctx context.Context, tx *sql.Tx, snap *domain.Snapshot) error {
	visited, err := json.Marshal(stagesOrEmpty(snap.VisitedStages))
	if err != nil {
		return fmt.Errorf("marshal visited stages: %w", err)
	}
	var duration any
	if snap.SessionDuration != nil {
		duration = snap.SessionDuration.Milliseconds()
	}
	var lastAgent any
	if snap.LastAgentAt != nil {
		lastAgent = snap.LastAgentAt.UnixMilli()
	}
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE session_snapshots SET
			active_stage = ?,
			total_messages = ?, user_messages = ?, agent_messages = ?,
			shallow_responses = ?, medium_responses = ?, deep_responses = ?,
			monitoring_count = ?, control_count = ?, knowledge_count = ?,
			visited_stages = ?, transition_count = ?, completed = ?,
			session_duration_ms = ?, response_time_total_ms = ?, response_samples = ?,
			last_agent_at = ?, updated_at = ?
		WHERE session_id = ?`,
		string(snap.ActiveStage),
		snap.TotalMessages, snap.UserMessages, snap.AgentMessages,
		snap.ShallowResponses, snap.MediumResponses, snap.DeepResponses,
		snap.MonitoringCount, snap.ControlCount, snap.KnowledgeCount,
		string(visited), snap.TransitionCount, snap.Completed,
		duration, snap.ResponseTimeTotal.Milliseconds(), snap.ResponseSamples,
		lastAgent, updated.UnixMilli(),
		snap.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	return nil
}
