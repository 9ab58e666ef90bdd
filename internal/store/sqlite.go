package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/lifecycle"
	"github.com/fyrsmithlabs/consultd/internal/record"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	record_json     TEXT NOT NULL,
	record_version  INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	completed_at    TEXT,
	finalize_reason TEXT,
	degraded        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	session_id  TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	phase       TEXT,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (session_id, seq),
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`

// SQLiteStore persists sessions in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY; reads are short.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts an ACTIVE session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, id string, createdAt time.Time) error {
	recJSON, err := json.Marshal(record.New())
	if err != nil {
		return wrap("create", id, fmt.Errorf("marshal record: %w", err))
	}
	ts := formatTime(createdAt)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state, record_json, record_version, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, string(lifecycle.StateActive), string(recJSON), ts, ts,
	)
	if err != nil {
		return wrap("create", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("create", id, err)
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

// UpdateState moves a session from one state to another.
func (s *SQLiteStore) UpdateState(ctx context.Context, id string, from, to lifecycle.State, at time.Time) error {
	var completed any
	if to.IsTerminal() {
		completed = formatTime(at)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		 WHERE id = ? AND state = ?`,
		string(to), formatTime(at), completed, id, string(from),
	)
	if err != nil {
		return wrap("update state", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("update state", id, err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return wrap("update state", id, err)
	}
	return fmt.Errorf("%w: stored %s, expected %s", ErrStateConflict, current, from)
}

// Persist writes the record and appends messages not yet stored in one
// transaction.
func (s *SQLiteStore) Persist(ctx context.Context, id string, rec record.Record, messages []dialogue.Message, meta Meta) error {
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return wrap("persist", id, fmt.Errorf("marshal record: %w", err))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("persist", id, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRowContext(ctx, `SELECT record_version FROM sessions WHERE id = ?`, id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return wrap("persist", id, err)
	}
	if rec.Version < stored {
		return fmt.Errorf("%w: stored %d, got %d", ErrStaleRecord, stored, rec.Version)
	}

	var reason any
	if meta.FinalizeReason != "" {
		reason = meta.FinalizeReason
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET record_json = ?, record_version = ?, updated_at = ?,
		 finalize_reason = COALESCE(?, finalize_reason), degraded = ?
		 WHERE id = ?`,
		string(recJSON), rec.Version, formatTime(time.Now()), reason, boolInt(meta.Degraded), id,
	)
	if err != nil {
		return wrap("persist", id, fmt.Errorf("update record: %w", err))
	}

	for _, m := range messages {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, seq, role, content, phase, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, seq) DO NOTHING`,
			id, m.Seq, string(m.Role), m.Content, m.Phase, formatTime(m.Timestamp),
		)
		if err != nil {
			return wrap("persist", id, fmt.Errorf("insert message %d: %w", m.Seq, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("persist", id, fmt.Errorf("commit: %w", err))
	}
	return nil
}

const sessionColumns = `s.id, s.state, s.record_json, s.record_version, s.created_at, s.updated_at,
	s.completed_at, s.finalize_reason, s.degraded,
	(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)`

// LoadSession reads one session row.
func (s *SQLiteStore) LoadSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("load", id, err)
	}
	return sess, nil
}

// ListSessions returns sessions ordered by most recent update.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions s ORDER BY s.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("list", "*", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wrap("list", "*", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", "*", err)
	}
	return out, nil
}

// LoadMessages returns a session's dialogue in sequence order.
func (s *SQLiteStore) LoadMessages(ctx context.Context, id string) ([]dialogue.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, content, phase, created_at FROM messages
		 WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, wrap("load messages", id, err)
	}
	defer rows.Close()

	var out []dialogue.Message
	for rows.Next() {
		var m dialogue.Message
		var role, created string
		var phase sql.NullString
		if err := rows.Scan(&m.Seq, &role, &m.Content, &phase, &created); err != nil {
			return nil, wrap("load messages", id, err)
		}
		m.Role = dialogue.Role(role)
		m.Phase = phase.String
		m.Timestamp = parseTime(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load messages", id, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var state, recJSON, created, updated string
	var version int64
	var completed, reason sql.NullString
	var degraded int

	if err := row.Scan(&sess.ID, &state, &recJSON, &version, &created, &updated,
		&completed, &reason, &degraded, &sess.MessageCount); err != nil {
		return nil, err
	}

	st, err := lifecycle.ParseState(state)
	if err != nil {
		return nil, err
	}
	sess.State = st
	if err := json.Unmarshal([]byte(recJSON), &sess.Record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	if sess.Record.Fields == nil {
		sess.Record.Fields = map[string]record.FieldValue{}
	}
	sess.Record.Version = version
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	if completed.Valid {
		sess.CompletedAt = parseTime(completed.String)
	}
	sess.FinalizeReason = reason.String
	sess.Degraded = degraded != 0
	return &sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
