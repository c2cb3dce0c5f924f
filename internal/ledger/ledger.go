// Package ledger keeps a SQLite record of every encrypted logging session.
//
// The ledger stores where each session's log lives, which key-export scheme
// sealed it and how it ended. It never stores key material.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// State of a recorded session.
type State string

const (
	StateActive    State = "active"
	StateClosed    State = "closed"
	StateDiscarded State = "discarded"
	StateRecovered State = "recovered"
)

// Errors
var (
	ErrNotFound  = errors.New("ledger: session not found")
	ErrBadState  = errors.New("ledger: invalid session state")
	ErrNotActive = errors.New("ledger: session is not active")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    base_path     TEXT NOT NULL,
    log_path      TEXT NOT NULL,
    blob_version  TEXT NOT NULL,
    started_ns    INTEGER NOT NULL,
    ended_ns      INTEGER,
    state         TEXT NOT NULL,
    lines         INTEGER NOT NULL DEFAULT 0,
    dropped       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_base ON sessions(base_path, started_ns);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
`

// Session is one row of the ledger.
type Session struct {
	ID          string
	BasePath    string
	LogPath     string
	BlobVersion string
	StartedNs   int64
	EndedNs     int64 // zero while active
	State       State
	Lines       int
	Dropped     uint64
}

// Ledger is the SQLite session ledger.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the ledger database at path.
func Open(path string, busyTimeout time.Duration) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Ledger{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Begin records a new active session and returns its ID.
func (l *Ledger) Begin(basePath, logPath, blobVersion string) (string, error) {
	id := uuid.New().String()
	_, err := l.db.Exec(`
		INSERT INTO sessions (id, base_path, log_path, blob_version, started_ns, state)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, basePath, logPath, blobVersion, l.now().UnixNano(), StateActive,
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// Finish closes out an active session with its final state and counts.
func (l *Ledger) Finish(id string, state State, lines int, dropped uint64) error {
	if state != StateClosed && state != StateDiscarded {
		return fmt.Errorf("%w: %s", ErrBadState, state)
	}

	result, err := l.db.Exec(`
		UPDATE sessions SET state = ?, ended_ns = ?, lines = lines + ?, dropped = ?
		WHERE id = ? AND state = ?`,
		state, l.now().UnixNano(), lines, int64(dropped), id, StateActive,
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n == 0 {
		if _, err := l.Get(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	return nil
}

// MarkRecovered marks the still-active sessions for basePath as recovered.
// A session unknown to this ledger gets a new recovered row.
func (l *Ledger) MarkRecovered(basePath, logPath string, lines int) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UnixNano()
	result, err := tx.Exec(`
		UPDATE sessions SET state = ?, ended_ns = ?, lines = lines + ?
		WHERE base_path = ? AND state = ?`,
		StateRecovered, now, lines, basePath, StateActive,
	)
	if err != nil {
		return fmt.Errorf("mark recovered: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark recovered: %w", err)
	}
	if n == 0 {
		_, err = tx.Exec(`
			INSERT INTO sessions (id, base_path, log_path, blob_version, started_ns, ended_ns, state, lines)
			VALUES (?, ?, ?, '', ?, ?, ?, ?)`,
			uuid.New().String(), basePath, logPath, now, now, StateRecovered, lines,
		)
		if err != nil {
			return fmt.Errorf("insert recovered session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (l *Ledger) Get(id string) (*Session, error) {
	row := l.db.QueryRow(`
		SELECT id, base_path, log_path, blob_version, started_ns, ended_ns, state, lines, dropped
		FROM sessions WHERE id = ?`, id)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// List returns sessions in start order. An empty state lists all of them.
func (l *Ledger) List(state State) ([]Session, error) {
	query := `
		SELECT id, base_path, log_path, blob_version, started_ns, ended_ns, state, lines, dropped
		FROM sessions`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY started_ns ASC, rowid ASC`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var s Session
	var ended sql.NullInt64
	var dropped int64
	var state string

	err := sc.Scan(&s.ID, &s.BasePath, &s.LogPath, &s.BlobVersion, &s.StartedNs, &ended, &state, &s.Lines, &dropped)
	if err != nil {
		return nil, err
	}
	s.EndedNs = ended.Int64
	s.State = State(state)
	s.Dropped = uint64(dropped)
	return &s, nil
}
