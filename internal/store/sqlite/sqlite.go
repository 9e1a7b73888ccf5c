package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/warden/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver,
// CGO-free). DSN is a filesystem path; use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backend_run(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pid INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			stopped_at TIMESTAMP NULL,
			running BOOLEAN NOT NULL,
			exit_info TEXT NULL,
			uniq TEXT NOT NULL UNIQUE,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backend_run_running ON backend_run(running);`,
		`CREATE TABLE IF NOT EXISTS backend_journal(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TIMESTAMP NOT NULL,
			state TEXT NOT NULL,
			detail TEXT NULL,
			run_key TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backend_journal_at ON backend_journal(at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordStart(ctx context.Context, run store.Run) error {
	run.Running = true
	run.StoppedAt = sql.NullTime{}
	run.ExitInfo = sql.NullString{}
	run.UpdatedAt = time.Now().UTC()
	uniq := run.Key()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backend_run(pid, started_at, stopped_at, running, exit_info, uniq, updated_at)
		VALUES(?, ?, NULL, 1, NULL, ?, ?)
		ON CONFLICT(uniq) DO UPDATE SET
			pid=excluded.pid,
			started_at=excluded.started_at,
			running=excluded.running,
			stopped_at=NULL,
			exit_info=NULL,
			updated_at=excluded.updated_at;`,
		run.PID, run.StartedAt.UTC(), uniq, run.UpdatedAt)
	return err
}

func (s *DB) RecordExit(ctx context.Context, uniq string, stoppedAt time.Time, exitInfo string) error {
	var info sql.NullString
	if exitInfo != "" {
		info = sql.NullString{String: exitInfo, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backend_run
		SET running=0, stopped_at=?, exit_info=?, updated_at=?
		WHERE uniq=?;`,
		stoppedAt.UTC(), info, time.Now().UTC(), uniq)
	return err
}

func (s *DB) LastRun(ctx context.Context) (store.Run, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pid, started_at, stopped_at, running, exit_info, uniq, updated_at
		FROM backend_run
		ORDER BY started_at DESC
		LIMIT 1;`)
	var r store.Run
	err := row.Scan(&r.ID, &r.PID, &r.StartedAt, &r.StoppedAt, &r.Running, &r.ExitInfo, &r.Uniq, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Run{}, false, nil
	}
	if err != nil {
		return store.Run{}, false, err
	}
	return r, true, nil
}

func (s *DB) AppendEvent(ctx context.Context, ev store.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backend_journal(at, state, detail, run_key)
		VALUES(?, ?, ?, ?);`,
		at.UTC(), ev.State, nullable(ev.Detail), nullable(ev.RunKey))
	return err
}

func (s *DB) RecentEvents(ctx context.Context, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, at, state, detail, run_key
		FROM backend_journal
		ORDER BY id DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanEvents(rows *sql.Rows) ([]store.Event, error) {
	out := make([]store.Event, 0)
	for rows.Next() {
		var e store.Event
		var detail, runKey sql.NullString
		if err := rows.Scan(&e.ID, &e.At, &e.State, &detail, &runKey); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		e.RunKey = runKey.String
		out = append(out, e)
	}
	return out, rows.Err()
}
