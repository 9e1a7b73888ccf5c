package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/warden/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib driver.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backend_run(
			id BIGSERIAL PRIMARY KEY,
			pid INTEGER NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			stopped_at TIMESTAMPTZ NULL,
			running BOOLEAN NOT NULL,
			exit_info TEXT NULL,
			uniq TEXT NOT NULL UNIQUE,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backend_run_running ON backend_run(running);`,
		`CREATE TABLE IF NOT EXISTS backend_journal(
			id BIGSERIAL PRIMARY KEY,
			at TIMESTAMPTZ NOT NULL,
			state TEXT NOT NULL,
			detail TEXT NULL,
			run_key TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backend_journal_at ON backend_journal(at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordStart(ctx context.Context, run store.Run) error {
	run.UpdatedAt = time.Now().UTC()
	uniq := run.Key()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO backend_run(pid, started_at, stopped_at, running, exit_info, uniq, updated_at)
		VALUES($1,$2,NULL,true,NULL,$3,$4)
		ON CONFLICT(uniq) DO UPDATE SET
			pid=EXCLUDED.pid,
			started_at=EXCLUDED.started_at,
			running=EXCLUDED.running,
			stopped_at=NULL,
			exit_info=NULL,
			updated_at=EXCLUDED.updated_at;`,
		run.PID, run.StartedAt.UTC(), uniq, run.UpdatedAt)
	return err
}

func (p *DB) RecordExit(ctx context.Context, uniq string, stoppedAt time.Time, exitInfo string) error {
	var info sql.NullString
	if exitInfo != "" {
		info = sql.NullString{String: exitInfo, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE backend_run
		SET running=false, stopped_at=$1, exit_info=$2, updated_at=$3
		WHERE uniq=$4;`,
		stoppedAt.UTC(), info, time.Now().UTC(), uniq)
	return err
}

func (p *DB) LastRun(ctx context.Context) (store.Run, bool, error) {
	row := p.db.QueryRowContext(ctx, `
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

func (p *DB) AppendEvent(ctx context.Context, ev store.Event) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO backend_journal(at, state, detail, run_key)
		VALUES($1,$2,$3,$4);`,
		at.UTC(), ev.State, nullable(ev.Detail), nullable(ev.RunKey))
	return err
}

func (p *DB) RecentEvents(ctx context.Context, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, at, state, detail, run_key
		FROM backend_journal
		ORDER BY id DESC
		LIMIT $1;`, limit)
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
