package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/warden/internal/store"
)

// startPostgresContainer starts a PostgreSQL container for tests and
// returns a DSN suitable for pgx stdlib. It skips the test if Docker is
// unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}
	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresJournal(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	waitForPostgres(t, dsn)
	defer func() {
		if terminate != nil {
			terminate()
		}
	}()

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("pg open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	start := time.Now().UTC()
	run := store.Run{PID: 9999, StartedAt: start}
	if err := db.RecordStart(ctx, run); err != nil {
		t.Fatalf("record start: %v", err)
	}
	got, ok, err := db.LastRun(ctx)
	if err != nil || !ok || got.PID != 9999 || !got.Running {
		t.Fatalf("last run: %+v ok=%v err=%v", got, ok, err)
	}

	if err := db.RecordExit(ctx, run.Key(), start.Add(time.Second), ""); err != nil {
		t.Fatalf("record exit: %v", err)
	}
	got, ok, err = db.LastRun(ctx)
	if err != nil || !ok {
		t.Fatalf("last run after exit: ok=%v err=%v", ok, err)
	}
	if got.Running || got.ExitInfo.Valid {
		t.Fatalf("clean exit should clear running and leave exit_info NULL: %+v", got)
	}

	if err := db.AppendEvent(ctx, store.Event{State: "running", RunKey: run.Key()}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := db.RecentEvents(ctx, 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("recent events: %v n=%d", err, len(events))
	}
	if events[0].State != "running" || events[0].RunKey != run.Key() {
		t.Fatalf("event = %+v", events[0])
	}
}
