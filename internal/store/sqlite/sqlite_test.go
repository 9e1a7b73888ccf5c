package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/warden/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	run := store.Run{PID: 4321, StartedAt: start}
	if err := db.RecordStart(ctx, run); err != nil {
		t.Fatalf("record start: %v", err)
	}

	got, ok, err := db.LastRun(ctx)
	if err != nil || !ok {
		t.Fatalf("last run: ok=%v err=%v", ok, err)
	}
	if got.PID != 4321 || !got.Running {
		t.Fatalf("unexpected run: %+v", got)
	}

	stop := start.Add(3 * time.Second)
	if err := db.RecordExit(ctx, run.Key(), stop, "signal terminated"); err != nil {
		t.Fatalf("record exit: %v", err)
	}
	got, ok, err = db.LastRun(ctx)
	if err != nil || !ok {
		t.Fatalf("last run after exit: ok=%v err=%v", ok, err)
	}
	if got.Running {
		t.Fatalf("still running after exit: %+v", got)
	}
	if !got.ExitInfo.Valid || got.ExitInfo.String != "signal terminated" {
		t.Fatalf("exit info = %+v", got.ExitInfo)
	}
	if !got.StoppedAt.Valid {
		t.Fatalf("stopped_at not set")
	}
}

func TestRecordStartIsIdempotentPerKey(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	start := time.Now().UTC()
	run := store.Run{PID: 77, StartedAt: start}
	if err := db.RecordStart(ctx, run); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := db.RecordStart(ctx, run); err != nil {
		t.Fatalf("second: %v", err)
	}
	got, ok, err := db.LastRun(ctx)
	if err != nil || !ok || got.PID != 77 {
		t.Fatalf("last run: %+v ok=%v err=%v", got, ok, err)
	}
}

func TestLastRunEmpty(t *testing.T) {
	db := openTestDB(t)
	_, ok, err := db.LastRun(context.Background())
	if err != nil {
		t.Fatalf("last run: %v", err)
	}
	if ok {
		t.Fatalf("expected no run in fresh database")
	}
}

func TestJournalNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	states := []string{"starting", "running", "stopping", "stopped"}
	for i, st := range states {
		ev := store.Event{At: time.Now().Add(time.Duration(i) * time.Millisecond), State: st}
		if err := db.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", st, err)
		}
	}

	events, err := db.RecentEvents(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("want 3 events, got %d", len(events))
	}
	if events[0].State != "stopped" || events[2].State != "running" {
		t.Fatalf("order wrong: %+v", events)
	}
}

func TestAppendEventDetail(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if err := db.AppendEvent(ctx, store.Event{State: "failed", Detail: "spawn: no such file", RunKey: "1-2"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := db.RecentEvents(ctx, 1)
	if err != nil || len(events) != 1 {
		t.Fatalf("recent: %v, n=%d", err, len(events))
	}
	e := events[0]
	if e.State != "failed" || e.Detail != "spawn: no such file" || e.RunKey != "1-2" {
		t.Fatalf("event = %+v", e)
	}
	if e.At.IsZero() {
		t.Fatalf("timestamp not defaulted")
	}
}
