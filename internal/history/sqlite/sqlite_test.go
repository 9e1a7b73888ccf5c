package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/warden/internal/history"
)

func TestSQLiteSinkRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")

	sink, err := New(dbPath)
	if err != nil {
		t.Fatalf("create sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: time.Now().UTC(), PID: 1234},
		{Type: history.EventConfigWrite, OccurredAt: time.Now().UTC(), Detail: "312 bytes"},
		{Type: history.EventConsole, OccurredAt: time.Now().UTC(), Detail: "id=version"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %s: %v", e.Type, err)
		}
	}

	// Verify the rows landed by querying the file directly.
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db.Close() }()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM warden_audit`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != len(events) {
		t.Fatalf("rows = %d, want %d", n, len(events))
	}
	var typ, detail string
	if err := db.QueryRow(`SELECT type, detail FROM warden_audit WHERE type = 'console'`).Scan(&typ, &detail); err != nil {
		t.Fatalf("select console row: %v", err)
	}
	if detail != "id=version" {
		t.Fatalf("detail = %q", detail)
	}
}

func TestSQLiteSinkEmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
