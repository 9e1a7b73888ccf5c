package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run is one backend lifetime, from spawn to exit. Uniq ties journal
// rows and exit updates to the run even after the PID is recycled.
type Run struct {
	ID        int64
	PID       int
	StartedAt time.Time
	StoppedAt sql.NullTime
	Running   bool
	ExitInfo  sql.NullString // empty on a clean exit
	Uniq      string
	UpdatedAt time.Time
}

// UniqueKey identifies a run by PID and start time; PIDs alone recycle.
func UniqueKey(pid int, startedAt time.Time) string {
	return fmt.Sprintf("%d-%d", pid, startedAt.UTC().UnixNano())
}

// Key returns the run's unique key, deriving it when unset.
func (r Run) Key() string {
	if r.Uniq != "" {
		return r.Uniq
	}
	return UniqueKey(r.PID, r.StartedAt)
}

// Event is one journaled supervisor state transition.
type Event struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	RunKey string    `json:"run_key,omitempty"`
}

// Store persists backend runs and the transition journal.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordStart(ctx context.Context, run Run) error
	RecordExit(ctx context.Context, uniq string, stoppedAt time.Time, exitInfo string) error
	LastRun(ctx context.Context) (Run, bool, error)
	AppendEvent(ctx context.Context, ev Event) error
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	Close() error
}
