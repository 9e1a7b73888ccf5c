package history

import (
	"context"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventFail        EventType = "fail"
	EventConfigWrite EventType = "config_write"
	EventImport      EventType = "import"
	EventExport      EventType = "export"
	EventConsole     EventType = "console"
)

// Event is one audit entry exported to external systems. PID is the
// backend PID when the event concerns a run, zero otherwise. Detail is
// a short human-readable summary.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for audit events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
