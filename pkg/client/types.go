package client

import (
	"fmt"
	"time"
)

// Session is the bearer credential returned by Login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExitStatus records how the backend's last run ended.
type ExitStatus struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal"`
	At     time.Time `json:"at"`
}

// BackendSnapshot is the supervisor state as reported by the gateway.
type BackendSnapshot struct {
	State      string      `json:"state"`
	PID        int         `json:"pid"`
	StartedAt  time.Time   `json:"started_at"`
	LastExit   *ExitStatus `json:"last_exit,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
	LastReport string      `json:"last_report,omitempty"`
}

// BackendHealth is the backend portion of the liveness payload.
type BackendHealth struct {
	State     string      `json:"state"`
	Reachable bool        `json:"reachable"`
	PID       int         `json:"pid"`
	StartedAt time.Time   `json:"started_at"`
	LastError string      `json:"last_error,omitempty"`
	LastExit  *ExitStatus `json:"last_exit,omitempty"`
}

// Health is the unauthenticated liveness payload from /healthz.
type Health struct {
	OK         bool          `json:"ok"`
	Configured bool          `json:"configured"`
	Backend    BackendHealth `json:"backend"`
}

// Usage is a resource sample for the running backend process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

// JournalEvent is one backend state transition from the run journal.
type JournalEvent struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	State  string    `json:"state"`
	Detail string    `json:"detail,omitempty"`
	RunKey string    `json:"run_key,omitempty"`
}

// Status is the administrative view of the gateway and its backend.
type Status struct {
	Backend      BackendSnapshot `json:"backend"`
	Configured   bool            `json:"configured"`
	ConfigPath   string          `json:"config_path"`
	ConfigExists bool            `json:"config_exists"`
	Managed      bool            `json:"config_managed"`
	StorageRoot  string          `json:"storage_root"`
	Console      []string        `json:"console_commands"`
	Usage        *Usage          `json:"usage,omitempty"`
	Journal      []JournalEvent  `json:"journal,omitempty"`
}

// ConfigState is the stored backend configuration as the gateway sees it.
type ConfigState struct {
	Path    string `json:"path"`
	Exists  bool   `json:"exists"`
	Content string `json:"content"`
}

// ConsoleResult is the outcome of an allow-listed console command.
type ConsoleResult struct {
	OK       bool   `json:"ok"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// APIError is a non-2xx gateway response. Status carries the HTTP code
// so callers can branch, e.g. re-login on 401.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	switch {
	case e.Message == "":
		return fmt.Sprintf("HTTP %d", e.Status)
	case e.Hint != "":
		return fmt.Sprintf("%s (hint: %s)", e.Message, e.Hint)
	default:
		return e.Message
	}
}
