package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/archive"
	"github.com/loykin/warden/internal/backend"
	"github.com/loykin/warden/internal/console"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/store"
	"github.com/loykin/warden/internal/supervisor"
)

type errorResp struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

type loginReq struct {
	Password string `json:"password"`
}

type loginResp struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// backendHealth deliberately excludes the diagnostic report path; the
// health endpoint is unauthenticated and reveals no filesystem layout.
type backendHealth struct {
	State     supervisor.State    `json:"state"`
	Reachable bool                `json:"reachable"`
	PID       int                 `json:"pid"`
	StartedAt time.Time           `json:"started_at"`
	LastError string              `json:"last_error,omitempty"`
	LastExit  *backend.ExitStatus `json:"last_exit,omitempty"`
}

type healthResp struct {
	OK         bool          `json:"ok"`
	Configured bool          `json:"configured"`
	Backend    backendHealth `json:"backend"`
}

type entryResp struct {
	Service    string              `json:"service"`
	Configured bool                `json:"configured"`
	ConfigPath string              `json:"config_path"`
	Backend    supervisor.Snapshot `json:"backend"`
}

type statusResp struct {
	Backend      supervisor.Snapshot `json:"backend"`
	Configured   bool                `json:"configured"`
	ConfigPath   string              `json:"config_path"`
	ConfigExists bool                `json:"config_exists"`
	Managed      bool                `json:"config_managed"`
	StorageRoot  string              `json:"storage_root"`
	Console      []string            `json:"console_commands"`
	Usage        *metrics.Usage      `json:"usage,omitempty"`
	Journal      []store.Event       `json:"journal,omitempty"`
}

type configResp struct {
	Path    string `json:"path"`
	Exists  bool   `json:"exists"`
	Content string `json:"content"`
}

type consoleReq struct {
	Cmd string `json:"cmd"`
	Arg string `json:"arg"`
}

type consoleResp struct {
	OK       bool   `json:"ok"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

func (r *Router) handleHealth(c *gin.Context) {
	snap := r.backend.Snapshot()
	writeJSON(c, http.StatusOK, healthResp{
		OK:         true,
		Configured: r.backend.Configured(),
		Backend: backendHealth{
			State:     snap.State,
			Reachable: r.reachable(),
			PID:       snap.PID,
			StartedAt: snap.StartedAt,
			LastError: snap.LastError,
			LastExit:  snap.LastExit,
		},
	})
}

// reachable answers the health endpoint's question cheaply: can the
// gateway open a TCP connection to the backend right now.
func (r *Router) reachable() bool {
	if r.addr == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", r.addr, 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (r *Router) handleLogin(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.auth.VerifyPassword(req.Password); err != nil {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: err.Error()})
		return
	}
	token, expiresAt, err := r.auth.IssueToken(time.Now())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, loginResp{Token: token, ExpiresAt: expiresAt})
}

func (r *Router) handleEntry(c *gin.Context) {
	writeJSON(c, http.StatusOK, entryResp{
		Service:    "warden",
		Configured: r.backend.Configured(),
		ConfigPath: r.cfg.Resolve(),
		Backend:    r.backend.Snapshot(),
	})
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{
		Backend:      r.backend.Snapshot(),
		Configured:   r.backend.Configured(),
		ConfigPath:   r.cfg.Resolve(),
		ConfigExists: r.cfg.Exists(),
		Managed:      r.cfg.Managed(),
		StorageRoot:  r.root.Dir(),
		Console:      r.console.Names(),
	}
	sort.Strings(resp.Console)
	if r.usage != nil {
		resp.Usage = r.usage.Last()
	}
	if r.journal != nil {
		events, err := r.journal.RecentEvents(c.Request.Context(), 20)
		if err != nil {
			r.logger.Warn("status: journal read failed", "error", err)
		} else {
			resp.Journal = events
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleConfigGet(c *gin.Context) {
	resp := configResp{Path: r.cfg.Resolve()}
	content, err := r.cfg.ReadRaw()
	switch {
	case err == nil:
		resp.Exists = true
		resp.Content = string(content)
	case os.IsNotExist(err):
		// An unconfigured gateway is a normal state, not an error.
	default:
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "read config: " + err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleConfigPut(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, r.cfgMax))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{
				Error: fmt.Sprintf("configuration exceeds the %d byte ceiling", r.cfgMax),
			})
			return
		}
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "read body: " + err.Error()})
		return
	}
	if len(body) == 0 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "configuration body is empty"})
		return
	}

	if err := r.cfg.WriteRaw(body); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "write config: " + err.Error()})
		return
	}
	r.audit(history.EventConfigWrite, fmt.Sprintf("%d bytes", len(body)))
	r.logger.Info("configuration replaced", "path", r.cfg.Resolve(), "bytes", len(body))

	if err := r.backend.Restart(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{
			Error: "configuration saved, backend restart failed: " + err.Error(),
			Hint:  r.backend.Hint(),
		})
		return
	}
	writeJSON(c, http.StatusOK, r.backend.Snapshot())
}

func (r *Router) handleConsole(c *gin.Context) {
	var req consoleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	res, err := r.console.Run(c.Request.Context(), req.Cmd, req.Arg)
	if err != nil {
		if errors.Is(err, console.ErrNotAllowed) || errors.Is(err, console.ErrInvalidArgument) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	r.audit(history.EventConsole, fmt.Sprintf("%s (ok=%v)", res.Cmd, res.OK))
	writeJSON(c, http.StatusOK, consoleResp{OK: res.OK, Output: res.Output, ExitCode: res.ExitCode})
}

func (r *Router) handleExport(c *gin.Context) {
	filename := "warden-state-" + time.Now().UTC().Format("20060102T150405Z") + ".tar.gz"
	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Status(http.StatusOK)

	res, err := r.archive.Export(c.Writer)
	metrics.IncArchiveTransfer("export", err == nil)
	if err != nil {
		// The status line is already on the wire; the truncated stream
		// is the client's signal.
		r.logger.Error("state export failed", "error", err)
		return
	}
	r.audit(history.EventExport, res.String())
	r.logger.Info("state exported", "files", res.Files, "bytes", res.Bytes)
}

func (r *Router) handleImport(c *gin.Context) {
	// A declared length over the ceiling never touches the backend:
	// reject before the stop, before any body byte is read.
	if r.importMax > 0 && c.Request.ContentLength > r.importMax {
		metrics.IncArchiveTransfer("import", false)
		writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{
			Error: fmt.Sprintf("declared length %d exceeds the %d byte import ceiling", c.Request.ContentLength, r.importMax),
		})
		return
	}

	if err := r.backend.Stop(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "stop backend before import: " + err.Error()})
		return
	}

	res, err := r.archive.Import(c.Request.Body, c.Request.ContentLength)
	metrics.IncArchiveTransfer("import", err == nil)
	if err != nil {
		switch {
		case errors.Is(err, archive.ErrTooLarge):
			writeJSON(c, http.StatusRequestEntityTooLarge, errorResp{Error: err.Error()})
		case errors.Is(err, archive.ErrUnmanaged):
			writeJSON(c, http.StatusConflict, errorResp{Error: err.Error()})
		case errors.Is(err, archive.ErrValidation):
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		default:
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		}
		return
	}
	r.audit(history.EventImport, res.String())
	r.logger.Info("state imported", "files", res.Files, "bytes", res.Bytes)

	if !r.backend.Configured() {
		c.String(http.StatusOK, "imported %s; backend not configured, left stopped\n", res)
		return
	}
	if err := r.backend.EnsureRunning(c.Request.Context()); err != nil {
		c.String(http.StatusOK, "imported %s; backend restart failed: %v\n", res, err)
		return
	}
	c.String(http.StatusOK, "imported %s; backend restarted\n", res)
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.backend.EnsureRunning(c.Request.Context()); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, supervisor.ErrNotConfigured) {
			status = http.StatusConflict
		}
		writeJSON(c, status, errorResp{Error: err.Error(), Hint: r.backend.Hint()})
		return
	}
	writeJSON(c, http.StatusOK, r.backend.Snapshot())
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.backend.Stop(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.backend.Snapshot())
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.backend.Restart(c.Request.Context()); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, supervisor.ErrNotConfigured) {
			status = http.StatusConflict
		}
		writeJSON(c, status, errorResp{Error: err.Error(), Hint: r.backend.Hint()})
		return
	}
	writeJSON(c, http.StatusOK, r.backend.Snapshot())
}

func (r *Router) handleJournal(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive number"})
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}
	if r.journal == nil {
		writeJSON(c, http.StatusOK, []store.Event{})
		return
	}
	events, err := r.journal.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: "read journal: " + err.Error()})
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

// audit fans an admin action out to the configured history sinks. The
// response is already written by then, so the send is decoupled from
// the request context.
func (r *Router) audit(t history.EventType, detail string) {
	if len(r.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	evt := history.Event{Type: t, OccurredAt: time.Now().UTC(), Detail: detail}
	for _, sink := range r.sinks {
		_ = sink.Send(ctx, evt)
	}
}
