// Package server exposes the gateway's HTTP surface: an unauthenticated
// health endpoint, the password-gated admin API under a configurable
// base path, and a catch-all that hands every other request, protocol
// upgrades included, to the proxy.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/warden/internal/archive"
	"github.com/loykin/warden/internal/auth"
	"github.com/loykin/warden/internal/console"
	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/storage"
	"github.com/loykin/warden/internal/store"
	"github.com/loykin/warden/internal/supervisor"
)

// Backend is the supervisor surface the admin handlers drive. The
// concrete implementation is *supervisor.Supervisor.
type Backend interface {
	Snapshot() supervisor.Snapshot
	Configured() bool
	Hint() string
	EnsureRunning(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}

type Options struct {
	// BasePath is where the admin surface lives, e.g. "/_warden".
	BasePath string
	// BackendAddr is the backend's host:port, used only by the health
	// endpoint's reachability check.
	BackendAddr string

	Backend Backend
	Auth    *auth.Service
	Config  *storage.ConfigStore
	Root    *storage.Root
	Archive *archive.Archiver
	Console *console.Executor

	// Proxy handles every request outside warden's own surface;
	// usually *proxy.Router. Nil leaves non-admin paths unrouted.
	Proxy http.Handler

	Journal store.Store             // optional, feeds /status and /journal
	Sinks   []history.Sink          // optional audit sinks
	Usage   *metrics.UsageCollector // optional, feeds /status

	// ConfigMaxBytes caps PUT /config bodies; defaults to 1 MiB.
	ConfigMaxBytes int64
	// ImportMaxBytes rejects oversized imports by declared length
	// before the backend is stopped; zero defers entirely to the
	// archiver's ceiling.
	ImportMaxBytes int64

	Logger *slog.Logger
}

// Router provides the embeddable HTTP handlers of the gateway.
type Router struct {
	basePath  string
	addr      string
	backend   Backend
	auth      *auth.Service
	cfg       *storage.ConfigStore
	root      *storage.Root
	archive   *archive.Archiver
	console   *console.Executor
	proxy     http.Handler
	journal   store.Store
	sinks     []history.Sink
	usage     *metrics.UsageCollector
	cfgMax    int64
	importMax int64
	logger    *slog.Logger
}

func NewRouter(opts Options) (*Router, error) {
	switch {
	case opts.Backend == nil:
		return nil, errors.New("server: backend is required")
	case opts.Auth == nil:
		return nil, errors.New("server: auth service is required")
	case opts.Config == nil || opts.Root == nil:
		return nil, errors.New("server: storage is required")
	case opts.Archive == nil:
		return nil, errors.New("server: archiver is required")
	case opts.Console == nil:
		return nil, errors.New("server: console executor is required")
	}
	if opts.ConfigMaxBytes <= 0 {
		opts.ConfigMaxBytes = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		basePath:  sanitizeBase(opts.BasePath),
		addr:      opts.BackendAddr,
		backend:   opts.Backend,
		auth:      opts.Auth,
		cfg:       opts.Config,
		root:      opts.Root,
		archive:   opts.Archive,
		console:   opts.Console,
		proxy:     opts.Proxy,
		journal:   opts.Journal,
		sinks:     opts.Sinks,
		usage:     opts.Usage,
		cfgMax:    opts.ConfigMaxBytes,
		importMax: opts.ImportMaxBytes,
		logger:    opts.Logger,
	}, nil
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server, including one built by NewServer. Login is the only
// unauthenticated admin route; the health endpoint is public.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/healthz", r.handleHealth)

	admin := g.Group(r.basePath)
	admin.POST("/login", r.handleLogin)

	authed := admin.Group("", r.auth.Middleware())
	authed.GET("/", r.handleEntry)
	authed.GET("/status", r.handleStatus)
	authed.GET("/config", r.handleConfigGet)
	authed.PUT("/config", r.handleConfigPut)
	authed.POST("/console", r.handleConsole)
	authed.GET("/export", r.handleExport)
	authed.POST("/import", r.handleImport)
	authed.POST("/start", r.handleStart)
	authed.POST("/stop", r.handleStop)
	authed.POST("/restart", r.handleRestart)
	authed.GET("/journal", r.handleJournal)

	if r.proxy != nil {
		g.NoRoute(gin.WrapH(r.proxy))
	}
	return g
}

// NewServer builds the gateway's HTTP server around handler. Only
// header-read and idle timeouts are set: proxied responses, upgrade
// tunnels and archive transfers are long-lived, so global read/write
// timeouts would sever them mid-stream.
func NewServer(addr string, handler http.Handler, tlsConf *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
