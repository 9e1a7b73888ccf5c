// Package warden assembles the supervisory gateway daemon: one managed
// backend process behind an authenticated admin surface and a reverse
// proxy. The warden CLI builds on this package; programs embedding the
// gateway use it the same way.
package warden

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/warden/internal/archive"
	"github.com/loykin/warden/internal/auth"
	"github.com/loykin/warden/internal/backend"
	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/console"
	"github.com/loykin/warden/internal/diag"
	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/history"
	historyfactory "github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/probe"
	"github.com/loykin/warden/internal/proxy"
	"github.com/loykin/warden/internal/server"
	"github.com/loykin/warden/internal/storage"
	"github.com/loykin/warden/internal/store"
	storefactory "github.com/loykin/warden/internal/store/factory"
	"github.com/loykin/warden/internal/supervisor"
	wtls "github.com/loykin/warden/internal/tls"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Snapshot = supervisor.Snapshot

type HistorySink = history.Sink

type Journal = store.Store

// LoadConfig reads, normalizes and validates a daemon configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Gateway wires every long-lived component of one daemon instance: the
// storage root, the supervisor, the admin router and the proxy.
type Gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	root     *storage.Root
	cfgStore *storage.ConfigStore
	sup      *supervisor.Supervisor
	router   *server.Router
	journal  store.Store
	sinks    []history.Sink
	usage    *metrics.UsageCollector
}

// New builds a gateway from a loaded configuration. Nothing is spawned
// yet; Start performs the boot-time work.
func New(cfg *config.Config) (*Gateway, error) {
	logger := cfg.Log.NewSlogger()

	root, err := storage.Open(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("open storage root: %w", err)
	}
	cfgStore, err := storage.NewConfigStore(root, cfg.Backend.ConfigFile)
	if err != nil {
		return nil, err
	}
	cfgStore.MigrateLegacy(logger)

	token, err := root.Token()
	if err != nil {
		return nil, fmt.Errorf("gateway token: %w", err)
	}

	var journal store.Store
	if dsn := cfg.Store.DSN(); dsn != "" {
		journal, err = storefactory.NewFromDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("open run journal: %w", err)
		}
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = journal.EnsureSchema(sctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("run journal schema: %w", err)
		}
	}

	var sinks []history.Sink
	if cfg.History.DSN != "" {
		sink, err := historyfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	var reporter supervisor.Reporter
	if cfg.Diag.Enabled {
		reporter = diag.New(diag.Options{
			Dir:       cfg.Diag.Dir,
			Cooldown:  cfg.Diag.Cooldown,
			TailBytes: cfg.Diag.TailBytes,
			Log:       cfg.Log,
			Journal:   journal,
			Logger:    logger,
		})
	}

	e := env.New()
	if cfg.Backend.UseOSEnv {
		e.FromOS()
	}
	kvs, err := cfg.BackendEnv()
	if err != nil {
		return nil, fmt.Errorf("backend environment: %w", err)
	}
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			e.Set(kv[:i], kv[i+1:])
		}
	}

	spec := backend.Spec{
		Command:       cfg.Backend.Command,
		Args:          cfg.Backend.Args,
		WorkDir:       cfg.Backend.WorkDir,
		PIDFile:       cfg.Backend.PIDFile,
		GracePeriod:   cfg.Backend.GracePeriod,
		KillOnTimeout: cfg.Backend.KillOnTimeout,
		Log:           cfg.Log,
	}
	if spec.WorkDir == "" {
		spec.WorkDir = root.WorkspaceDir()
	}

	sup := supervisor.New(supervisor.Options{
		Backend: spec,
		Host:    cfg.Backend.Host,
		Port:    cfg.Backend.Port,
		Token:   token,
		Env:     e,
		Probe: probe.Options{
			Paths:    cfg.Probe.Paths,
			Interval: cfg.Probe.Interval,
			Deadline: cfg.Probe.Deadline,
			Logger:   logger,
		},
		Config:  cfgStore,
		Journal: journal,
		Sinks:   sinks,
		Report:  reporter,
		Logger:  logger,
	})

	authSvc, err := auth.New(auth.Options{
		Password:     cfg.Auth.Password,
		PasswordHash: cfg.Auth.PasswordHash,
		JWTSecret:    cfg.Auth.JWTSecret,
		TokenTTL:     cfg.Auth.TokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	cmds := console.Defaults(cfg.Backend.Command)
	for _, cc := range cfg.Console.Commands {
		cmds = append(cmds, console.Command{Name: cc.Name, Argv: cc.Argv})
	}
	executor, err := console.New(console.Options{
		Commands: cmds,
		Secrets:  []string{token},
		Timeout:  cfg.Console.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("console: %w", err)
	}

	prx, err := proxy.New(proxy.Options{
		TargetURL: "http://" + cfg.Backend.Addr(),
		AdminBase: cfg.Server.BasePath,
		Backend:   sup,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}

	usage := metrics.NewUsageCollector(0, func() int {
		snap := sup.Snapshot()
		if snap.State != supervisor.StateRunning {
			return 0
		}
		return snap.PID
	}, logger)

	router, err := server.NewRouter(server.Options{
		BasePath:       cfg.Server.BasePath,
		BackendAddr:    cfg.Backend.Addr(),
		Backend:        sup,
		Auth:           authSvc,
		Config:         cfgStore,
		Root:           root,
		Archive:        archive.New(root, cfgStore, cfg.Limits.ImportMaxBytes, logger),
		Console:        executor,
		Proxy:          prx,
		Journal:        journal,
		Sinks:          sinks,
		Usage:          usage,
		ConfigMaxBytes: cfg.Limits.ConfigMaxBytes,
		ImportMaxBytes: cfg.Limits.ImportMaxBytes,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	return &Gateway{
		cfg:      cfg,
		logger:   logger,
		root:     root,
		cfgStore: cfgStore,
		sup:      sup,
		router:   router,
		journal:  journal,
		sinks:    sinks,
		usage:    usage,
	}, nil
}

// Logger returns the daemon logger built from the configuration.
func (g *Gateway) Logger() *slog.Logger { return g.logger }

// Handler returns the complete HTTP surface: admin endpoints under the
// base path, health endpoint, proxy for everything else.
func (g *Gateway) Handler() http.Handler { return g.router.Handler() }

// HTTPServer builds the daemon's listener, with TLS when configured.
func (g *Gateway) HTTPServer() (*http.Server, error) {
	tlsConf, err := wtls.Setup(g.cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	return server.NewServer(g.cfg.Server.Listen, g.router.Handler(), tlsConf), nil
}

// TLSEnabled reports whether the listener will serve HTTPS.
func (g *Gateway) TLSEnabled() bool {
	return g.cfg.Server.TLS != nil && g.cfg.Server.TLS.Enabled
}

// Start performs boot-time work: sweeps an orphaned backend from a
// previous daemon run, begins usage sampling, and starts the backend
// when a configuration already exists. A failed initial start is logged
// but does not abort the daemon; the admin surface stays available for
// diagnosis.
func (g *Gateway) Start(ctx context.Context) {
	g.sup.SweepOrphan(ctx)
	g.usage.Start(context.Background())
	if g.sup.Configured() {
		if err := g.sup.EnsureRunning(ctx); err != nil {
			g.logger.Warn("initial backend start failed", "error", err)
		}
	}
}

// Shutdown stops the backend and releases the gateway's resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.usage.Stop()
	var firstErr error
	if err := g.sup.Stop(ctx); err != nil {
		firstErr = err
	}
	if g.journal != nil {
		if err := g.journal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureBackend starts the backend if it is not already running and
// waits for readiness.
func (g *Gateway) EnsureBackend(ctx context.Context) error { return g.sup.EnsureRunning(ctx) }

// StopBackend terminates the backend child.
func (g *Gateway) StopBackend(ctx context.Context) error { return g.sup.Stop(ctx) }

// RestartBackend stops and relaunches the backend.
func (g *Gateway) RestartBackend(ctx context.Context) error { return g.sup.Restart(ctx) }

// Status returns the supervisor's externally visible state.
func (g *Gateway) Status() Snapshot { return g.sup.Snapshot() }

// Configured reports whether a persisted backend configuration exists.
func (g *Gateway) Configured() bool { return g.sup.Configured() }

// RegisterUsageMetrics registers the backend usage gauges with r.
func (g *Gateway) RegisterUsageMetrics(r prometheus.Registerer) error {
	return g.usage.Register(r)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics from the
// default registry. It blocks in the caller's goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
