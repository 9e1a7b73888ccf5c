// Package proxy routes non-administrative traffic to the backend child.
// Standard requests go through a reverse proxy; protocol upgrades are
// tunneled byte-for-byte over a hijacked connection. Either way the
// backend is started on demand before the first byte is forwarded.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/warden/internal/metrics"
)

// ErrUnreachable classifies dial and round-trip failures against a
// backend that was reported ready. Each affected request gets a 502;
// the router itself keeps serving.
var ErrUnreachable = errors.New("backend unreachable")

// Backend is the supervisor surface the router needs.
type Backend interface {
	// EnsureRunning blocks until the backend is ready or the attempt fails.
	EnsureRunning(ctx context.Context) error
	// Configured reports whether a backend configuration exists at all.
	Configured() bool
	// Hint describes the last failure for service-unavailable responses.
	Hint() string
}

type Options struct {
	// TargetURL is the backend base, e.g. "http://127.0.0.1:9181".
	TargetURL string
	// AdminBase is where unconfigured browsers get redirected, e.g. "/_warden".
	AdminBase string
	Backend   Backend
	// EnsureTimeout bounds the per-request wait for a backend start.
	EnsureTimeout time.Duration
	// DialTimeout bounds the backend dial for upgrade tunnels.
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Router is an http.Handler meant to hang off the gin NoRoute hook.
type Router struct {
	target        *url.URL
	adminBase     string
	backend       Backend
	rp            *httputil.ReverseProxy
	ensureTimeout time.Duration
	dialTimeout   time.Duration
	logger        *slog.Logger
}

func New(opts Options) (*Router, error) {
	target, err := url.Parse(opts.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend target %q: %w", opts.TargetURL, err)
	}
	if opts.EnsureTimeout <= 0 {
		opts.EnsureTimeout = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	rt := &Router{
		target:        target,
		adminBase:     strings.TrimRight(opts.AdminBase, "/"),
		backend:       opts.Backend,
		ensureTimeout: opts.EnsureTimeout,
		dialTimeout:   opts.DialTimeout,
		logger:        opts.Logger,
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout: opts.DialTimeout,
		}).DialContext,
		ForceAttemptHTTP2: false,
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		metrics.IncProxyError("unreachable")
		rt.logger.Warn("backend unreachable", "path", r.URL.Path, "error", err)
		http.Error(w, fmt.Sprintf("%v: %v", ErrUnreachable, err), http.StatusBadGateway)
	}
	rt.rp = rp
	return rt, nil
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !rt.backend.Configured() {
		if isUpgrade(r) {
			// An upgrade handshake cannot follow a redirect; there is
			// no tunnel target, so the connection is closed.
			metrics.IncProxyError("unconfigured")
			rt.terminate(w)
			return
		}
		metrics.IncProxyRequest("redirect")
		http.Redirect(w, r, rt.adminBase+"/", http.StatusFound)
		return
	}

	ensureCtx, cancel := context.WithTimeout(r.Context(), rt.ensureTimeout)
	err := rt.backend.EnsureRunning(ensureCtx)
	cancel()
	if err != nil {
		metrics.IncProxyError("not_ready")
		rt.unavailable(w, err)
		return
	}

	if isUpgrade(r) {
		rt.tunnel(w, r)
		return
	}
	metrics.IncProxyRequest("http")
	rt.rp.ServeHTTP(w, r)
}

// tunnel forwards a protocol-upgrade handshake to the backend and then
// bridges raw bytes in both directions until either side closes. The
// router never interprets the tunneled protocol.
func (rt *Router) tunnel(w http.ResponseWriter, r *http.Request) {
	metrics.IncProxyRequest("upgrade")

	backendConn, err := net.DialTimeout("tcp", rt.target.Host, rt.dialTimeout)
	if err != nil {
		metrics.IncProxyError("unreachable")
		rt.logger.Warn("tunnel: backend dial failed", "target", rt.target.Host, "error", err)
		http.Error(w, fmt.Sprintf("%v: %v", ErrUnreachable, err), http.StatusBadGateway)
		return
	}

	// Forward the original handshake verbatim, plus client address
	// metadata. The backend answers directly through the bridge.
	if clientIP, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		r.Header.Set("X-Forwarded-For", clientIP)
	}
	if err := r.Write(backendConn); err != nil {
		_ = backendConn.Close()
		rt.logger.Warn("tunnel: handshake forward failed", "error", err)
		http.Error(w, fmt.Sprintf("%v: %v", ErrUnreachable, err), http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = backendConn.Close()
		rt.logger.Error("tunnel: response writer does not support hijacking")
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		_ = backendConn.Close()
		rt.logger.Error("tunnel: hijack failed", "error", err)
		return
	}

	// The http server arms a read deadline before handing over the
	// connection; without clearing it the bridge dies immediately.
	_ = clientConn.SetDeadline(time.Time{})

	metrics.AddActiveTunnel(1)
	defer metrics.AddActiveTunnel(-1)

	rt.logger.Debug("tunnel: bridging", "path", r.URL.Path, "client", r.RemoteAddr)
	// clientBuf may hold bytes the server read ahead of the handshake.
	if err := bridge(clientConn, clientBuf.Reader, backendConn, backendConn); err != nil {
		rt.logger.Warn("tunnel: bridge error", "path", r.URL.Path, "error", err)
	}
	rt.logger.Debug("tunnel: closed", "path", r.URL.Path)
}

func (rt *Router) unavailable(w http.ResponseWriter, err error) {
	body := map[string]string{"error": "backend unavailable: " + err.Error()}
	if hint := rt.backend.Hint(); hint != "" && hint != err.Error() {
		body["hint"] = hint
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(body)
}

// terminate closes an upgrade connection that has no tunnel target.
func (rt *Router) terminate(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	w.Header().Set("Connection", "close")
	http.Error(w, "gateway is not configured", http.StatusServiceUnavailable)
}

// isUpgrade reports whether the request asks for a protocol upgrade.
func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}
