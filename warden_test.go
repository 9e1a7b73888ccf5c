package warden

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func writeGatewayConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := `
root = "` + filepath.Join(dir, "warden-data") + `"

[server]
listen = "127.0.0.1:19180"

[backend]
command = "/bin/true"
port = 19181

[auth]
password = "hunter2"
`
	p := filepath.Join(dir, "warden.toml")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfigAndNewGateway(t *testing.T) {
	cfg, err := LoadConfig(writeGatewayConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = g.Shutdown(context.Background()) }()

	if g.Configured() {
		t.Fatal("fresh gateway should report unconfigured")
	}
	if st := g.Status(); st.State != "stopped" {
		t.Fatalf("fresh gateway state = %q, want stopped", st.State)
	}

	rr := httptest.NewRecorder()
	g.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status %d: %s", rr.Code, rr.Body.String())
	}
	var health struct {
		OK         bool `json:"ok"`
		Configured bool `json:"configured"`
		Backend    struct {
			State     string `json:"state"`
			Reachable bool   `json:"reachable"`
		} `json:"backend"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatalf("healthz body: %v", err)
	}
	if !health.OK || health.Configured {
		t.Fatalf("unexpected health: %+v", health)
	}
	if health.Backend.State != "stopped" || health.Backend.Reachable {
		t.Fatalf("unexpected backend health: %+v", health.Backend)
	}
}

func TestGatewayAdminRequiresAuth(t *testing.T) {
	cfg, err := LoadConfig(writeGatewayConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = g.Shutdown(context.Background()) }()

	rr := httptest.NewRecorder()
	g.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/_warden/status", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/_warden/status", nil)
	req.SetBasicAuth("admin", "hunter2")
	rr = httptest.NewRecorder()
	g.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestGatewayHTTPServer(t *testing.T) {
	cfg, err := LoadConfig(writeGatewayConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = g.Shutdown(context.Background()) }()

	srv, err := g.HTTPServer()
	if err != nil {
		t.Fatalf("HTTPServer: %v", err)
	}
	if srv.Addr != "127.0.0.1:19180" {
		t.Fatalf("server addr = %q", srv.Addr)
	}
	if srv.TLSConfig != nil || g.TLSEnabled() {
		t.Fatal("TLS should be off by default")
	}
	// Proxied responses and imports may stream for a long time; only
	// header reads and idle keep-alives are bounded.
	if srv.ReadTimeout != 0 || srv.WriteTimeout != 0 {
		t.Fatalf("read/write timeouts must stay zero, got %v/%v", srv.ReadTimeout, srv.WriteTimeout)
	}
	if srv.ReadHeaderTimeout == 0 || srv.IdleTimeout == 0 {
		t.Fatal("header and idle timeouts must be set")
	}
}

func TestGatewayShutdownIdempotent(t *testing.T) {
	cfg, err := LoadConfig(writeGatewayConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := g.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}

	cfg, err := LoadConfig(writeGatewayConfig(t, t.TempDir()))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = g.Shutdown(context.Background()) }()

	ureg := prometheus.NewRegistry()
	if err := g.RegisterUsageMetrics(ureg); err != nil {
		t.Fatalf("RegisterUsageMetrics: %v", err)
	}
	if err := g.RegisterUsageMetrics(ureg); err != nil {
		t.Fatalf("RegisterUsageMetrics twice: %v", err)
	}
}
