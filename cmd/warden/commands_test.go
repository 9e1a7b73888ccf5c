package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestCommand(t *testing.T) command {
	t.Helper()
	return command{sessions: &SessionManager{sessionPath: filepath.Join(t.TempDir(), "session.json")}}
}

// captureStdout runs fn with os.Stdout redirected to a pipe.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	callErr := fn()
	_ = w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	_ = r.Close()
	return buf.String(), callErr
}

type fakeDaemon struct {
	ts       *httptest.Server
	password string

	mu       sync.Mutex
	lastAuth string
	lastBody []byte
}

func (fd *fakeDaemon) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (fd *fakeDaemon) authorize(w http.ResponseWriter, r *http.Request) bool {
	fd.mu.Lock()
	fd.lastAuth = r.Header.Get("Authorization")
	fd.mu.Unlock()

	if r.Header.Get("Authorization") == "Bearer tok-1" {
		return true
	}
	if _, pw, ok := r.BasicAuth(); ok && pw == fd.password {
		return true
	}
	fd.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
	return false
}

func (fd *fakeDaemon) auth() string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.lastAuth
}

func (fd *fakeDaemon) body() []byte {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return fd.lastBody
}

func newFakeDaemon(t *testing.T, password string) *fakeDaemon {
	t.Helper()
	fd := &fakeDaemon{password: password}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fd.writeJSON(w, http.StatusOK, map[string]any{
			"ok":         true,
			"configured": true,
			"backend":    map[string]any{"state": "running", "reachable": true},
		})
	})
	mux.HandleFunc("/_warden/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != fd.password {
			fd.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid password"})
			return
		}
		fd.writeJSON(w, http.StatusOK, map[string]any{
			"token":      "tok-1",
			"expires_at": time.Now().Add(time.Hour),
		})
	})
	mux.HandleFunc("/_warden/status", func(w http.ResponseWriter, r *http.Request) {
		if !fd.authorize(w, r) {
			return
		}
		fd.writeJSON(w, http.StatusOK, map[string]any{
			"backend":    map[string]any{"state": "running", "pid": 42},
			"configured": true,
		})
	})
	mux.HandleFunc("/_warden/config", func(w http.ResponseWriter, r *http.Request) {
		if !fd.authorize(w, r) {
			return
		}
		if r.Method == http.MethodPut {
			b, _ := io.ReadAll(r.Body)
			fd.mu.Lock()
			fd.lastBody = b
			fd.mu.Unlock()
			fd.writeJSON(w, http.StatusOK, map[string]any{"state": "running", "pid": 43})
			return
		}
		fd.writeJSON(w, http.StatusOK, map[string]any{
			"path": "/data/config/backend.json", "exists": true, "content": `{"a":1}`,
		})
	})
	mux.HandleFunc("/_warden/console", func(w http.ResponseWriter, r *http.Request) {
		if !fd.authorize(w, r) {
			return
		}
		fd.writeJSON(w, http.StatusOK, map[string]any{"ok": false, "output": "boom\n", "exit_code": 3})
	})
	mux.HandleFunc("/_warden/export", func(w http.ResponseWriter, r *http.Request) {
		if !fd.authorize(w, r) {
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write([]byte("fake-archive"))
	})
	mux.HandleFunc("/_warden/journal", func(w http.ResponseWriter, r *http.Request) {
		if !fd.authorize(w, r) {
			return
		}
		fd.writeJSON(w, http.StatusOK, []any{})
	})

	fd.ts = httptest.NewServer(mux)
	t.Cleanup(fd.ts.Close)
	return fd
}

func TestStatusCommandPrintsSnapshot(t *testing.T) {
	fd := newFakeDaemon(t, "pw")
	c := newTestCommand(t)

	out, err := captureStdout(t, func() error {
		return c.Status(ConnFlags{ServerURL: fd.ts.URL, Password: "pw"})
	})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"state": "running"`) {
		t.Fatalf("unexpected status output: %s", out)
	}
}

func TestStatusWithoutCredentialsSuggestsLogin(t *testing.T) {
	fd := newFakeDaemon(t, "pw")
	c := newTestCommand(t)

	err := c.Status(ConnFlags{ServerURL: fd.ts.URL})
	if err == nil {
		t.Fatal("expected auth error")
	}
	if !strings.Contains(err.Error(), "warden login") {
		t.Fatalf("error should suggest login: %v", err)
	}
}

func TestDaemonNotReachable(t *testing.T) {
	c := newTestCommand(t)

	err := c.Status(ConnFlags{ServerURL: "http://127.0.0.1:1", Timeout: time.Second})
	if err == nil {
		t.Fatal("expected reachability error")
	}
	if !strings.Contains(err.Error(), "daemon not reachable") || !strings.Contains(err.Error(), "warden serve") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoginLogoutFlow(t *testing.T) {
	fd := newFakeDaemon(t, "pw")
	c := newTestCommand(t)

	out, err := captureStdout(t, func() error {
		return c.Login(ConnFlags{ServerURL: fd.ts.URL, Password: "pw"})
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out, "Login successful!") {
		t.Fatalf("unexpected login output: %s", out)
	}

	session, err := c.sessions.LoadSession()
	if err != nil || session == nil {
		t.Fatalf("session not saved: %v, %+v", err, session)
	}
	if session.Token != "tok-1" || session.ServerURL != fd.ts.URL {
		t.Fatalf("unexpected session: %+v", session)
	}

	// The saved session supplies both the URL and the token.
	if _, err := captureStdout(t, func() error { return c.Status(ConnFlags{}) }); err != nil {
		t.Fatalf("status with session: %v", err)
	}
	if fd.auth() != "Bearer tok-1" {
		t.Fatalf("expected bearer token auth, got %q", fd.auth())
	}

	out, err = captureStdout(t, func() error { return c.Logout() })
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !strings.Contains(out, "Logged out successfully") {
		t.Fatalf("unexpected logout output: %s", out)
	}

	out, err = captureStdout(t, func() error { return c.Logout() })
	if err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if !strings.Contains(out, "No active session found") {
		t.Fatalf("unexpected second logout output: %s", out)
	}
}

func TestLoginRequiresPassword(t *testing.T) {
	c := newTestCommand(t)
	if err := c.Login(ConnFlags{}); err == nil || !strings.Contains(err.Error(), "--password") {
		t.Fatalf("expected password requirement, got %v", err)
	}
}

func TestConfigSetUploadsFile(t *testing.T) {
	fd := newFakeDaemon(t, "pw")
	c := newTestCommand(t)

	cfgFile := filepath.Join(t.TempDir(), "backend.json")
	if err := os.WriteFile(cfgFile, []byte(`{"listen":":9181"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := captureStdout(t, func() error {
		return c.ConfigSet(ConnFlags{ServerURL: fd.ts.URL, Password: "pw"}, ConfigSetFlags{File: cfgFile})
	})
	if err != nil {
		t.Fatalf("config set: %v", err)
	}
	if !strings.Contains(out, "Configuration saved") {
		t.Fatalf("unexpected output: %s", out)
	}
	if string(fd.body()) != `{"listen":":9181"}` {
		t.Fatalf("daemon received %q", fd.body())
	}
}

func TestConfigGetWritesOutputFile(t *testing.T) {
	fd := newFakeDaemon(t, "pw")
	c := newTestCommand(t)

	out := filepath.Join(t.TempDir(), "backend.json")
	_, err := captureStdout(t, func() error {
		return c.ConfigGet(ConnFlags{ServerURL: fd.ts.URL, Password: "pw"}, ConfigGetFlags{Output: out})
	})
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("output file: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("unexpected config content: %s", data)
	}
}

func TestExportWritesArchive(t *testing.T) {
	fd := newFakeDaemon(t, "pw")
	c := newTestCommand(t)

	output := filepath.Join(t.TempDir(), "backup.tar.gz")
	out, err := captureStdout(t, func() error {
		return c.Export(ConnFlags{ServerURL: fd.ts.URL, Password: "pw"}, ExportFlags{Output: output})
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, "Exported 12 bytes") {
		t.Fatalf("unexpected output: %s", out)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fake-archive" {
		t.Fatalf("unexpected archive content: %q", data)
	}
}

func TestConsoleSurfacesExitCode(t *testing.T) {
	fd := newFakeDaemon(t, "pw")
	c := newTestCommand(t)

	out, err := captureStdout(t, func() error {
		return c.Console(ConnFlags{ServerURL: fd.ts.URL, Password: "pw"}, "version", "")
	})
	if err == nil || !strings.Contains(err.Error(), "status 3") {
		t.Fatalf("expected exit status error, got %v", err)
	}
	if !strings.Contains(out, "boom") {
		t.Fatalf("command output should be printed before the error: %s", out)
	}
}

func TestTemplateCommandOutputs(t *testing.T) {
	c := newTestCommand(t)

	out, err := captureStdout(t, func() error {
		return c.Template(TemplateFlags{Profile: "local"})
	})
	if err != nil {
		t.Fatalf("template: %v", err)
	}
	if !strings.Contains(out, "[backend]") || !strings.Contains(out, "[auth]") {
		t.Fatalf("scaffold missing sections: %s", out)
	}

	path := filepath.Join(t.TempDir(), "warden.toml")
	if _, err := captureStdout(t, func() error {
		return c.Template(TemplateFlags{Profile: "systemd", Output: path})
	}); err != nil {
		t.Fatalf("template to file: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("template file not written: %v", err)
	}

	if _, err := captureStdout(t, func() error {
		return c.Template(TemplateFlags{Profile: "systemd", Output: path})
	}); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}

	if _, err := captureStdout(t, func() error {
		return c.Template(TemplateFlags{Profile: "systemd", Output: path, Force: true})
	}); err != nil {
		t.Fatalf("template --force: %v", err)
	}

	if err := c.Template(TemplateFlags{Profile: "nope"}); err == nil {
		t.Fatal("unknown profile should fail")
	}
}
