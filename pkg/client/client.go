// Package client is a typed HTTP client for the warden admin API.
// The CLI subcommands and embedding programs use it to drive a running
// gateway instead of hand-rolling requests.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to a warden gateway's admin surface.
type Client struct {
	origin   string // scheme://host:port, no trailing slash
	base     string // admin mount, e.g. "/_warden"
	password string
	token    string
	ctl      *http.Client
	stream   *http.Client
	logger   *slog.Logger
}

// Config holds client configuration.
type Config struct {
	// BaseURL is the gateway origin, e.g. "https://edge01:9180".
	BaseURL string
	// BasePath is the admin mount the gateway was started with.
	BasePath string
	// Password authenticates requests with HTTP basic auth. A Token,
	// whether set here or obtained via Login, takes precedence.
	Password string
	Token    string
	// Timeout bounds control calls. Export and import run on a
	// separate client with no deadline; archives can take a while.
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool
}

// DefaultConfig returns a configuration for a gateway on the default
// loopback listen address.
func DefaultConfig() Config {
	return Config{
		BaseURL:  "http://127.0.0.1:9180",
		BasePath: "/_warden",
		Timeout:  15 * time.Second,
	}
}

// New creates a warden API client. A TLS setup failure is logged and
// the client falls back to the default transport.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:9180"
	}
	if config.BasePath == "" {
		config.BasePath = "/_warden"
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if (config.TLS != nil && config.TLS.Enabled) || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("client TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	base := "/" + strings.Trim(config.BasePath, "/")
	if base == "/" {
		base = ""
	}
	return &Client{
		origin:   strings.TrimRight(config.BaseURL, "/"),
		base:     base,
		password: config.Password,
		token:    config.Token,
		logger:   config.Logger,
		ctl: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		stream: &http.Client{
			Transport: transport,
		},
	}
}

// SetToken installs a bearer token for subsequent requests, replacing
// basic auth.
func (c *Client) SetToken(token string) { c.token = token }

// Origin returns the gateway origin this client talks to.
func (c *Client) Origin() string { return c.origin }

// Login exchanges the admin password for a session token and installs
// it on the client.
func (c *Client) Login(ctx context.Context, password string) (Session, error) {
	var s Session
	err := c.postJSON(ctx, c.adminURL("/login"), map[string]string{"password": password}, &s)
	if err != nil {
		return Session{}, err
	}
	c.token = s.Token
	return s, nil
}

// Health fetches the unauthenticated liveness payload.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, c.origin+"/healthz", &h)
	return h, err
}

// IsReachable reports whether a gateway answers on the configured
// origin at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	if _, err := c.Health(ctx); err != nil {
		c.logger.Debug("gateway unreachable", "error", err)
		return false
	}
	return true
}

// Status fetches the administrative status view.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var s Status
	err := c.getJSON(ctx, c.adminURL("/status"), &s)
	return s, err
}

// ConfigGet fetches the stored backend configuration.
func (c *Client) ConfigGet(ctx context.Context) (ConfigState, error) {
	var cs ConfigState
	err := c.getJSON(ctx, c.adminURL("/config"), &cs)
	return cs, err
}

// ConfigSet replaces the backend configuration and restarts the
// backend. On a 503 the write persisted but the restart failed; the
// returned *APIError carries the gateway's hint.
func (c *Client) ConfigSet(ctx context.Context, content []byte) (BackendSnapshot, error) {
	var snap BackendSnapshot
	req, err := c.newRequest(ctx, http.MethodPut, c.adminURL("/config"), bytes.NewReader(content))
	if err != nil {
		return snap, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.ctl.Do(req)
	if err != nil {
		return snap, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return snap, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode response: %w", err)
	}
	return snap, nil
}

// Console runs an allow-listed command on the gateway host.
func (c *Client) Console(ctx context.Context, cmd, arg string) (ConsoleResult, error) {
	var res ConsoleResult
	body := map[string]string{"cmd": cmd, "arg": arg}
	err := c.postJSON(ctx, c.adminURL("/console"), body, &res)
	return res, err
}

// Export streams the gateway's state archive into w and returns the
// number of bytes written.
func (c *Client) Export(ctx context.Context, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.adminURL("/export"), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("read archive: %w", err)
	}
	return n, nil
}

// Import uploads a state archive. size, when known, becomes the
// declared content length so the gateway can refuse oversized uploads
// without stopping the backend. The returned string is the gateway's
// plain-text summary.
func (c *Client) Import(ctx context.Context, archive io.Reader, size int64) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, c.adminURL("/import"), archive)
	if err != nil {
		return "", err
	}
	if size > 0 {
		req.ContentLength = size
	}
	req.Header.Set("Content-Type", "application/gzip")
	resp, err := c.stream.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

// Start asks the gateway to start the backend.
func (c *Client) Start(ctx context.Context) (BackendSnapshot, error) {
	return c.lifecycle(ctx, "/start")
}

// Stop asks the gateway to stop the backend.
func (c *Client) Stop(ctx context.Context) (BackendSnapshot, error) {
	return c.lifecycle(ctx, "/stop")
}

// Restart asks the gateway to stop and relaunch the backend.
func (c *Client) Restart(ctx context.Context) (BackendSnapshot, error) {
	return c.lifecycle(ctx, "/restart")
}

func (c *Client) lifecycle(ctx context.Context, path string) (BackendSnapshot, error) {
	var snap BackendSnapshot
	err := c.postJSON(ctx, c.adminURL(path), nil, &snap)
	return snap, err
}

// Journal fetches recent backend state transitions, newest first.
func (c *Client) Journal(ctx context.Context, limit int) ([]JournalEvent, error) {
	url := c.adminURL("/journal")
	if limit > 0 {
		url += "?limit=" + strconv.Itoa(limit)
	}
	var events []JournalEvent
	err := c.getJSON(ctx, url, &events)
	return events, err
}

func (c *Client) adminURL(path string) string {
	return c.origin + c.base + path
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.password != "" {
		req.SetBasicAuth("admin", c.password)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.ctl.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "url", req.URL.String(), "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus converts a non-2xx response into an *APIError, decoding
// the gateway's JSON error body when there is one.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

// setupClientTLS configures TLS settings for the HTTP transport.
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads a CA certificate from file and adds it to the pool.
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}
