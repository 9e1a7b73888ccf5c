package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/warden/internal/logger"
	"github.com/spf13/viper"
)

// Defaults applied by Normalize when the TOML leaves a field unset.
const (
	DefaultListen         = "127.0.0.1:9180"
	DefaultBasePath       = "/_warden"
	DefaultBackendHost    = "127.0.0.1"
	DefaultBackendPort    = 9181
	DefaultGracePeriod    = 10 * time.Second
	DefaultProbeInterval  = 250 * time.Millisecond
	DefaultProbeDeadline  = 20 * time.Second
	DefaultConfigMaxBytes = 1 << 20   // 1 MiB
	DefaultImportMaxBytes = 256 << 20 // 256 MiB
	DefaultTokenTTL       = 12 * time.Hour
	DefaultDiagCooldown   = 5 * time.Minute
	DefaultDiagTailBytes  = 64 << 10
	DefaultStoreType      = "sqlite"
	DefaultConsoleTimeout = 10 * time.Second
)

// Config is the gateway daemon configuration, loaded from a TOML file.
//
//	root = "/var/lib/warden"
//
//	[server]
//	listen = "127.0.0.1:9180"
//	base_path = "/_warden"
//
//	[backend]
//	command = "/usr/local/bin/backendd"
//	args = ["serve"]
//
//	[auth]
//	password_hash = "$2a$10$..."
type Config struct {
	Root    string        `mapstructure:"root"`
	Server  ServerConfig  `mapstructure:"server"`
	Backend BackendConfig `mapstructure:"backend"`
	Probe   ProbeConfig   `mapstructure:"probe"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Store   StoreConfig   `mapstructure:"store"`
	History HistoryConfig `mapstructure:"history"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Diag    DiagConfig    `mapstructure:"diag"`
	Console ConsoleConfig `mapstructure:"console"`
}

// ServerConfig describes the gateway's own listener.
type ServerConfig struct {
	Listen        string     `mapstructure:"listen"`
	BasePath      string     `mapstructure:"base_path"`
	PIDFile       string     `mapstructure:"pid_file"`
	TLS           *TLSConfig `mapstructure:"tls"`
	TLSMinVersion string     `mapstructure:"tls_min_version"`
	TLSMaxVersion string     `mapstructure:"tls_max_version"`
}

type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	Dir          string      `mapstructure:"dir"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// BackendConfig tells the supervisor how to launch and address the backend.
// ConfigFile pins the backend configuration to an explicit path, possibly
// outside the storage root; archive import refuses to run in that mode.
type BackendConfig struct {
	Command       string        `mapstructure:"command"`
	Args          []string      `mapstructure:"args"`
	ConfigFile    string        `mapstructure:"config_file"`
	WorkDir       string        `mapstructure:"workdir"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Env           []string      `mapstructure:"env"`
	EnvFiles      []string      `mapstructure:"env_files"`
	UseOSEnv      bool          `mapstructure:"use_os_env"`
	GracePeriod   time.Duration `mapstructure:"grace_period"`
	KillOnTimeout bool          `mapstructure:"kill_on_timeout"`
	PIDFile       string        `mapstructure:"pidfile"`
}

// Addr returns the host:port the backend is expected to listen on.
func (b BackendConfig) Addr() string {
	return net.JoinHostPort(b.Host, fmt.Sprintf("%d", b.Port))
}

// ProbeConfig controls readiness polling after a spawn.
type ProbeConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Deadline time.Duration `mapstructure:"deadline"`
	Paths    []string      `mapstructure:"paths"`
}

// LimitsConfig holds request body ceilings for the admin surface.
type LimitsConfig struct {
	ConfigMaxBytes int64 `mapstructure:"config_max_bytes"`
	ImportMaxBytes int64 `mapstructure:"import_max_bytes"`
}

// AuthConfig gates the admin surface. Password is hashed at boot when
// PasswordHash is not given; PasswordHash wins when both are set.
type AuthConfig struct {
	Password     string        `mapstructure:"password"`
	PasswordHash string        `mapstructure:"password_hash"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

// StoreConfig selects the run journal backend.
type StoreConfig struct {
	Type     string `mapstructure:"type"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the journal selection for the DSN-based store factory.
func (s StoreConfig) DSN() string {
	switch s.Type {
	case "postgres", "postgresql":
		host := s.Host
		if host == "" {
			host = "localhost"
		}
		port := s.Port
		if port == 0 {
			port = 5432
		}
		ssl := s.SSLMode
		if ssl == "" {
			ssl = "disable"
		}
		u := url.URL{
			Scheme:   "postgres",
			Host:     net.JoinHostPort(host, fmt.Sprintf("%d", port)),
			Path:     "/" + s.Database,
			RawQuery: "sslmode=" + url.QueryEscape(ssl),
		}
		if s.Username != "" {
			u.User = url.UserPassword(s.Username, s.Password)
		}
		return u.String()
	default:
		return s.Path
	}
}

// HistoryConfig selects the audit event sink by DSN; empty disables it.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// DiagConfig controls failure report collection.
type DiagConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
	Dir       string        `mapstructure:"dir"`
	TailBytes int           `mapstructure:"tail_bytes"`
}

// ConsoleConfig extends the built-in console command set. Each extra
// command is a fixed argv; "{arg}" marks where the single validated
// caller parameter is substituted.
type ConsoleConfig struct {
	Timeout  time.Duration          `mapstructure:"timeout"`
	Commands []ConsoleCommandConfig `mapstructure:"commands"`
}

type ConsoleCommandConfig struct {
	Name string   `mapstructure:"name"`
	Argv []string `mapstructure:"argv"`
}

// Load reads, normalizes and validates a gateway configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	// Bools that default to true need viper defaults; zero values are
	// indistinguishable from "unset" after Unmarshal.
	v.SetDefault("backend.use_os_env", true)
	v.SetDefault("backend.kill_on_timeout", true)
	v.SetDefault("diag.enabled", true)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Normalize fills defaults and derives storage-root-relative paths.
func (c *Config) Normalize() {
	if c.Root == "" {
		c.Root = "warden-data"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultBasePath
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		c.Server.BasePath = "/" + c.Server.BasePath
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	if c.Backend.Host == "" {
		c.Backend.Host = DefaultBackendHost
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = DefaultBackendPort
	}
	if c.Backend.GracePeriod <= 0 {
		c.Backend.GracePeriod = DefaultGracePeriod
	}
	if c.Backend.PIDFile == "" {
		c.Backend.PIDFile = filepath.Join(c.Root, "backend.pid")
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = DefaultProbeInterval
	}
	if c.Probe.Deadline <= 0 {
		c.Probe.Deadline = DefaultProbeDeadline
	}
	if len(c.Probe.Paths) == 0 {
		c.Probe.Paths = []string{"/"}
	}
	if c.Limits.ConfigMaxBytes <= 0 {
		c.Limits.ConfigMaxBytes = DefaultConfigMaxBytes
	}
	if c.Limits.ImportMaxBytes <= 0 {
		c.Limits.ImportMaxBytes = DefaultImportMaxBytes
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Store.Type == "" {
		c.Store.Type = DefaultStoreType
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Root, "warden.db")
	}
	if c.Log.File.Dir == "" {
		c.Log.File.Dir = filepath.Join(c.Root, "logs")
	}
	if c.Diag.Cooldown <= 0 {
		c.Diag.Cooldown = DefaultDiagCooldown
	}
	if c.Diag.TailBytes <= 0 {
		c.Diag.TailBytes = DefaultDiagTailBytes
	}
	if c.Diag.Dir == "" {
		c.Diag.Dir = filepath.Join(c.Root, "diag")
	}
	if c.Console.Timeout <= 0 {
		c.Console.Timeout = DefaultConsoleTimeout
	}
}

// Validate rejects configurations the daemon cannot serve with.
func (c *Config) Validate() error {
	if c.Backend.Command == "" {
		return errors.New("backend.command is required")
	}
	if c.Auth.Password == "" && c.Auth.PasswordHash == "" {
		return errors.New("auth.password or auth.password_hash is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen %q: %w", c.Server.Listen, err)
	}
	if c.Backend.Port < 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port %d out of range", c.Backend.Port)
	}
	for _, p := range c.Probe.Paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("probe path %q must start with /", p)
		}
	}
	switch c.Store.Type {
	case "sqlite", "postgresql", "postgres":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	for _, cc := range c.Console.Commands {
		if cc.Name == "" || len(cc.Argv) == 0 {
			return fmt.Errorf("console command %q needs a name and an argv", cc.Name)
		}
	}
	return nil
}

// BackendEnv composes the configured backend environment: env_files in
// order, then the inline env list. The gateway-computed variables are
// appended by the supervisor at launch.
func (c *Config) BackendEnv() ([]string, error) {
	m := make(map[string]string)
	for _, p := range c.Backend.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Backend.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			if k == "" {
				continue
			}
			m[k] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
