package diag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/store"
)

const (
	DefaultCooldown  = 5 * time.Minute
	DefaultTailBytes = 64 << 10
	journalEntries   = 30
)

// Collector writes plain-text failure reports: the failure reason, the
// supervisor snapshot handed in by the caller, recent journal entries and
// the tails of the backend's capture logs. Collection is rate-limited so a
// crash-looping backend produces one report per cool-down window, not one
// per start attempt.
type Collector struct {
	dir       string
	cooldown  time.Duration
	tailBytes int
	logCfg    logger.Config
	journal   store.Store
	logger    *slog.Logger

	mu       sync.Mutex
	lastAt   time.Time
	lastPath string
}

type Options struct {
	Dir       string
	Cooldown  time.Duration
	TailBytes int
	Log       logger.Config // locates the backend capture files
	Journal   store.Store   // optional
	Logger    *slog.Logger
}

func New(opts Options) *Collector {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.TailBytes <= 0 {
		opts.TailBytes = DefaultTailBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Collector{
		dir:       opts.Dir,
		cooldown:  opts.Cooldown,
		tailBytes: opts.TailBytes,
		logCfg:    opts.Log,
		journal:   opts.Journal,
		logger:    opts.Logger,
	}
}

// Collect writes a report unless one was written within the cool-down
// window. It returns the path of the report written for this failure, or
// the previous report's path when suppressed.
func (c *Collector) Collect(ctx context.Context, reason string, extra map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastAt.IsZero() && time.Since(c.lastAt) < c.cooldown {
		c.logger.Debug("diagnostic collection suppressed by cool-down",
			"last", c.lastAt, "cooldown", c.cooldown)
		return c.lastPath, nil
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	// The window opens at the attempt, not at success, so a failing disk
	// cannot turn a crash loop into a write loop.
	c.lastAt = now

	if err := os.MkdirAll(c.dir, 0o750); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}
	path := filepath.Join(c.dir, "report-"+id+".txt")

	var b strings.Builder
	fmt.Fprintf(&b, "warden diagnostic report %s\n", id)
	fmt.Fprintf(&b, "collected_at: %s\n", now.Format(time.RFC3339Nano))
	fmt.Fprintf(&b, "reason: %s\n", reason)

	if len(extra) > 0 {
		b.WriteString("\n[supervisor]\n")
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, extra[k])
		}
	}

	c.writeJournal(ctx, &b)
	c.writeLogTails(&b)
	c.writeEnvNames(&b)

	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", fmt.Errorf("write diagnostic report: %w", err)
	}
	c.lastPath = path
	metrics.IncDiagReport()
	c.logger.Info("diagnostic report collected", "path", path, "reason", reason)
	return path, nil
}

// LastReport returns the most recent report path and its collection time.
func (c *Collector) LastReport() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPath, c.lastAt
}

func (c *Collector) writeJournal(ctx context.Context, b *strings.Builder) {
	if c.journal == nil {
		return
	}
	events, err := c.journal.RecentEvents(ctx, journalEntries)
	if err != nil {
		fmt.Fprintf(b, "\n[journal]\nunavailable: %v\n", err)
		return
	}
	b.WriteString("\n[journal]\n")
	for _, ev := range events {
		fmt.Fprintf(b, "%s %s", ev.At.Format(time.RFC3339), ev.State)
		if ev.Detail != "" {
			fmt.Fprintf(b, " %s", ev.Detail)
		}
		b.WriteByte('\n')
	}
}

func (c *Collector) writeLogTails(b *strings.Builder) {
	stdout, stderr := c.logCfg.StreamPaths("backend")
	for _, p := range []struct{ label, path string }{
		{"backend stdout", stdout},
		{"backend stderr", stderr},
	} {
		if p.path == "" {
			continue
		}
		fmt.Fprintf(b, "\n[%s tail] %s\n", p.label, p.path)
		tail, err := tailFile(p.path, int64(c.tailBytes))
		if err != nil {
			fmt.Fprintf(b, "unavailable: %v\n", err)
			continue
		}
		b.WriteString(tail)
		if !strings.HasSuffix(tail, "\n") {
			b.WriteByte('\n')
		}
	}
}

// writeEnvNames records which variables the daemon sees without their
// values; names alone are enough to spot a missing or misspelled variable.
func (c *Collector) writeEnvNames(b *strings.Builder) {
	names := make([]string, 0, 64)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			names = append(names, kv[:i])
		}
	}
	sort.Strings(names)
	b.WriteString("\n[environment names]\n")
	b.WriteString(strings.Join(names, " "))
	b.WriteByte('\n')
}

// tailFile returns up to n trailing bytes of the file at path.
func tailFile(path string, n int64) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
