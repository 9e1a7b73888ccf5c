package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultInterval = 250 * time.Millisecond
	DefaultDeadline = 20 * time.Second
)

// ErrTimeout is returned by Wait when the deadline passes without the
// backend producing a single HTTP response.
var ErrTimeout = errors.New("no response before readiness deadline")

// Prober polls backend HTTP paths until any response arrives. The
// response status is deliberately ignored: a 404 or 500 still proves
// the process owns the socket and speaks HTTP, which is all readiness
// means here.
type Prober struct {
	baseURL  string
	paths    []string
	interval time.Duration
	deadline time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// Options tunes the polling loop. Zero values fall back to defaults.
type Options struct {
	Paths    []string
	Interval time.Duration
	Deadline time.Duration
	Logger   *slog.Logger
}

// New builds a prober against baseURL, e.g. "http://127.0.0.1:9000".
func New(baseURL string, opts Options) *Prober {
	p := &Prober{
		baseURL:  strings.TrimRight(baseURL, "/"),
		paths:    opts.Paths,
		interval: opts.Interval,
		deadline: opts.Deadline,
		logger:   opts.Logger,
	}
	if len(p.paths) == 0 {
		p.paths = []string{"/"}
	}
	for i, path := range p.paths {
		if !strings.HasPrefix(path, "/") {
			p.paths[i] = "/" + path
		}
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.deadline <= 0 {
		p.deadline = DefaultDeadline
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	// Cap each attempt at one interval so a hung connect cannot stall
	// the loop past its tick.
	p.client = &http.Client{Timeout: p.interval}
	return p
}

// Wait blocks until the backend answers any probe request, the
// deadline passes, or ctx is canceled. It probes once immediately and
// then on every tick.
func (p *Prober) Wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	started := time.Now()
	for {
		if path, ok := p.attempt(ctx); ok {
			p.logger.Debug("backend answered readiness probe", "path", path, "elapsed", time.Since(started).Round(time.Millisecond))
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w (waited %s)", ErrTimeout, time.Since(started).Round(time.Millisecond))
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// attempt tries each candidate path once and reports the first that
// yields an HTTP response of any status.
func (p *Prober) attempt(ctx context.Context) (string, bool) {
	for _, path := range p.paths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
		if err != nil {
			continue
		}
		resp, err := p.client.Do(req)
		if err != nil {
			continue
		}
		_ = resp.Body.Close()
		return path, true
	}
	return "", false
}
