// Package console runs a closed set of diagnostic commands on behalf of
// the admin API. Caller input never reaches a shell: commands are fixed
// argv templates and the single optional parameter is validated against
// a restrictive character class before substitution.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/warden/internal/metrics"
)

var (
	// ErrNotAllowed marks a command identifier outside the allowlist.
	ErrNotAllowed = errors.New("command is not allowlisted")
	// ErrInvalidArgument marks a parameter that failed validation.
	ErrInvalidArgument = errors.New("invalid console parameter")
)

// ParamPlaceholder marks where the validated caller parameter lands in
// an argv template.
const ParamPlaceholder = "{arg}"

const redactedMark = "[redacted]"

// paramPattern is the only shape a caller-supplied parameter may take.
var paramPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Redaction is best-effort display hygiene, not a security boundary:
// key=value style secrets and bearer tokens are blanked from output.
var (
	kvSecretPattern = regexp.MustCompile(`(?i)([\w-]*(?:token|password|passwd|secret|key))(["']?\s*[=:]\s*["']?)[^\s"']+`)
	bearerPattern   = regexp.MustCompile(`(?i)\b(bearer\s+)[A-Za-z0-9._~+/=-]+`)
)

// Command is one allowlisted operation: a fixed argv template that may
// embed ParamPlaceholder exactly where the caller parameter goes.
type Command struct {
	Name string
	Argv []string
}

func (c Command) expand(arg string) ([]string, error) {
	idx := -1
	for i, a := range c.Argv {
		if strings.Contains(a, ParamPlaceholder) {
			idx = i
			break
		}
	}
	if idx < 0 {
		if arg != "" {
			return nil, fmt.Errorf("%w: command %q takes no parameter", ErrInvalidArgument, c.Name)
		}
		return append([]string(nil), c.Argv...), nil
	}
	if !paramPattern.MatchString(arg) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidArgument, arg)
	}
	argv := append([]string(nil), c.Argv...)
	argv[idx] = strings.ReplaceAll(argv[idx], ParamPlaceholder, arg)
	return argv, nil
}

// Defaults returns the built-in command set for a backend CLI binary.
func Defaults(backendCmd string) []Command {
	if backendCmd == "" {
		return nil
	}
	return []Command{
		{Name: "version", Argv: []string{backendCmd, "--version"}},
		{Name: "help", Argv: []string{backendCmd, "--help"}},
	}
}

// Result is the outcome of one console run. A non-zero exit is a valid
// result, not an executor error.
type Result struct {
	Cmd      string
	OK       bool
	Output   string
	ExitCode int
	Duration time.Duration
}

// Executor holds the closed command map. The set never changes after New.
type Executor struct {
	cmds    map[string]Command
	secrets []string
	timeout time.Duration
	logger  *slog.Logger
}

type Options struct {
	Commands []Command
	// Secrets are literal values (gateway token, backend token) blanked
	// from any command output.
	Secrets []string
	Timeout time.Duration
	Logger  *slog.Logger
}

func New(opts Options) (*Executor, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cmds := make(map[string]Command, len(opts.Commands))
	for _, c := range opts.Commands {
		if !paramPattern.MatchString(c.Name) {
			return nil, fmt.Errorf("console command name %q is not allowed", c.Name)
		}
		if len(c.Argv) == 0 {
			return nil, fmt.Errorf("console command %q has an empty argv", c.Name)
		}
		if _, dup := cmds[c.Name]; dup {
			return nil, fmt.Errorf("console command %q defined twice", c.Name)
		}
		cmds[c.Name] = c
	}
	return &Executor{
		cmds:    cmds,
		secrets: opts.Secrets,
		timeout: opts.Timeout,
		logger:  opts.Logger,
	}, nil
}

// Names lists the allowlisted identifiers, for the status endpoint.
func (e *Executor) Names() []string {
	names := make([]string, 0, len(e.cmds))
	for n := range e.cmds {
		names = append(names, n)
	}
	return names
}

// Run executes the named command with the optional parameter. Unknown
// identifiers and invalid parameters are rejected before any process is
// spawned. Output is redacted before it is returned.
func (e *Executor) Run(ctx context.Context, name, arg string) (Result, error) {
	var res Result
	cmd, ok := e.cmds[name]
	if !ok {
		metrics.IncConsoleRun(false)
		return res, fmt.Errorf("%w: %q", ErrNotAllowed, name)
	}
	argv, err := cmd.expand(arg)
	if err != nil {
		metrics.IncConsoleRun(false)
		return res, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	out, runErr := exec.CommandContext(runCtx, argv[0], argv[1:]...).CombinedOutput() // #nosec G204 -- argv comes from the closed allowlist
	res = Result{
		Cmd:      name,
		Output:   e.redact(string(out)),
		Duration: time.Since(started),
	}
	if runErr == nil {
		res.OK = true
		metrics.IncConsoleRun(true)
		e.logger.Info("console command ran", "cmd", name, "duration", res.Duration)
		return res, nil
	}

	metrics.IncConsoleRun(false)
	if runCtx.Err() != nil {
		return res, fmt.Errorf("console command %q timed out after %s", name, e.timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		// The command ran and failed; its output is the answer.
		res.ExitCode = exitErr.ExitCode()
		e.logger.Warn("console command failed", "cmd", name, "exit_code", res.ExitCode)
		return res, nil
	}
	return res, fmt.Errorf("run console command %q: %w", name, runErr)
}

func (e *Executor) redact(s string) string {
	for _, lit := range e.secrets {
		if lit != "" {
			s = strings.ReplaceAll(s, lit, redactedMark)
		}
	}
	s = kvSecretPattern.ReplaceAllString(s, "${1}${2}"+redactedMark)
	s = bearerPattern.ReplaceAllString(s, "${1}"+redactedMark)
	return s
}
