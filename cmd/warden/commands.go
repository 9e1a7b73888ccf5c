package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/loykin/warden/pkg/client"
	"github.com/loykin/warden/pkg/template"
)

type command struct {
	sessions *SessionManager
}

// newClient builds an API client from connection flags and the saved
// session, if any. Explicit flags win over session values.
func (c *command) newClient(conn ConnFlags) *client.Client {
	cfg := client.DefaultConfig()

	session, err := c.sessions.LoadSession()
	if err != nil {
		session = nil
	}
	if session != nil && session.ServerURL != "" {
		cfg.BaseURL = session.ServerURL
	}

	if conn.ServerURL != "" {
		cfg.BaseURL = conn.ServerURL
	}
	if conn.BasePath != "" {
		cfg.BasePath = conn.BasePath
	}
	cfg.Password = conn.Password
	if conn.Timeout > 0 {
		cfg.Timeout = conn.Timeout
	}
	cfg.Insecure = conn.Insecure
	if conn.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{Enabled: true, CACert: conn.CACert}
	}

	cl := client.New(cfg)
	if session != nil {
		cl.SetToken(session.Token)
	}
	return cl
}

// connect returns a client after verifying the daemon answers at all.
func (c *command) connect(conn ConnFlags) (*client.Client, error) {
	cl := c.newClient(conn)
	if !cl.IsReachable(context.Background()) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'warden serve'", cl.Origin())
	}
	return cl, nil
}

// authHint augments 401 responses with the way out.
func authHint(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		return fmt.Errorf("%w - run 'warden login' or pass --password", apiErr)
	}
	return err
}

// Status prints the gateway status payload.
func (c *command) Status(conn ConnFlags) error {
	cl, err := c.connect(conn)
	if err != nil {
		return err
	}

	st, err := cl.Status(context.Background())
	if err != nil {
		return authHint(err)
	}
	printJSON(st)
	return nil
}

// ConfigGet fetches the stored backend configuration and prints it or
// writes it to a file.
func (c *command) ConfigGet(conn ConnFlags, f ConfigGetFlags) error {
	cl, err := c.connect(conn)
	if err != nil {
		return err
	}

	st, err := cl.ConfigGet(context.Background())
	if err != nil {
		return authHint(err)
	}
	if !st.Exists {
		return fmt.Errorf("no backend configuration stored yet (daemon expects it at %s)", st.Path)
	}

	if f.Output != "" {
		if err := os.WriteFile(f.Output, []byte(st.Content), 0o600); err != nil {
			return fmt.Errorf("failed to write config to %s: %w", f.Output, err)
		}
		fmt.Printf("Wrote backend configuration to %s\n", f.Output)
		return nil
	}
	fmt.Print(st.Content)
	return nil
}

// ConfigSet uploads a new backend configuration. The daemon persists it
// and restarts the backend; the new snapshot is printed.
func (c *command) ConfigSet(conn ConnFlags, f ConfigSetFlags) error {
	data, err := os.ReadFile(f.File)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cl, err := c.connect(conn)
	if err != nil {
		return err
	}

	snap, err := cl.ConfigSet(context.Background(), data)
	if err != nil {
		return authHint(err)
	}
	fmt.Println("Configuration saved; backend restarted.")
	printJSON(snap)
	return nil
}

// Console runs an allowlisted backend CLI command through the daemon
// and prints its output.
func (c *command) Console(conn ConnFlags, name, arg string) error {
	cl, err := c.connect(conn)
	if err != nil {
		return err
	}

	res, err := cl.Console(context.Background(), name, arg)
	if err != nil {
		return authHint(err)
	}
	fmt.Print(res.Output)
	if !res.OK {
		return fmt.Errorf("command exited with status %d", res.ExitCode)
	}
	return nil
}

// Export streams the configuration-and-workspace archive to a file.
func (c *command) Export(conn ConnFlags, f ExportFlags) error {
	cl, err := c.connect(conn)
	if err != nil {
		return err
	}

	output := f.Output
	if output == "" {
		output = "warden-export-" + time.Now().UTC().Format("20060102T150405") + ".tar.gz"
	}

	out, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}

	n, err := cl.Export(context.Background(), out)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(output)
		return authHint(err)
	}
	fmt.Printf("Exported %d bytes to %s\n", n, output)
	return nil
}

// Import uploads an archive. The daemon stops the backend, restores the
// configuration and workspace, and restarts it.
func (c *command) Import(conn ConnFlags, f ImportFlags) error {
	in, err := os.Open(f.File)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.File, err)
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	cl, err := c.connect(conn)
	if err != nil {
		return err
	}

	summary, err := cl.Import(context.Background(), in, info.Size())
	if err != nil {
		return authHint(err)
	}
	fmt.Println(summary)
	return nil
}

// Start asks the daemon to start the backend and waits for readiness.
func (c *command) Start(conn ConnFlags) error {
	return c.lifecycle(conn, func(ctx context.Context, cl *client.Client) (client.BackendSnapshot, error) {
		return cl.Start(ctx)
	})
}

// Stop asks the daemon to stop the backend.
func (c *command) Stop(conn ConnFlags) error {
	return c.lifecycle(conn, func(ctx context.Context, cl *client.Client) (client.BackendSnapshot, error) {
		return cl.Stop(ctx)
	})
}

// Restart asks the daemon to stop and relaunch the backend.
func (c *command) Restart(conn ConnFlags) error {
	return c.lifecycle(conn, func(ctx context.Context, cl *client.Client) (client.BackendSnapshot, error) {
		return cl.Restart(ctx)
	})
}

func (c *command) lifecycle(conn ConnFlags, op func(context.Context, *client.Client) (client.BackendSnapshot, error)) error {
	cl, err := c.connect(conn)
	if err != nil {
		return err
	}

	snap, err := op(context.Background(), cl)
	if err != nil {
		return authHint(err)
	}
	printJSON(snap)
	return nil
}

// Journal prints recent backend lifecycle events.
func (c *command) Journal(conn ConnFlags, f JournalFlags) error {
	cl, err := c.connect(conn)
	if err != nil {
		return err
	}

	events, err := cl.Journal(context.Background(), f.Limit)
	if err != nil {
		return authHint(err)
	}
	printJSON(events)
	return nil
}

// Login exchanges the admin password for a session token and saves it.
func (c *command) Login(conn ConnFlags) error {
	if conn.Password == "" {
		return fmt.Errorf("password is required for login - pass --password")
	}

	cl, err := c.connect(conn)
	if err != nil {
		return err
	}

	sess, err := cl.Login(context.Background(), conn.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	session := &Session{
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
		ServerURL: cl.Origin(),
	}
	if err := c.sessions.SaveSession(session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	fmt.Println("Login successful!")
	fmt.Printf("Session saved to %s\n", c.sessions.GetSessionPath())
	fmt.Printf("Token expires at: %s\n", sess.ExpiresAt.Format(time.RFC3339))
	return nil
}

// Logout clears the saved session
func (c *command) Logout() error {
	if !c.sessions.IsLoggedIn() {
		fmt.Println("No active session found")
		return nil
	}

	if err := c.sessions.ClearSession(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	fmt.Println("Logged out successfully")
	return nil
}

// Template writes a configuration scaffold for a deployment profile.
func (c *command) Template(f TemplateFlags) error {
	gen := template.NewGenerator()
	data, err := gen.GenerateTOML(template.Profile(f.Profile), f.Service)
	if err != nil {
		return err
	}

	if f.Output == "" {
		fmt.Print(string(data))
		return nil
	}

	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("file %s already exists (use --force to overwrite)", f.Output)
	}
	if err := os.WriteFile(f.Output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write template: %w", err)
	}
	fmt.Printf("Wrote %s scaffold to %s\n", f.Profile, f.Output)
	return nil
}
