package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/loykin/warden/pkg/template"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires every subcommand
func buildRoot() *cobra.Command {
	conn := &ConnFlags{}
	serveFlags := &ServeFlags{}
	configGetFlags := &ConfigGetFlags{}
	configSetFlags := &ConfigSetFlags{}
	exportFlags := &ExportFlags{}
	importFlags := &ImportFlags{}
	journalFlags := &JournalFlags{}
	templateFlags := &TemplateFlags{}

	wardenCommand := command{sessions: NewSessionManager()}

	root := createRootCommand(conn)

	// Add subcommands
	root.AddCommand(
		createServeCommand(serveFlags),
		createStatusCommand(wardenCommand, conn),
		createConfigCommand(wardenCommand, conn, configGetFlags, configSetFlags),
		createConsoleCommand(wardenCommand, conn),
		createExportCommand(wardenCommand, conn, exportFlags),
		createImportCommand(wardenCommand, conn, importFlags),
		createStartCommand(wardenCommand, conn),
		createStopCommand(wardenCommand, conn),
		createRestartCommand(wardenCommand, conn),
		createJournalCommand(wardenCommand, conn, journalFlags),
		createLoginCommand(wardenCommand, conn),
		createLogoutCommand(wardenCommand),
		createTemplateCommand(wardenCommand, templateFlags),
	)

	return root
}

// createRootCommand creates the root command with the shared connection flags
func createRootCommand(conn *ConnFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Supervisory gateway for a single managed backend",
		Long: `Warden fronts one backend process: it supervises the child, proxies
application traffic to it, and exposes an authenticated admin surface
for configuration, archives and lifecycle control.

Examples:
  warden serve warden.toml          # Run the gateway daemon
  warden status                     # Inspect the local daemon
  warden config set --file=backend.json
  warden status --server-url=https://edge01:9180  # Remote daemon`,
	}

	root.PersistentFlags().StringVar(&conn.ServerURL, "server-url", "", "gateway URL (default http://127.0.0.1:9180 or the saved session's)")
	root.PersistentFlags().StringVar(&conn.BasePath, "base-path", "", "admin mount path the gateway serves (default /_warden)")
	root.PersistentFlags().StringVar(&conn.Password, "password", "", "admin password (prefer 'warden login')")
	root.PersistentFlags().DurationVar(&conn.Timeout, "timeout", 15*time.Second, "request timeout for control calls")
	root.PersistentFlags().BoolVar(&conn.Insecure, "insecure", false, "skip TLS certificate verification")
	root.PersistentFlags().StringVar(&conn.CACert, "ca-cert", "", "CA certificate file for verifying the gateway")

	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(serveFlags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [warden.toml]",
		Short: "Start the warden gateway daemon",
		Long: `Start the gateway daemon. All configuration is loaded from the TOML
file; 'warden template' generates a starting point.

Examples:
  warden serve warden.toml          # Run in the foreground
  warden serve --config=warden.toml
  warden serve warden.toml --daemonize  # Detach into the background`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(serveFlags, args)
		},
	}

	cmd.Flags().StringVar(&serveFlags.ConfigPath, "config", "", "path to TOML config file")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PIDFile, "pidfile", "", "daemon PID file (overrides [server] pid_file)")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon logs to file")

	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(wardenCommand command, conn *ConnFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway and backend status",
		Long: `Show the backend supervisor state, configuration summary, resource
usage and recent lifecycle events of a running daemon.

Examples:
  warden status
  warden status --server-url=https://edge01:9180`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Status(*conn)
		},
	}
}

// createConfigCommand creates the config command with subcommands
func createConfigCommand(wardenCommand command, conn *ConnFlags, getFlags *ConfigGetFlags, setFlags *ConfigSetFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the backend configuration",
		Long: `Read or replace the backend configuration held by the daemon.
Replacing it restarts the backend; the previous version is kept as a
timestamped backup.

Examples:
  warden config get
  warden config get --output=backend.json
  warden config set --file=backend.json`,
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the stored backend configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.ConfigGet(*conn, *getFlags)
		},
	}
	get.Flags().StringVar(&getFlags.Output, "output", "", "write the configuration to a file instead of stdout")

	set := &cobra.Command{
		Use:   "set",
		Short: "Replace the backend configuration and restart the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.ConfigSet(*conn, *setFlags)
		},
	}
	set.Flags().StringVar(&setFlags.File, "file", "", "configuration file to upload (required)")
	if err := set.MarkFlagRequired("file"); err != nil {
		panic(err)
	}

	cmd.AddCommand(get, set)
	return cmd
}

// createConsoleCommand creates the console subcommand
func createConsoleCommand(wardenCommand command, conn *ConnFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "console <command> [arg]",
		Short: "Run an allowlisted backend CLI command",
		Long: `Run one of the backend CLI commands the daemon allows and print its
output. The built-ins are 'version' and 'help'; the daemon config can
add more, each taking at most one argument.

Examples:
  warden console version
  warden console migrate up`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) > 1 {
				arg = args[1]
			}
			return wardenCommand.Console(*conn, args[0], arg)
		},
	}
}

// createExportCommand creates the export subcommand
func createExportCommand(wardenCommand command, conn *ConnFlags, exportFlags *ExportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download a backup archive of configuration and workspace",
		Long: `Download a tar.gz archive of the backend configuration and workspace
from the daemon.

Examples:
  warden export
  warden export --output=backup.tar.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Export(*conn, *exportFlags)
		},
	}

	cmd.Flags().StringVar(&exportFlags.Output, "output", "", "archive file to write (default warden-export-<timestamp>.tar.gz)")

	return cmd
}

// createImportCommand creates the import subcommand
func createImportCommand(wardenCommand command, conn *ConnFlags, importFlags *ImportFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore configuration and workspace from an archive",
		Long: `Upload a previously exported archive. The daemon stops the backend,
replaces its configuration and workspace, and restarts it.

Examples:
  warden import --file=backup.tar.gz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Import(*conn, *importFlags)
		},
	}

	cmd.Flags().StringVar(&importFlags.File, "file", "", "archive file to upload (required)")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}

	return cmd
}

// createStartCommand creates the start subcommand
func createStartCommand(wardenCommand command, conn *ConnFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the backend",
		Long: `Start the managed backend and wait until its readiness probe passes.
Starting an already running backend is a no-op.

Examples:
  warden start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Start(*conn)
		},
	}
}

// createStopCommand creates the stop subcommand
func createStopCommand(wardenCommand command, conn *ConnFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the backend",
		Long: `Stop the managed backend. The daemon keeps serving its admin surface;
application traffic gets 503 until the backend is started again.

Examples:
  warden stop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Stop(*conn)
		},
	}
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(wardenCommand command, conn *ConnFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the backend",
		Long: `Stop the managed backend and start it again, waiting for readiness.

Examples:
  warden restart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Restart(*conn)
		},
	}
}

// createJournalCommand creates the journal subcommand
func createJournalCommand(wardenCommand command, conn *ConnFlags, journalFlags *JournalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent backend lifecycle events",
		Long: `Show the daemon's run journal: starts, readiness transitions, exits
and failures, most recent first.

Examples:
  warden journal
  warden journal --limit=100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Journal(*conn, *journalFlags)
		},
	}

	cmd.Flags().IntVar(&journalFlags.Limit, "limit", 50, "maximum number of events")

	return cmd
}

// createLoginCommand creates the login command
func createLoginCommand(wardenCommand command, conn *ConnFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login to a warden daemon",
		Long: `Exchange the admin password for a session token and save it for
future commands.

Examples:
  warden login --password=secret
  warden login --server-url=https://edge01:9180 --password=secret`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Login(*conn)
		},
	}
}

// createLogoutCommand creates the logout command
func createLogoutCommand(wardenCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Logout from the warden daemon",
		Long: `Clear the saved session.

Examples:
  warden logout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Logout()
		},
	}
}

// createTemplateCommand creates the template command
func createTemplateCommand(wardenCommand command, templateFlags *TemplateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Generate a gateway configuration scaffold",
		Long: `Generate a commented warden.toml for a deployment profile. The
scaffold loads as-is after filling in the backend command and admin
password.

Supported profiles: ` + strings.Join(template.NewGenerator().SupportedProfiles(), ", ") + `

Examples:
  warden template --profile=local
  warden template --profile=container --service=acme-api --output=warden.toml
  warden template --profile=systemd --output=/etc/warden/warden.toml --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return wardenCommand.Template(*templateFlags)
		},
	}

	cmd.Flags().StringVar(&templateFlags.Profile, "profile", "", "deployment profile (required): local, container, systemd")
	cmd.Flags().StringVar(&templateFlags.Service, "service", "", "backend service name used in the scaffold (defaults to backendd)")
	cmd.Flags().StringVar(&templateFlags.Output, "output", "", "output file path (defaults to stdout)")
	cmd.Flags().BoolVar(&templateFlags.Force, "force", false, "overwrite existing output file")

	// Mark required flags
	if err := cmd.MarkFlagRequired("profile"); err != nil {
		panic(err)
	}

	return cmd
}
