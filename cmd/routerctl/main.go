package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// DefaultConfig is used when neither --config nor ROUTERCTL_CONFIG is set.
const DefaultConfig = "routerctl.yaml"

func main() {
	root := buildRoot(os.Stdout, os.Stderr)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// API connection; when APIUrl is set commands go to a running server
	APIUrl       string
	APITimeout   time.Duration
	APITokenFile string
	APICACert    string
	APIInsecure  bool
}

// configPath applies the lookup order: flag, environment, default.
func (g *GlobalFlags) configPath() string {
	if g.ConfigPath != "" {
		return g.ConfigPath
	}
	if p := os.Getenv("ROUTERCTL_CONFIG"); p != "" {
		return p
	}
	return DefaultConfig
}

// ActivateFlags holds flags for the activate command.
type ActivateFlags struct {
	NoRestart bool
}

// EventsFlags holds flags for the events command.
type EventsFlags struct {
	Limit int
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen   string
	BasePath string
}

func buildRoot(out, errOut io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	activateFlags := &ActivateFlags{}
	eventsFlags := &EventsFlags{}
	serveFlags := &ServeFlags{}

	cmd := &command{flags: globalFlags, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "routerctl",
		Short: "Activate router profiles and supervise the local LLM router",
		Long: `routerctl composes the router configuration from a base document and a
named profile, and starts, stops and restarts the router process.

Examples:
  routerctl activate reliability     # write the config and restart the router
  routerctl start router
  routerctl status
  routerctl events --limit 20
  routerctl --api-url http://127.0.0.1:8787/api status   # via a running server`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "path to config file (default $ROUTERCTL_CONFIG or "+DefaultConfig+")")
	root.PersistentFlags().StringVar(&globalFlags.APIUrl, "api-url", "", "send commands to a running server (e.g. http://127.0.0.1:8787/api)")
	root.PersistentFlags().DurationVar(&globalFlags.APITimeout, "api-timeout", 2*time.Minute, "request timeout for --api-url")
	root.PersistentFlags().StringVar(&globalFlags.APITokenFile, "api-token-file", "", "file holding the bearer token for --api-url")
	root.PersistentFlags().StringVar(&globalFlags.APICACert, "api-ca-cert", "", "CA certificate to trust for --api-url")
	root.PersistentFlags().BoolVar(&globalFlags.APIInsecure, "api-insecure", false, "skip TLS verification for --api-url")
	root.SetOut(out)
	root.SetErr(errOut)

	root.AddCommand(
		createStartCommand(cmd),
		createStopCommand(cmd),
		createRestartCommand(cmd),
		createStatusCommand(cmd),
		createActivateCommand(cmd, activateFlags),
		createCurrentCommand(cmd),
		createProfilesCommand(cmd),
		createEventsCommand(cmd, eventsFlags),
		createServeCommand(cmd, serveFlags),
		createHashPasswordCommand(cmd),
	)
	return root
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <service>",
		Short: "Start a configured service unless it is already running",
		Args:  cobra.ExactArgs(1),
		RunE:  func(_ *cobra.Command, args []string) error { return c.Start(args[0]) },
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <service>",
		Short: "Stop a service, escalating to a forced kill after the stop timeout",
		Args:  cobra.ExactArgs(1),
		RunE:  func(_ *cobra.Command, args []string) error { return c.Stop(args[0]) },
	}
}

func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <service>",
		Short: "Stop then start a service",
		Args:  cobra.ExactArgs(1),
		RunE:  func(_ *cobra.Command, args []string) error { return c.Restart(args[0]) },
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [service]",
		Short: "Show whether services are running",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Status(name)
		},
	}
}

func createActivateCommand(c *command, flags *ActivateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <profile>",
		Short: "Write the active configuration for a profile",
		Long: `Merge the profile overlay onto the base configuration, resolve credential
references and atomically replace the active configuration and run state.
If the restart service is running it is restarted to pick up the change.`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.Activate(args[0], !flags.NoRestart)
		},
	}
	cmd.Flags().BoolVar(&flags.NoRestart, "no-restart", false, "do not restart the router after activation")
	return cmd
}

func createCurrentCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the active profile",
		Args:  cobra.NoArgs,
		RunE:  func(_ *cobra.Command, _ []string) error { return c.Current() },
	}
}

func createProfilesCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List configured profiles",
		Args:  cobra.NoArgs,
		RunE:  func(_ *cobra.Command, _ []string) error { return c.Profiles() },
	}
}

func createEventsCommand(c *command, flags *EventsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent events from the event log",
		Args:  cobra.NoArgs,
		RunE:  func(_ *cobra.Command, _ []string) error { return c.Events(flags.Limit) },
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "number of events to show (0 for all)")
	return cmd
}

func createServeCommand(c *command, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.Serve(cmd.Context(), *flags) },
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (default server.listen)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}

func createHashPasswordCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for server.auth",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return c.HashPassword(cmd.InOrStdin()) },
	}
}
