// Package cli mounts the command registry as cobra subcommands. The same
// handlers behind the MCP tools and the REST routes run here as one-shot
// terminal commands; this package only does argument binding and output.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/HamStudy/taskdriver-mcp-sub002/internal/command"
)

// DepsProvider builds the services a one-shot command run needs. The
// returned cleanup releases storage connections once the run finishes.
type DepsProvider func(ctx context.Context, configPath string) (*command.Deps, func() error, error)

// ServerRunner starts the long-running surface for the resolved mode and
// blocks until the context is cancelled or the server fails.
type ServerRunner func(ctx context.Context, configPath, mode string) error

// Options wires the CLI to the rest of the binary. Provide backs the
// one-shot subcommands; RunServer backs a bare invocation, which serves
// in the configured mode instead of executing a command.
type Options struct {
	Version   string
	Provide   DepsProvider
	RunServer ServerRunner
}

// New builds the taskdriver root command with every registry command
// mounted as a subcommand.
func New(opts Options) *cobra.Command {
	var (
		mode       string
		format     string
		configPath string
	)

	root := &cobra.Command{
		Use:   "taskdriver",
		Short: "Lease-based task orchestration for autonomous agents",
		Long: `Taskdriver queues tasks per project and hands them to agents under
time-limited leases. Expired leases requeue automatically until the
task runs out of retries.

Run it bare to serve (MCP over stdio by default, REST with --mode http),
or run a subcommand to execute one operation against the configured
storage backend:

  taskdriver create-project crawler "Web crawl jobs"
  taskdriver create-tasks-bulk crawler @tasks.yaml
  taskdriver get-next-task crawler worker-1
  taskdriver --format json list-tasks crawler --status queued`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			switch format {
			case "human", "json":
				return nil
			}
			return fmt.Errorf("invalid --format %q: must be human or json", format)
		},
		RunE: func(c *cobra.Command, args []string) error {
			switch mode {
			case "", "rpc", "http":
			case "cli":
				// cli mode means subcommands; bare there is nothing to run.
				return c.Help()
			default:
				return fmt.Errorf("invalid --mode %q: must be rpc, http, or cli", mode)
			}
			return opts.RunServer(c.Context(), configPath, mode)
		},
	}

	root.PersistentFlags().StringVar(&mode, "mode", "", "run mode: rpc, http, or cli (default from config)")
	root.PersistentFlags().StringVar(&format, "format", "human", "output format: human or json")
	root.PersistentFlags().StringVar(&configPath, "config", "", "directory to search for taskdriver.yaml")

	for _, cmd := range command.Registry() {
		root.AddCommand(newSubcommand(cmd, opts, &format, &configPath))
	}
	root.AddCommand(newVersionCommand(opts.Version))

	return root
}

func newVersionCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the taskdriver version",
		Args:  cobra.NoArgs,
		Run: func(c *cobra.Command, args []string) {
			fmt.Fprintf(c.OutOrStdout(), "taskdriver %s\n", version)
		},
	}
}
