// Package cli implements orchkit, the command-line client for the orchkit
// HTTP API: submitting plans, inspecting and controlling executions, and
// running local administrative maintenance against the durable backend.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion records build-time version metadata shown by the version
// command.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// globalFlags holds the flags every subcommand reads to reach the daemon or
// the configured backend.
type globalFlags struct {
	serverAddr string
	token      string
	configPath string
	jsonOutput bool
}

var flags globalFlags

// NewRootCommand builds the orchkit root command with every subcommand
// attached.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "orchkit",
		Short:         "orchkit - workflow orchestration client",
		Long:          `orchkit submits execution plans to an orchkit daemon and inspects or controls their progress.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.serverAddr, "server", "http://localhost:8080", "orchkitd HTTP API address")
	cmd.PersistentFlags().StringVar(&flags.token, "token", "", "Bearer token for JWT-authenticated daemons")
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to a YAML config file (used by admin commands)")
	cmd.PersistentFlags().BoolVar(&flags.jsonOutput, "json", false, "Output machine-readable JSON")

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newPauseCommand())
	cmd.AddCommand(newResumeCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newRollbackCommand())
	cmd.AddCommand(newAdminCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}
