package cli

import (
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printResult(cmd, map[string]string{
				"version":    version,
				"commit":     commit,
				"build_date": buildDate,
			})
		},
	}
}
