// Command orchkit is the command-line client for the orchkit orchestration
// daemon: it submits plans, inspects and controls executions, and runs
// local backend maintenance.
package main

import (
	"os"

	"github.com/tombee/orchkit/internal/cli"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
}
