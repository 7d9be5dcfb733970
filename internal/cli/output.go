package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// printResult renders v as pretty JSON when --json is set, or as a terse
// fmt %+v dump otherwise — this CLI's primary consumers are scripts and
// the daemon's own test suite, not an interactive terminal, so a rich
// table renderer is not worth the dependency.
func printResult(cmd *cobra.Command, v any) error {
	if flags.jsonOutput {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}
	cmd.Printf("%+v\n", v)
	return nil
}
