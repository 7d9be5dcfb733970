package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/orchkit/pkg/orchestration"
)

// planFile is the on-disk shape of a submitted plan: the execution plan
// plus the agent/user/session identity and inputs it runs under. Kept
// separate from the API's wire type so a plan file never needs to repeat
// identity fields the caller passes as flags.
type planFile struct {
	Plan   orchestration.ExecutionPlan `json:"plan"`
	Inputs map[string]any              `json:"inputs,omitempty"`
}

func newRunCommand() *cobra.Command {
	var (
		agentID   string
		userID    string
		sessionID string
		wait      bool
	)

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Submit an execution plan to the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read plan file: %w", err)
			}
			var pf planFile
			if err := json.Unmarshal(data, &pf); err != nil {
				return fmt.Errorf("parse plan file: %w", err)
			}
			if agentID == "" || userID == "" {
				return fmt.Errorf("--agent-id and --user-id are required")
			}

			client := newAPIClient()
			executionID, err := client.createExecution(cmd.Context(), createExecutionRequest{
				AgentID:   agentID,
				UserID:    userID,
				SessionID: sessionID,
				Plan:      pf.Plan,
				Inputs:    pf.Inputs,
			})
			if err != nil {
				return err
			}

			if !wait {
				return printResult(cmd, map[string]string{"execution_id": executionID})
			}

			run, err := pollUntilTerminal(cmd, client, executionID)
			if err != nil {
				return err
			}
			return printResult(cmd, run)
		},
	}

	cmd.Flags().StringVar(&agentID, "agent-id", "", "Agent id owning this execution")
	cmd.Flags().StringVar(&userID, "user-id", "", "User id on whose behalf the execution runs")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Session id to correlate this execution under")
	cmd.Flags().BoolVar(&wait, "wait", false, "Block until the execution reaches a terminal status")

	return cmd
}
