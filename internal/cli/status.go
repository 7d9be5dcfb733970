package cli

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/orchkit/pkg/orchestration"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show an execution's current record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := newAPIClient().getExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printResult(cmd, run)
		},
	}
}

func newListCommand() *cobra.Command {
	var (
		status  string
		agentID string
		limit   int
		offset  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions known to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if agentID != "" {
				q.Set("agent_id", agentID)
			}
			q.Set("limit", fmt.Sprintf("%d", limit))
			q.Set("offset", fmt.Sprintf("%d", offset))

			runs, err := newAPIClient().listExecutions(cmd.Context(), "?"+q.Encode())
			if err != nil {
				return err
			}
			return printResult(cmd, runs)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by execution status")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "Filter by agent id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Records to skip")

	return cmd
}

// pollUntilTerminal polls the daemon for executionID's record until it
// reaches a terminal status or the command's context is cancelled.
func pollUntilTerminal(cmd *cobra.Command, client *apiClient, executionID string) (*orchestration.ExecutionRecord, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		run, err := client.getExecution(cmd.Context(), executionID)
		if err != nil {
			return nil, err
		}
		switch run.Status {
		case orchestration.StatusCompleted, orchestration.StatusFailed, orchestration.StatusCancelled, orchestration.StatusRolledBack:
			return run, nil
		}

		select {
		case <-cmd.Context().Done():
			return nil, cmd.Context().Err()
		case <-ticker.C:
		}
	}
}
