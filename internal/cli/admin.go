package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/orchkit/internal/backend"
	"github.com/tombee/orchkit/internal/backend/memory"
	"github.com/tombee/orchkit/internal/backend/sqlite"
	"github.com/tombee/orchkit/internal/config"
	"github.com/tombee/orchkit/pkg/orchestration"
)

var terminalStatuses = []orchestration.ExecutionStatus{
	orchestration.StatusCompleted,
	orchestration.StatusFailed,
	orchestration.StatusCancelled,
	orchestration.StatusRolledBack,
}

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Local maintenance operations against the configured backend",
	}
	cmd.AddCommand(newAdminGCCommand())
	return cmd
}

func newAdminGCCommand() *cobra.Command {
	var (
		olderThan string
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete terminal executions older than a retention window",
		Long: `gc connects directly to the backend configured for this host (not the
running daemon) and deletes completed, failed, cancelled, or rolled-back
executions whose record is older than --older-than.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			age, err := time.ParseDuration(olderThan)
			if err != nil {
				return fmt.Errorf("parse --older-than: %w", err)
			}

			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			be, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer be.Close()

			cutoff := time.Now().Add(-age)
			deleted := 0
			for _, status := range terminalStatuses {
				runs, err := be.ListRuns(cmd.Context(), backend.RunFilter{Status: status, Limit: 10_000})
				if err != nil {
					return fmt.Errorf("list %s runs: %w", status, err)
				}
				for _, run := range runs {
					if run.UpdatedAt.After(cutoff) {
						continue
					}
					if dryRun {
						deleted++
						continue
					}
					if err := be.DeleteRun(cmd.Context(), run.ExecutionID); err != nil {
						return fmt.Errorf("delete run %s: %w", run.ExecutionID, err)
					}
					deleted++
				}
			}

			return printResult(cmd, map[string]any{"deleted": deleted, "dry_run": dryRun})
		},
	}

	cmd.Flags().StringVar(&olderThan, "older-than", "720h", "Age threshold (e.g. 720h for 30 days)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Count matching executions without deleting them")

	return cmd
}

func openBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Backend.Type {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Backend.SQLite.Path, WAL: cfg.Backend.SQLite.WAL})
	default:
		return memory.New(), nil
	}
}
