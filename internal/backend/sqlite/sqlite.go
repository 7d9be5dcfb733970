// Package sqlite provides a SQLite-backed implementation of the backend
// package's storage interfaces, suitable for single-node deployments that
// need durability across process restarts without running a separate
// database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/orchkit/internal/backend"
	"github.com/tombee/orchkit/pkg/orchestration"
	_ "modernc.org/sqlite"
)

var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.RunLister       = (*Backend)(nil)
	_ backend.CheckpointStore = (*Backend)(nil)
	_ backend.StepResultStore = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path (":memory:" for an ephemeral database).
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent readers.
	WAL bool
}

// New opens (creating if necessary) a SQLite-backed Backend at cfg.Path and
// runs its migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite serializes writes; cap the pool so we never queue concurrent
	// writers behind the driver's own locking.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			execution_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT,
			status TEXT NOT NULL,
			current_step TEXT,
			completed INTEGER DEFAULT 0,
			failed INTEGER DEFAULT 0,
			skipped INTEGER DEFAULT 0,
			plan TEXT,
			inputs TEXT,
			run_mode TEXT NOT NULL,
			total_tokens_used INTEGER DEFAULT 0,
			total_execution_time_ms INTEGER DEFAULT 0,
			execution_trace TEXT,
			final_output TEXT,
			error_message TEXT,
			error_stack TEXT,
			execution_results TEXT,
			started_at TEXT,
			paused_at TEXT,
			resumed_at TEXT,
			completed_at TEXT,
			failed_at TEXT,
			cancelled_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_agent_id ON executions(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			execution_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			completed_step TEXT,
			completed_steps TEXT,
			step_results TEXT,
			variables TEXT,
			remaining_steps TEXT,
			metadata TEXT,
			PRIMARY KEY (execution_id, checkpoint_id),
			FOREIGN KEY (execution_id) REFERENCES executions(execution_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_execution_id ON checkpoints(execution_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_name TEXT,
			step_type TEXT,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			failed_at TEXT,
			plugin TEXT,
			action TEXT,
			tokens_used INTEGER DEFAULT 0,
			execution_time_ms INTEGER DEFAULT 0,
			item_count INTEGER DEFAULT 0,
			error_message TEXT,
			execution_metadata TEXT,
			PRIMARY KEY (execution_id, step_id),
			FOREIGN KEY (execution_id) REFERENCES executions(execution_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_execution_id ON step_results(execution_id)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (b *Backend) Close() error { return b.db.Close() }

// CreateRun inserts a new execution record.
func (b *Backend) CreateRun(ctx context.Context, run *orchestration.ExecutionRecord) error {
	planJSON, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	traceJSON, err := json.Marshal(run.Trace)
	if err != nil {
		return fmt.Errorf("marshal execution_trace: %w", err)
	}

	query := `
		INSERT INTO executions (
			execution_id, agent_id, user_id, session_id, status, current_step,
			completed, failed, skipped, plan, inputs, run_mode,
			total_tokens_used, total_execution_time_ms, execution_trace,
			started_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err = b.db.ExecContext(ctx, query,
		run.ExecutionID, run.AgentID, run.UserID, nullString(run.SessionID), run.Status, nullString(run.CurrentStep),
		run.Completed, run.Failed, run.Skipped, string(planJSON), string(inputsJSON), run.RunMode,
		run.TotalTokensUsed, run.TotalExecutionTime, string(traceJSON),
		run.StartedAt.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves an execution record by id.
func (b *Backend) GetRun(ctx context.Context, executionID string) (*orchestration.ExecutionRecord, error) {
	query := `
		SELECT execution_id, agent_id, user_id, session_id, status, current_step,
			completed, failed, skipped, plan, inputs, run_mode,
			total_tokens_used, total_execution_time_ms, execution_trace,
			final_output, error_message, error_stack, execution_results,
			started_at, paused_at, resumed_at, completed_at, failed_at, cancelled_at, updated_at
		FROM executions WHERE execution_id = ?
	`
	row := b.db.QueryRowContext(ctx, query, executionID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return run, nil
}

// UpdateRun overwrites an existing execution record.
func (b *Backend) UpdateRun(ctx context.Context, run *orchestration.ExecutionRecord) error {
	planJSON, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	inputsJSON, err := json.Marshal(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	traceJSON, err := json.Marshal(run.Trace)
	if err != nil {
		return fmt.Errorf("marshal execution_trace: %w", err)
	}
	finalOutputJSON, err := json.Marshal(run.FinalOutput)
	if err != nil {
		return fmt.Errorf("marshal final_output: %w", err)
	}
	var resultsJSON []byte
	if run.Results != nil {
		resultsJSON, err = json.Marshal(run.Results)
		if err != nil {
			return fmt.Errorf("marshal execution_results: %w", err)
		}
	}

	query := `
		UPDATE executions SET
			agent_id = ?, user_id = ?, session_id = ?, status = ?, current_step = ?,
			completed = ?, failed = ?, skipped = ?, plan = ?, inputs = ?, run_mode = ?,
			total_tokens_used = ?, total_execution_time_ms = ?, execution_trace = ?,
			final_output = ?, error_message = ?, error_stack = ?, execution_results = ?,
			started_at = ?, paused_at = ?, resumed_at = ?, completed_at = ?, failed_at = ?,
			cancelled_at = ?, updated_at = ?
		WHERE execution_id = ?
	`

	now := time.Now()
	result, err := b.db.ExecContext(ctx, query,
		run.AgentID, run.UserID, nullString(run.SessionID), run.Status, nullString(run.CurrentStep),
		run.Completed, run.Failed, run.Skipped, string(planJSON), string(inputsJSON), run.RunMode,
		run.TotalTokensUsed, run.TotalExecutionTime, string(traceJSON),
		string(finalOutputJSON), nullString(run.ErrorMessage), nullString(run.ErrorStack), nullBytes(resultsJSON),
		run.StartedAt.Format(time.RFC3339), formatTime(run.PausedAt), formatTime(run.ResumedAt),
		formatTime(run.CompletedAt), formatTime(run.FailedAt), formatTime(run.CancelledAt),
		now.Format(time.RFC3339), run.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return backend.ErrNotFound
	}
	run.UpdatedAt = now
	return nil
}

// ListRuns lists executions matching filter, ordered newest-first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*orchestration.ExecutionRecord, error) {
	query := `
		SELECT execution_id, agent_id, user_id, session_id, status, current_step,
			completed, failed, skipped, plan, inputs, run_mode,
			total_tokens_used, total_execution_time_ms, execution_trace,
			final_output, error_message, error_stack, execution_results,
			started_at, paused_at, resumed_at, completed_at, failed_at, cancelled_at, updated_at
		FROM executions WHERE 1=1
	`
	args := []any{}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*orchestration.ExecutionRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// DeleteRun removes an execution and its associated checkpoints/step rows.
func (b *Backend) DeleteRun(ctx context.Context, executionID string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM executions WHERE execution_id = ?", executionID)
	if err != nil {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

// SaveCheckpoint inserts checkpoint, keyed by (execution_id, checkpoint_id).
func (b *Backend) SaveCheckpoint(ctx context.Context, executionID string, checkpoint *orchestration.Checkpoint) error {
	stepResultsJSON, err := json.Marshal(checkpoint.StepResults)
	if err != nil {
		return fmt.Errorf("marshal step_results: %w", err)
	}
	variablesJSON, err := json.Marshal(checkpoint.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	completedStepsJSON, err := json.Marshal(checkpoint.CompletedSteps)
	if err != nil {
		return fmt.Errorf("marshal completed_steps: %w", err)
	}
	remainingStepsJSON, err := json.Marshal(checkpoint.RemainingSteps)
	if err != nil {
		return fmt.Errorf("marshal remaining_steps: %w", err)
	}
	metadataJSON, err := json.Marshal(checkpoint.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO checkpoints (
			execution_id, checkpoint_id, timestamp, completed_step, completed_steps,
			step_results, variables, remaining_steps, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, checkpoint_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			completed_step = excluded.completed_step,
			completed_steps = excluded.completed_steps,
			step_results = excluded.step_results,
			variables = excluded.variables,
			remaining_steps = excluded.remaining_steps,
			metadata = excluded.metadata
	`
	_, err = b.db.ExecContext(ctx, query,
		executionID, checkpoint.ID, checkpoint.Timestamp.Format(time.RFC3339Nano), checkpoint.CompletedStep,
		string(completedStepsJSON), string(stepResultsJSON), string(variablesJSON),
		string(remainingStepsJSON), string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the most recent checkpoint for executionID.
func (b *Backend) GetCheckpoint(ctx context.Context, executionID string) (*orchestration.Checkpoint, error) {
	query := `
		SELECT checkpoint_id, timestamp, completed_step, completed_steps, step_results,
			variables, remaining_steps, metadata
		FROM checkpoints WHERE execution_id = ? ORDER BY timestamp DESC LIMIT 1
	`
	row := b.db.QueryRowContext(ctx, query, executionID)
	cp, err := scanCheckpoint(row, executionID)
	if err == sql.ErrNoRows {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns every checkpoint for executionID, oldest first.
func (b *Backend) ListCheckpoints(ctx context.Context, executionID string) ([]*orchestration.Checkpoint, error) {
	query := `
		SELECT checkpoint_id, timestamp, completed_step, completed_steps, step_results,
			variables, remaining_steps, metadata
		FROM checkpoints WHERE execution_id = ? ORDER BY timestamp ASC
	`
	rows, err := b.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*orchestration.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows, executionID)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// SaveStepResult upserts a step row by (execution_id, step_id).
func (b *Backend) SaveStepResult(ctx context.Context, result *orchestration.StepExecutionRecord) error {
	metadataJSON, err := json.Marshal(result.ExecutionMetadata)
	if err != nil {
		return fmt.Errorf("marshal execution_metadata: %w", err)
	}

	query := `
		INSERT INTO step_results (
			execution_id, step_id, step_name, step_type, status, started_at, completed_at,
			failed_at, plugin, action, tokens_used, execution_time_ms, item_count,
			error_message, execution_metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			step_name = excluded.step_name,
			step_type = excluded.step_type,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			failed_at = excluded.failed_at,
			plugin = excluded.plugin,
			action = excluded.action,
			tokens_used = excluded.tokens_used,
			execution_time_ms = excluded.execution_time_ms,
			item_count = excluded.item_count,
			error_message = excluded.error_message,
			execution_metadata = excluded.execution_metadata
	`
	_, err = b.db.ExecContext(ctx, query,
		result.ExecutionID, result.StepID, result.StepName, result.StepType, result.Status,
		formatTime(result.StartedAt), formatTime(result.CompletedAt), formatTime(result.FailedAt),
		nullString(result.Plugin), nullString(result.Action), result.TokensUsed, result.ExecutionTimeMs,
		result.ItemCount, nullString(result.ErrorMessage), string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("save step result: %w", err)
	}
	return nil
}

// GetStepResult retrieves a single step row.
func (b *Backend) GetStepResult(ctx context.Context, executionID, stepID string) (*orchestration.StepExecutionRecord, error) {
	query := `
		SELECT execution_id, step_id, step_name, step_type, status, started_at, completed_at,
			failed_at, plugin, action, tokens_used, execution_time_ms, item_count,
			error_message, execution_metadata
		FROM step_results WHERE execution_id = ? AND step_id = ?
	`
	row := b.db.QueryRowContext(ctx, query, executionID, stepID)
	rec, err := scanStepResult(row)
	if err == sql.ErrNoRows {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step result: %w", err)
	}
	return rec, nil
}

// ListStepResults returns every step row for executionID, ordered by step id.
func (b *Backend) ListStepResults(ctx context.Context, executionID string) ([]*orchestration.StepExecutionRecord, error) {
	query := `
		SELECT execution_id, step_id, step_name, step_type, status, started_at, completed_at,
			failed_at, plugin, action, tokens_used, execution_time_ms, item_count,
			error_message, execution_metadata
		FROM step_results WHERE execution_id = ? ORDER BY step_id ASC
	`
	rows, err := b.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	var out []*orchestration.StepExecutionRecord
	for rows.Next() {
		rec, err := scanStepResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*orchestration.ExecutionRecord, error) {
	var run orchestration.ExecutionRecord
	var sessionID, currentStep, errorMessage, errorStack sql.NullString
	var planJSON, inputsJSON, traceJSON, finalOutputJSON, resultsJSON sql.NullString
	var startedAt, pausedAt, resumedAt, completedAt, failedAt, cancelledAt, updatedAt sql.NullString

	err := s.Scan(
		&run.ExecutionID, &run.AgentID, &run.UserID, &sessionID, &run.Status, &currentStep,
		&run.Completed, &run.Failed, &run.Skipped, &planJSON, &inputsJSON, &run.RunMode,
		&run.TotalTokensUsed, &run.TotalExecutionTime, &traceJSON,
		&finalOutputJSON, &errorMessage, &errorStack, &resultsJSON,
		&startedAt, &pausedAt, &resumedAt, &completedAt, &failedAt, &cancelledAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.SessionID = sessionID.String
	run.CurrentStep = currentStep.String
	run.ErrorMessage = errorMessage.String
	run.ErrorStack = errorStack.String

	if planJSON.Valid && planJSON.String != "" {
		if err := json.Unmarshal([]byte(planJSON.String), &run.Plan); err != nil {
			return nil, fmt.Errorf("unmarshal plan: %w", err)
		}
	}
	if inputsJSON.Valid && inputsJSON.String != "" {
		if err := json.Unmarshal([]byte(inputsJSON.String), &run.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	if traceJSON.Valid && traceJSON.String != "" {
		if err := json.Unmarshal([]byte(traceJSON.String), &run.Trace); err != nil {
			return nil, fmt.Errorf("unmarshal execution_trace: %w", err)
		}
	}
	if run.Trace.CachedOutputs == nil {
		run.Trace.CachedOutputs = make(map[string]orchestration.CachedOutput)
	}
	if finalOutputJSON.Valid && finalOutputJSON.String != "" && finalOutputJSON.String != "null" {
		if err := json.Unmarshal([]byte(finalOutputJSON.String), &run.FinalOutput); err != nil {
			return nil, fmt.Errorf("unmarshal final_output: %w", err)
		}
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		var results orchestration.ExecutionResults
		if err := json.Unmarshal([]byte(resultsJSON.String), &results); err == nil {
			run.Results = &results
		}
	}

	run.StartedAt = parseTime(startedAt)
	run.PausedAt = parseTimePtr(pausedAt)
	run.ResumedAt = parseTimePtr(resumedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	run.FailedAt = parseTimePtr(failedAt)
	run.CancelledAt = parseTimePtr(cancelledAt)
	if updatedAt.Valid {
		run.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt.String)
	}

	return &run, nil
}

func scanCheckpoint(s scanner, executionID string) (*orchestration.Checkpoint, error) {
	var cp orchestration.Checkpoint
	var timestamp sql.NullString
	var completedStepsJSON, stepResultsJSON, variablesJSON, remainingStepsJSON, metadataJSON sql.NullString

	err := s.Scan(
		&cp.ID, &timestamp, &cp.CompletedStep, &completedStepsJSON, &stepResultsJSON,
		&variablesJSON, &remainingStepsJSON, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	cp.WorkflowID = executionID
	if timestamp.Valid {
		cp.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp.String)
	}
	if completedStepsJSON.Valid && completedStepsJSON.String != "" {
		json.Unmarshal([]byte(completedStepsJSON.String), &cp.CompletedSteps)
	}
	if stepResultsJSON.Valid && stepResultsJSON.String != "" {
		json.Unmarshal([]byte(stepResultsJSON.String), &cp.StepResults)
	}
	if variablesJSON.Valid && variablesJSON.String != "" {
		json.Unmarshal([]byte(variablesJSON.String), &cp.Variables)
	}
	if remainingStepsJSON.Valid && remainingStepsJSON.String != "" {
		json.Unmarshal([]byte(remainingStepsJSON.String), &cp.RemainingSteps)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &cp.Metadata)
	}

	return &cp, nil
}

func scanStepResult(s scanner) (*orchestration.StepExecutionRecord, error) {
	var rec orchestration.StepExecutionRecord
	var plugin, action, errorMessage sql.NullString
	var startedAt, completedAt, failedAt sql.NullString
	var metadataJSON sql.NullString

	err := s.Scan(
		&rec.ExecutionID, &rec.StepID, &rec.StepName, &rec.StepType, &rec.Status,
		&startedAt, &completedAt, &failedAt, &plugin, &action,
		&rec.TokensUsed, &rec.ExecutionTimeMs, &rec.ItemCount, &errorMessage, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	rec.Plugin = plugin.String
	rec.Action = action.String
	rec.ErrorMessage = errorMessage.String
	rec.StartedAt = parseTimePtr(startedAt)
	rec.CompletedAt = parseTimePtr(completedAt)
	rec.FailedAt = parseTimePtr(failedAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &rec.ExecutionMetadata)
	}

	return &rec, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s.String)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
