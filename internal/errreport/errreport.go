// Package errreport wires best-effort Sentry error reporting for execution
// failures the Error Recovery subsystem gives up on. Reporting never blocks
// or fails the caller: Init is a no-op when dsn is empty, and Report
// swallows its own errors.
package errreport

import (
	"context"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config configures the Sentry client.
type Config struct {
	DSN         string
	Environment string
	SampleRate  float64
}

// Reporter captures execution failures to Sentry, tagged with enough
// execution context to triage without the customer payload.
type Reporter struct {
	enabled bool
	logger  *slog.Logger
}

// Init configures the global Sentry client and returns a Reporter bound to
// it. When cfg.DSN is empty, Init returns a disabled Reporter: Report calls
// become no-ops rather than errors, so callers never need to branch on
// whether Sentry is configured.
func Init(cfg Config, logger *slog.Logger) (*Reporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DSN == "" {
		return &Reporter{enabled: false, logger: logger}, nil
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		SampleRate:       sampleRate,
		AttachStacktrace: true,
	}); err != nil {
		return nil, err
	}

	return &Reporter{enabled: true, logger: logger}, nil
}

// Close flushes any buffered events, waiting up to timeout.
func (r *Reporter) Close(timeout time.Duration) {
	if r == nil || !r.enabled {
		return
	}
	sentry.Flush(timeout)
}

// ReportExecutionFailure captures err to Sentry tagged with the execution's
// identifying fields. Failures to report are logged and otherwise ignored:
// a monitoring outage must never fail the execution it is reporting on.
func (r *Reporter) ReportExecutionFailure(ctx context.Context, err error, executionID, agentID, userID string) {
	if r == nil || !r.enabled || err == nil {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WarnContext(ctx, "errreport: panic while reporting to sentry", "recovered", rec)
		}
	}()

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("component", "orchestration")
		scope.SetTag("execution_id", executionID)
		scope.SetTag("agent_id", agentID)
		if userID != "" {
			scope.SetUser(sentry.User{ID: userID})
		}
		sentry.CaptureException(err)
	})
}
