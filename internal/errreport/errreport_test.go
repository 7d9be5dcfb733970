package errreport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_EmptyDSNDisablesReporter(t *testing.T) {
	r, err := Init(Config{}, nil)
	require.NoError(t, err)
	assert.False(t, r.enabled)
}

func TestReportExecutionFailure_DisabledReporterIsNoop(t *testing.T) {
	r, err := Init(Config{}, nil)
	require.NoError(t, err)

	// Must not panic even though Sentry was never initialized.
	r.ReportExecutionFailure(context.Background(), errors.New("boom"), "exec-1", "agent-1", "user-1")
}

func TestReportExecutionFailure_NilReporterIsNoop(t *testing.T) {
	var r *Reporter
	r.ReportExecutionFailure(context.Background(), errors.New("boom"), "exec-1", "agent-1", "user-1")
}

func TestReportExecutionFailure_NilErrorIsNoop(t *testing.T) {
	r, err := Init(Config{}, nil)
	require.NoError(t, err)
	r.ReportExecutionFailure(context.Background(), nil, "exec-1", "agent-1", "user-1")
}

func TestClose_DisabledReporterIsNoop(t *testing.T) {
	r, err := Init(Config{}, nil)
	require.NoError(t, err)
	r.Close(0)
}
