package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExecTestRunner_Pass(t *testing.T) {
	r := &ExecTestRunner{Command: []string{"sh", "-c", "echo ok"}, Logger: zap.NewNop()}

	result, err := r.Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Equal(t, "ok", result.Diagnostics)
}

func TestExecTestRunner_FailureCapturesDiagnostics(t *testing.T) {
	r := &ExecTestRunner{Command: []string{"sh", "-c", "echo assertion failed; exit 1"}, Logger: zap.NewNop()}

	result, err := r.Run(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.Diagnostics, "assertion failed")
}

func TestExecTestRunner_TimeoutIsFailingResult(t *testing.T) {
	r := &ExecTestRunner{
		Command: []string{"sleep", "5"},
		Timeout: 100 * time.Millisecond,
		Logger:  zap.NewNop(),
	}

	result, err := r.Run(context.Background(), t.TempDir())
	require.NoError(t, err, "a timeout is a test failure, not a pipeline fault")
	assert.False(t, result.Passed)
	assert.Contains(t, result.Diagnostics, "timed out")
}

func TestExecTestRunner_MissingBinaryIsToolError(t *testing.T) {
	r := &ExecTestRunner{Command: []string{"definitely-not-a-real-binary-xyz"}, Logger: zap.NewNop()}

	_, err := r.Run(context.Background(), t.TempDir())
	var toolErr *ToolError
	assert.ErrorAs(t, err, &toolErr)
}

func TestExecTestRunner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &ExecTestRunner{Command: []string{"sh", "-c", "echo hi"}, Logger: zap.NewNop()}
	_, err := r.Run(ctx, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecFormatter_NonZeroExitIsReport(t *testing.T) {
	f := &ExecFormatter{Command: []string{"sh", "-c", "echo cannot format; exit 2"}, Logger: zap.NewNop()}

	report, err := f.Format(context.Background(), t.TempDir())
	require.NoError(t, err, "formatter failures are non-fatal")
	assert.Contains(t, report.Report, "cannot format")
}

func TestExecFormatter_CleanRun(t *testing.T) {
	f := &ExecFormatter{Command: []string{"sh", "-c", "echo reformatted 2 files"}, Logger: zap.NewNop()}

	report, err := f.Format(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.True(t, report.Changed)
	assert.Contains(t, report.Report, "reformatted")
}
