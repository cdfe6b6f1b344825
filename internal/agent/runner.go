package agent

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ExecTestRunner runs the target repository's test command as a subprocess.
type ExecTestRunner struct {
	// Command is the argv of the test command.
	Command []string

	// Timeout bounds one execution. Expiry is a failing TestResult, not an
	// error, mirroring how a hung test suite should read to the debug loop.
	Timeout time.Duration

	Logger *zap.Logger
}

// Run executes the test command in dir and captures combined output.
func (r *ExecTestRunner) Run(ctx context.Context, dir string) (TestResult, error) {
	if len(r.Command) == 0 {
		return TestResult{}, &ToolError{Tool: "tests", Err: errors.New("no test command configured")}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.Command[0], r.Command[1:]...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		r.Logger.Warn("test run timed out",
			zap.Duration("timeout", r.Timeout),
			zap.String("dir", dir),
		)
		return TestResult{
			Passed:      false,
			Diagnostics: fmt.Sprintf("test run timed out after %s", r.Timeout),
		}, nil
	}
	if ctx.Err() != nil {
		return TestResult{}, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return TestResult{
				Passed:      false,
				Diagnostics: strings.TrimSpace(string(output)),
			}, nil
		}
		// Could not start the command at all.
		return TestResult{}, &ToolError{Tool: "tests", Err: err}
	}

	return TestResult{Passed: true, Diagnostics: strings.TrimSpace(string(output))}, nil
}
