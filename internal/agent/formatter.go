package agent

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// ExecFormatter runs the configured format command over a directory. The
// pipeline treats formatter failures as warnings, so Format reports rather
// than fails wherever it can.
type ExecFormatter struct {
	Command []string
	Logger  *zap.Logger
}

// Format runs the formatter in dir. A non-zero exit is reported in the
// FormatReport; only a command that cannot be started is an error.
func (f *ExecFormatter) Format(ctx context.Context, dir string) (FormatReport, error) {
	if len(f.Command) == 0 {
		return FormatReport{}, &ToolError{Tool: "format", Err: errors.New("no format command configured")}
	}

	cmd := exec.CommandContext(ctx, f.Command[0], f.Command[1:]...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()

	if ctx.Err() != nil {
		return FormatReport{}, ctx.Err()
	}

	report := strings.TrimSpace(string(output))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			f.Logger.Warn("formatter exited non-zero",
				zap.Int("code", exitErr.ExitCode()),
				zap.String("output", report),
			)
			return FormatReport{Changed: false, Report: report}, nil
		}
		return FormatReport{}, &ToolError{Tool: "format", Err: err}
	}

	return FormatReport{Changed: report != "", Report: report}, nil
}
