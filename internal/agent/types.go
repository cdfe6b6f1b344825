// Package agent provides the model, test, and formatter clients the pipeline
// drives. Model access is layered: a raw Anthropic client, a resilience
// wrapper (rate limit plus retry), and a budget gate that reserves tokens
// before every call.
package agent

import "context"

// PromptContext is one model request.
type PromptContext struct {
	// Task is the instruction for this call.
	Task string

	// Briefing is retrieved context (knowledge chunks, summaries, sibling
	// artifacts) prepended to the task.
	Briefing string

	// Profile names the capability tier serving the call, for logging and
	// metrics.
	Profile string

	// MaxTokens bounds the response length.
	MaxTokens int
}

// Completion is a model response with its actual token usage.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Tokens returns the total tokens the call consumed.
func (c Completion) Tokens() int {
	return c.InputTokens + c.OutputTokens
}

// ModelClient invokes a language model.
type ModelClient interface {
	Complete(ctx context.Context, req PromptContext) (Completion, error)
}

// TestResult is the outcome of one external test execution. A timeout is a
// failing result, not an error.
type TestResult struct {
	Passed      bool
	Diagnostics string
}

// TestRunner executes the target repository's test command.
type TestRunner interface {
	Run(ctx context.Context, dir string) (TestResult, error)
}

// FormatReport is the outcome of one formatter execution.
type FormatReport struct {
	Changed bool
	Report  string
}

// Formatter runs the post-generation format command.
type Formatter interface {
	Format(ctx context.Context, dir string) (FormatReport, error)
}
