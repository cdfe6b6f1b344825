// Package flow drives the staged generation pipeline end to end: design,
// dispatch, fix integration, test-driven debugging, summarization, and
// artifact writing, all under one guardrail budget.
package flow

import (
	"time"

	"github.com/loomworks/codeloom/internal/artifact"
	"github.com/loomworks/codeloom/internal/fixer"
	"github.com/loomworks/codeloom/internal/guardrail"
)

// Flow names a pipeline variant.
type Flow string

const (
	// FlowCreate generates a new codebase into an output directory.
	FlowCreate Flow = "create"

	// FlowIterate evolves an existing repository, with knowledge retrieval
	// and a test-driven debug loop.
	FlowIterate Flow = "iterate"
)

// Phase is one stage of a run. Phases advance monotonically; context
// cancellation and phase failures are observed at phase boundaries.
type Phase string

const (
	PhaseInit            Phase = "init"
	PhaseEnsureKnowledge Phase = "ensure_knowledge"
	PhaseDesign          Phase = "design"
	PhaseDevelop         Phase = "develop"
	PhaseIntegrate       Phase = "integrate"
	PhaseDebugLoop       Phase = "debug_loop"
	PhaseSummarize       Phase = "summarize"
	PhaseWrite           Phase = "write"
	PhasePostProcess     Phase = "post_process"
	PhaseDone            Phase = "done"
)

// Status is the overall outcome of a run.
type Status string

const (
	// StatusSuccess means every phase completed within budget.
	StatusSuccess Status = "success"

	// StatusPartial means artifacts were produced but the budget ran out
	// (tokens or debug-loop iterations) before the pipeline finished
	// everything it wanted to do.
	StatusPartial Status = "partial"

	// StatusFailed means the run aborted with no usable output contract.
	StatusFailed Status = "failed"
)

// ProgressFunc observes phase transitions, for CLI progress output.
type ProgressFunc func(phase Phase)

// RunResult is the full account of one pipeline run.
type RunResult struct {
	RunID  string
	Flow   Flow
	Status Status

	// Phase is the last phase reached.
	Phase Phase

	// Artifacts maps path to final artifact state.
	Artifacts map[string]artifact.Artifact

	// Written lists the absolute paths written to disk, sorted.
	Written []string

	// Guardrail is the budget state at the end of the run.
	Guardrail guardrail.Snapshot

	// Superseded lists fix proposals overwritten by later overlapping ones.
	Superseded []fixer.Proposal

	// SkippedFixes lists proposals that could not be applied.
	SkippedFixes []*fixer.IntegrationError

	// ToolReports carries formatter and other non-fatal tool output.
	ToolReports []string

	// DebugAttempts counts test executions performed by the debug loop.
	DebugAttempts int

	// LastDiagnostic is the final failing test output, empty once tests
	// pass.
	LastDiagnostic string

	StartedAt  time.Time
	FinishedAt time.Time
}
