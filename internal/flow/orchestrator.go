package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomworks/codeloom/internal/agent"
	"github.com/loomworks/codeloom/internal/artifact"
	"github.com/loomworks/codeloom/internal/design"
	"github.com/loomworks/codeloom/internal/dispatch"
	"github.com/loomworks/codeloom/internal/fixer"
	"github.com/loomworks/codeloom/internal/guardrail"
	"github.com/loomworks/codeloom/internal/knowledge"
	"github.com/loomworks/codeloom/internal/summary"
)

var tracer = otel.Tracer("github.com/loomworks/codeloom/internal/flow")

// Options assembles an Orchestrator. Guardrail, Designer, Dispatcher,
// Integrator, Summarizer, and Writer are always required; Knowledge,
// Summaries, Proposer, and Tests are additionally required for the iterate
// flow. Formatter is optional.
type Options struct {
	Logger     *zap.Logger
	Guardrail  *guardrail.Manager
	Designer   Designer
	Dispatcher *dispatch.Dispatcher
	Integrator *fixer.Integrator
	Proposer   FixProposer
	Summarizer Summarizer
	Knowledge  *knowledge.Registry
	Summaries  *summary.Store
	Tests      agent.TestRunner
	Formatter  agent.Formatter
	Writer     *artifact.Writer
	SearchK    int
	Progress   ProgressFunc
}

// Orchestrator runs the create and iterate flows.
type Orchestrator struct {
	opts Options
	log  *zap.Logger
}

// NewOrchestrator validates the assembly and returns an Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch {
	case opts.Guardrail == nil:
		return nil, fmt.Errorf("%w: guardrail manager required", ErrConfiguration)
	case opts.Designer == nil:
		return nil, fmt.Errorf("%w: designer required", ErrConfiguration)
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("%w: dispatcher required", ErrConfiguration)
	case opts.Integrator == nil:
		return nil, fmt.Errorf("%w: integrator required", ErrConfiguration)
	case opts.Summarizer == nil:
		return nil, fmt.Errorf("%w: summarizer required", ErrConfiguration)
	case opts.Writer == nil:
		return nil, fmt.Errorf("%w: writer required", ErrConfiguration)
	}
	if opts.SearchK <= 0 {
		opts.SearchK = 8
	}
	return &Orchestrator{opts: opts, log: opts.Logger}, nil
}

// RunCreate generates a new codebase from prompt into outDir. Source files
// land under outDir/src, summaries under outDir/summaries.
func (o *Orchestrator) RunCreate(ctx context.Context, prompt, outDir string) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "flow.RunCreate")
	defer span.End()

	res := o.newResult(FlowCreate)
	defer o.finish(res, span)

	o.phase(res, PhaseInit)
	if strings.TrimSpace(prompt) == "" {
		return res, o.fail(res, fmt.Errorf("%w: prompt cannot be empty", ErrConfiguration))
	}
	if outDir == "" {
		return res, o.fail(res, fmt.Errorf("%w: output directory required", ErrConfiguration))
	}

	// Design.
	if err := o.checkCtx(ctx, res); err != nil {
		return res, err
	}
	o.phase(res, PhaseDesign)
	exhausted := false
	set, err := o.design(ctx, prompt, "")
	if err != nil {
		if !errors.Is(err, guardrail.ErrExhausted) {
			return res, o.fail(res, err)
		}
		exhausted = true
	}

	// Develop.
	if err := o.checkCtx(ctx, res); err != nil {
		return res, err
	}
	o.phase(res, PhaseDevelop)
	var proposals []fixer.Proposal
	if !exhausted {
		dres, err := o.opts.Dispatcher.DispatchAll(ctx, set.Waves(), o.createBrief(prompt))
		if dres != nil {
			res.Artifacts = dres.Artifacts
			proposals = dres.Proposals
		}
		if err != nil {
			if !errors.Is(err, guardrail.ErrExhausted) {
				return res, o.fail(res, err)
			}
			exhausted = true
		}
	}

	// Integrate.
	o.phase(res, PhaseIntegrate)
	o.integrate(res, proposals)

	// Summarize.
	if err := o.checkCtx(ctx, res); err != nil {
		return res, err
	}
	o.phase(res, PhaseSummarize)
	fileSummaries := map[string]string{}
	if !exhausted {
		exhausted = o.summarize(ctx, res, knowledge.Identity(outDir), fileSummaries)
	}

	// Write. Artifacts generated so far land on disk even under exhaustion.
	o.phase(res, PhaseWrite)
	written, err := o.opts.Writer.WriteAll(outDir, "src", artifactContents(res.Artifacts))
	res.Written = append(res.Written, written...)
	if err != nil {
		return res, o.fail(res, err)
	}
	if len(fileSummaries) > 0 {
		written, err := o.opts.Writer.WriteAll(outDir, "summaries", summaryFiles(fileSummaries))
		res.Written = append(res.Written, written...)
		if err != nil {
			return res, o.fail(res, err)
		}
	}

	// Post-process. Formatting is trailing and non-fatal.
	o.phase(res, PhasePostProcess)
	o.format(ctx, res, filepath.Join(outDir, "src"))

	res.Phase = PhaseDone
	res.Status = StatusSuccess
	if exhausted {
		res.Status = StatusPartial
	}
	return res, nil
}

// RunIterate evolves the repository at repoDir: retrieval-grounded design,
// generation, then a bounded test-driven debug loop against the real tree.
func (o *Orchestrator) RunIterate(ctx context.Context, prompt, repoDir string) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "flow.RunIterate")
	defer span.End()

	res := o.newResult(FlowIterate)
	defer o.finish(res, span)

	o.phase(res, PhaseInit)
	if strings.TrimSpace(prompt) == "" {
		return res, o.fail(res, fmt.Errorf("%w: prompt cannot be empty", ErrConfiguration))
	}
	if info, err := os.Stat(repoDir); err != nil || !info.IsDir() {
		return res, o.fail(res, fmt.Errorf("%w: repository directory %s not found", ErrConfiguration, repoDir))
	}
	if o.opts.Knowledge == nil || o.opts.Summaries == nil || o.opts.Proposer == nil || o.opts.Tests == nil {
		return res, o.fail(res, fmt.Errorf("%w: iterate flow needs knowledge, summaries, proposer, and tests", ErrConfiguration))
	}
	identity := knowledge.Identity(repoDir)

	// Ensure knowledge. Index on first contact, backfill summaries when the
	// summary table is empty for this repository.
	if err := o.checkCtx(ctx, res); err != nil {
		return res, err
	}
	o.phase(res, PhaseEnsureKnowledge)
	store, err := o.opts.Knowledge.ForRepo(repoDir)
	if err != nil {
		return res, o.fail(res, err)
	}
	if store.Empty() {
		if _, err := store.Index(ctx, repoDir); err != nil {
			return res, o.fail(res, err)
		}
	}
	exhausted := false
	count, err := o.opts.Summaries.Count(ctx, identity)
	if err != nil {
		return res, o.fail(res, err)
	}
	if count == 0 {
		exhausted = o.backfillSummaries(ctx, store, repoDir, identity)
	}

	// Design, briefed by retrieval.
	if err := o.checkCtx(ctx, res); err != nil {
		return res, err
	}
	o.phase(res, PhaseDesign)
	var set *design.Set
	briefing := ""
	if !exhausted {
		briefing = o.retrieve(ctx, store, prompt)
		set, err = o.design(ctx, prompt, briefing)
		if err != nil {
			if !errors.Is(err, guardrail.ErrExhausted) {
				return res, o.fail(res, err)
			}
			exhausted = true
		}
	}

	// Develop.
	if err := o.checkCtx(ctx, res); err != nil {
		return res, err
	}
	o.phase(res, PhaseDevelop)
	var proposals []fixer.Proposal
	if !exhausted {
		dres, err := o.opts.Dispatcher.DispatchAll(ctx, set.Waves(), o.iterateBrief(prompt, briefing))
		if dres != nil {
			res.Artifacts = dres.Artifacts
			proposals = dres.Proposals
		}
		if err != nil {
			if !errors.Is(err, guardrail.ErrExhausted) {
				return res, o.fail(res, err)
			}
			exhausted = true
		}
	}

	// Integrate generation-time proposals.
	o.phase(res, PhaseIntegrate)
	o.integrate(res, proposals)

	// Debug loop: write, test, propose, integrate, repeat. The loop budget
	// caps test executions; the token budget caps proposals.
	o.phase(res, PhaseDebugLoop)
	loopCapped := false
	if len(res.Artifacts) > 0 {
		written, err := o.opts.Writer.WriteAll(repoDir, "", artifactContents(res.Artifacts))
		res.Written = written
		if err != nil {
			return res, o.fail(res, err)
		}

		if !exhausted {
			loopCapped, exhausted, err = o.debugLoop(ctx, res, repoDir)
			if err != nil {
				return res, o.fail(res, err)
			}
		}
	}

	// Summarize changed files. The loop cap does not block summarization;
	// only token exhaustion does.
	if err := o.checkCtx(ctx, res); err != nil {
		return res, err
	}
	o.phase(res, PhaseSummarize)
	fileSummaries := map[string]string{}
	if !exhausted {
		exhausted = o.summarize(ctx, res, identity, fileSummaries)
	}

	// Write: refresh the knowledge index over the updated tree so the next
	// run retrieves current content. Embedding cost is outside the token
	// budget, so this runs even when exhausted.
	o.phase(res, PhaseWrite)
	if _, err := store.Index(ctx, repoDir); err != nil {
		if ctx.Err() != nil {
			return res, o.fail(res, ctx.Err())
		}
		o.log.Warn("re-indexing after run failed", zap.Error(err))
	}

	o.phase(res, PhasePostProcess)
	o.format(ctx, res, repoDir)

	res.Phase = PhaseDone
	res.Status = StatusSuccess
	if exhausted || loopCapped || res.LastDiagnostic != "" {
		res.Status = StatusPartial
	}
	return res, nil
}

// debugLoop runs tests and integrates proposed fixes until tests pass, the
// loop budget runs out, or the token budget runs out. Returns (loopCapped,
// exhausted, err).
func (o *Orchestrator) debugLoop(ctx context.Context, res *RunResult, repoDir string) (bool, bool, error) {
	for {
		if !o.opts.Guardrail.TickLoop() {
			o.log.Warn("debug loop budget exhausted",
				zap.Int("attempts", res.DebugAttempts),
			)
			return true, false, nil
		}

		result, err := o.opts.Tests.Run(ctx, repoDir)
		if err != nil {
			return false, false, err
		}
		res.DebugAttempts++

		if result.Passed {
			res.LastDiagnostic = ""
			o.log.Info("tests passing", zap.Int("attempts", res.DebugAttempts))
			return false, false, nil
		}
		res.LastDiagnostic = result.Diagnostics

		proposals, err := o.opts.Proposer.Propose(ctx, result.Diagnostics, res.Artifacts)
		if err != nil {
			if errors.Is(err, guardrail.ErrExhausted) {
				return false, true, nil
			}
			return false, false, err
		}
		if len(proposals) == 0 {
			o.log.Warn("no fixes proposed for failing tests")
			return false, false, nil
		}

		o.integrate(res, proposals)
		written, err := o.opts.Writer.WriteAll(repoDir, "", artifactContents(res.Artifacts))
		res.Written = written
		if err != nil {
			return false, false, err
		}
	}
}

// backfillSummaries generates summaries for every indexed file of a
// repository that has none yet. Returns true when the token budget ran out
// mid-backfill.
func (o *Orchestrator) backfillSummaries(ctx context.Context, store *knowledge.Store, repoDir, identity string) bool {
	for _, rel := range store.Files() {
		content, err := os.ReadFile(filepath.Join(repoDir, rel))
		if err != nil {
			o.log.Warn("skipping summary backfill for unreadable file",
				zap.String("path", rel),
				zap.Error(err),
			)
			continue
		}

		text := string(content)
		_, _, err = o.opts.Summaries.GetOrGenerate(ctx, identity, rel, artifact.Digest(text),
			func(ctx context.Context) (string, error) {
				return o.opts.Summarizer.Summarize(ctx, rel, text)
			})
		if err != nil {
			if errors.Is(err, guardrail.ErrExhausted) {
				return true
			}
			o.log.Warn("summary backfill failed", zap.String("path", rel), zap.Error(err))
		}
	}
	return false
}

// summarize generates (or reuses) summaries for the run's artifacts. Returns
// true when the token budget ran out mid-pass.
func (o *Orchestrator) summarize(ctx context.Context, res *RunResult, identity string, out map[string]string) bool {
	for _, path := range sortedArtifactPaths(res.Artifacts) {
		art := res.Artifacts[path]
		text, _, err := o.opts.Summaries.GetOrGenerate(ctx, identity, path, art.Digest,
			func(ctx context.Context) (string, error) {
				return o.opts.Summarizer.Summarize(ctx, path, art.Content)
			})
		if err != nil {
			if errors.Is(err, guardrail.ErrExhausted) {
				return true
			}
			// A missing summary degrades briefings, nothing else.
			o.log.Warn("summarization failed", zap.String("path", path), zap.Error(err))
			continue
		}
		out[path] = text
	}
	return false
}

// design invokes the designer and validates the result into a Set.
func (o *Orchestrator) design(ctx context.Context, prompt, briefing string) (*design.Set, error) {
	blocks, err := o.opts.Designer.Design(ctx, prompt, briefing)
	if err != nil {
		return nil, err
	}
	set, err := design.NewSet(blocks)
	if err != nil {
		return nil, fmt.Errorf("invalid design: %w", err)
	}
	o.log.Info("design complete", zap.Int("blocks", set.Len()))
	return set, nil
}

// integrate applies proposals to the run's artifacts, grouped per target.
func (o *Orchestrator) integrate(res *RunResult, proposals []fixer.Proposal) {
	if len(proposals) == 0 {
		return
	}

	byPath := make(map[string][]fixer.Proposal)
	for _, p := range proposals {
		if _, ok := res.Artifacts[p.Path]; !ok {
			res.SkippedFixes = append(res.SkippedFixes, &fixer.IntegrationError{
				Proposal: p,
				Reason:   "no artifact at path",
			})
			continue
		}
		byPath[p.Path] = append(byPath[p.Path], p)
	}

	paths := make([]string, 0, len(byPath))
	for path := range byPath {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		art, report := o.opts.Integrator.Integrate(res.Artifacts[path], byPath[path])
		res.Artifacts[path] = art
		res.Superseded = append(res.Superseded, report.Superseded...)
		res.SkippedFixes = append(res.SkippedFixes, report.Skipped...)
	}
}

// retrieve builds the retrieval briefing for a prompt.
func (o *Orchestrator) retrieve(ctx context.Context, store *knowledge.Store, prompt string) string {
	chunks, err := store.Search(ctx, prompt, o.opts.SearchK)
	if err != nil {
		o.log.Warn("knowledge retrieval failed", zap.Error(err))
		return ""
	}
	if len(chunks) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant repository context:\n")
	for _, c := range chunks {
		fmt.Fprintf(&b, "\n[%s", c.Source)
		if c.Heading != "" {
			fmt.Fprintf(&b, " %s", c.Heading)
		}
		fmt.Fprintf(&b, "]\n%s\n", c.Text)
	}
	return b.String()
}

// format runs the optional formatter, folding its output into ToolReports.
func (o *Orchestrator) format(ctx context.Context, res *RunResult, dir string) {
	if o.opts.Formatter == nil || ctx.Err() != nil {
		return
	}
	report, err := o.opts.Formatter.Format(ctx, dir)
	if err != nil {
		o.log.Warn("formatter failed", zap.Error(err))
		res.ToolReports = append(res.ToolReports, fmt.Sprintf("format: %v", err))
		return
	}
	if report.Report != "" {
		res.ToolReports = append(res.ToolReports, report.Report)
	}
}

// createBrief builds dispatch briefings for the create flow: the request
// plus the artifacts of the block's dependencies.
func (o *Orchestrator) createBrief(prompt string) dispatch.BriefFunc {
	return func(block design.Block, done map[string]artifact.Artifact) string {
		var b strings.Builder
		b.WriteString("Request:\n")
		b.WriteString(prompt)
		b.WriteString("\n")
		writeDependencyBriefing(&b, block, done)
		return b.String()
	}
}

// iterateBrief additionally carries the retrieval briefing.
func (o *Orchestrator) iterateBrief(prompt, retrieval string) dispatch.BriefFunc {
	return func(block design.Block, done map[string]artifact.Artifact) string {
		var b strings.Builder
		b.WriteString("Request:\n")
		b.WriteString(prompt)
		b.WriteString("\n")
		if retrieval != "" {
			b.WriteString("\n")
			b.WriteString(retrieval)
		}
		writeDependencyBriefing(&b, block, done)
		return b.String()
	}
}

func writeDependencyBriefing(b *strings.Builder, block design.Block, done map[string]artifact.Artifact) {
	for _, dep := range block.DependsOn {
		if art, ok := done[dep]; ok {
			fmt.Fprintf(b, "\nDependency %s:\n```\n%s\n```\n", dep, art.Content)
		}
	}
}

func (o *Orchestrator) newResult(flow Flow) *RunResult {
	return &RunResult{
		RunID:     uuid.NewString(),
		Flow:      flow,
		Status:    StatusFailed,
		Phase:     PhaseInit,
		Artifacts: make(map[string]artifact.Artifact),
		StartedAt: time.Now(),
	}
}

func (o *Orchestrator) phase(res *RunResult, p Phase) {
	res.Phase = p
	o.log.Debug("entering phase",
		zap.String("run_id", res.RunID),
		zap.String("phase", string(p)),
	)
	if o.opts.Progress != nil {
		o.opts.Progress(p)
	}
}

// checkCtx observes cancellation at a phase boundary.
func (o *Orchestrator) checkCtx(ctx context.Context, res *RunResult) error {
	if err := ctx.Err(); err != nil {
		return o.fail(res, err)
	}
	return nil
}

func (o *Orchestrator) fail(res *RunResult, err error) error {
	res.Status = StatusFailed
	return &PipelineError{Phase: res.Phase, RunID: res.RunID, Err: err}
}

func (o *Orchestrator) finish(res *RunResult, span trace.Span) {
	res.FinishedAt = time.Now()
	res.Guardrail = o.opts.Guardrail.Snapshot()
	span.SetAttributes(
		attribute.String("codeloom.run_id", res.RunID),
		attribute.String("codeloom.status", string(res.Status)),
		attribute.Int("codeloom.artifacts", len(res.Artifacts)),
		attribute.Int("codeloom.tokens_consumed", res.Guardrail.TokensConsumed),
	)
}

func artifactContents(artifacts map[string]artifact.Artifact) map[string]string {
	files := make(map[string]string, len(artifacts))
	for path, art := range artifacts {
		files[path] = art.Content
	}
	return files
}

func sortedArtifactPaths(artifacts map[string]artifact.Artifact) []string {
	paths := make([]string, 0, len(artifacts))
	for path := range artifacts {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// summaryFiles lays out per-file summaries plus per-module rollups for the
// summaries output directory.
func summaryFiles(fileSummaries map[string]string) map[string]string {
	files := make(map[string]string, len(fileSummaries))
	for path, text := range fileSummaries {
		files[path+".md"] = text + "\n"
	}
	for module, lines := range moduleSummaries(fileSummaries) {
		files[filepath.Join("_modules", module+".md")] = renderModuleSummary(module, lines)
	}
	return files
}
