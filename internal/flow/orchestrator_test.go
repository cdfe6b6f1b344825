package flow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/codeloom/internal/agent"
	"github.com/loomworks/codeloom/internal/artifact"
	"github.com/loomworks/codeloom/internal/config"
	"github.com/loomworks/codeloom/internal/design"
	"github.com/loomworks/codeloom/internal/dispatch"
	"github.com/loomworks/codeloom/internal/fixer"
	"github.com/loomworks/codeloom/internal/guardrail"
	"github.com/loomworks/codeloom/internal/knowledge"
	"github.com/loomworks/codeloom/internal/summary"
)

// echoClient answers every generation request with a file block for the
// requested path.
type echoClient struct {
	mu    sync.Mutex
	calls int
}

func (c *echoClient) Complete(_ context.Context, req agent.PromptContext) (agent.Completion, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	var path string
	fmt.Sscanf(req.Task, "Implement the file %s", &path)
	path = strings.TrimSuffix(path, ".")
	text := fmt.Sprintf("```file:%s\n# generated %s\n```", path, path)
	return agent.Completion{Text: text, InputTokens: 20, OutputTokens: 20}, nil
}

type fakeDesigner struct {
	blocks []design.Block
	err    error
}

func (d *fakeDesigner) Design(context.Context, string, string) ([]design.Block, error) {
	return d.blocks, d.err
}

type fakeSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSummarizer) Summarize(_ context.Context, path, _ string) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return "summary of " + path, nil
}

func (s *fakeSummarizer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeProposer struct {
	proposals []fixer.Proposal
	err       error
}

func (p *fakeProposer) Propose(context.Context, string, map[string]artifact.Artifact) ([]fixer.Proposal, error) {
	return p.proposals, p.err
}

type fakeRunner struct {
	mu      sync.Mutex
	results []agent.TestResult
	runs    int
}

func (r *fakeRunner) Run(context.Context, string) (agent.TestResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.runs
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	r.runs++
	return r.results[idx], nil
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

// flowEmbedder is the minimal embedder for knowledge stores in tests.
type flowEmbedder struct {
	mu    sync.Mutex
	texts int
}

func (f *flowEmbedder) vec(text string) []float32 {
	v := make([]float32, 4)
	for i, r := range text {
		v[i%4] += float32(r%31) + 1
	}
	for i := range v {
		v[i]++
	}
	return v
}

func (f *flowEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.texts += len(texts)
	f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vec(t)
	}
	return out, nil
}

func (f *flowEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return f.vec(text), nil
}

func (f *flowEmbedder) embeddedTexts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts
}

type fixture struct {
	orch       *Orchestrator
	guard      *guardrail.Manager
	summarizer *fakeSummarizer
	runner     *fakeRunner
	embedder   *flowEmbedder
	client     *echoClient
}

type fixtureConfig struct {
	tokenLimit int
	loopLimit  int
	designer   Designer
	proposer   FixProposer
	runner     *fakeRunner
}

func newFixture(t *testing.T, fc fixtureConfig) *fixture {
	t.Helper()

	if fc.tokenLimit == 0 {
		fc.tokenLimit = 1_000_000
	}
	if fc.loopLimit == 0 {
		fc.loopLimit = 2
	}
	guard := guardrail.New(guardrail.Config{TokenLimit: fc.tokenLimit, LoopLimit: fc.loopLimit}, zap.NewNop())

	client := &echoClient{}
	gated := agent.NewGatedClient(client, guard, zap.NewNop())
	dispatcher, err := dispatch.New(map[dispatch.Tier]dispatch.Profile{
		dispatch.TierJunior: {Name: "junior", Client: gated, MaxTokens: 100},
		dispatch.TierSenior: {Name: "senior", Client: gated, MaxTokens: 100},
		dispatch.TierLead:   {Name: "lead", Client: gated, MaxTokens: 200},
	}, 2, 2, zap.NewNop())
	require.NoError(t, err)

	embedder := &flowEmbedder{}
	registry := knowledge.NewRegistry(t.TempDir(), embedder, config.KnowledgeConfig{
		IncludePatterns: []string{"*.py", "*.md"},
		MaxFileSize:     1024 * 1024,
		ChunkChars:      1200,
		ChunkOverlap:    100,
		SearchK:         4,
	}, zap.NewNop())

	summaries, err := summary.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { summaries.Close() })

	summarizer := &fakeSummarizer{}
	runner := fc.runner
	if runner == nil {
		runner = &fakeRunner{results: []agent.TestResult{{Passed: true}}}
	}
	proposer := fc.proposer
	if proposer == nil {
		proposer = &fakeProposer{}
	}

	orch, err := NewOrchestrator(Options{
		Logger:     zap.NewNop(),
		Guardrail:  guard,
		Designer:   fc.designer,
		Dispatcher: dispatcher,
		Integrator: fixer.NewIntegrator(zap.NewNop()),
		Proposer:   proposer,
		Summarizer: summarizer,
		Knowledge:  registry,
		Summaries:  summaries,
		Tests:      runner,
		Writer:     artifact.NewWriter(zap.NewNop()),
		SearchK:    4,
	})
	require.NoError(t, err)

	return &fixture{
		orch:       orch,
		guard:      guard,
		summarizer: summarizer,
		runner:     runner,
		embedder:   embedder,
		client:     client,
	}
}

func twoBlockDesign() *fakeDesigner {
	return &fakeDesigner{blocks: []design.Block{
		{Path: "a.py", Responsibility: "base", Complexity: design.ComplexityLow},
		{Path: "b.py", Responsibility: "uses a", Complexity: design.ComplexityLow, DependsOn: []string{"a.py"}},
	}}
}

func TestRunCreate_EndToEnd(t *testing.T) {
	f := newFixture(t, fixtureConfig{designer: twoBlockDesign()})
	outDir := t.TempDir()

	res, err := f.orch.RunCreate(context.Background(), "build a thing", outDir)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, PhaseDone, res.Phase)
	require.Len(t, res.Artifacts, 2)

	// Source files on disk.
	for _, rel := range []string{"a.py", "b.py"} {
		data, err := os.ReadFile(filepath.Join(outDir, "src", rel))
		require.NoError(t, err)
		assert.Contains(t, string(data), "generated "+rel)
	}
	// Summaries on disk, one per file plus a module rollup.
	data, err := os.ReadFile(filepath.Join(outDir, "summaries", "a.py.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "summary of a.py")
	_, err = os.Stat(filepath.Join(outDir, "summaries", "_modules", "root.md"))
	require.NoError(t, err)

	assert.Greater(t, res.Guardrail.TokensConsumed, 0)
	assert.False(t, res.Guardrail.Exhausted)
}

func TestRunCreate_EmptyPromptRejected(t *testing.T) {
	f := newFixture(t, fixtureConfig{designer: twoBlockDesign()})

	_, err := f.orch.RunCreate(context.Background(), "  ", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PhaseInit, perr.Phase)
}

func TestRunCreate_InvalidDesignFails(t *testing.T) {
	f := newFixture(t, fixtureConfig{designer: &fakeDesigner{blocks: []design.Block{
		{Path: "a.py", Responsibility: "r", Complexity: design.ComplexityLow, DependsOn: []string{"b.py"}},
		{Path: "b.py", Responsibility: "r", Complexity: design.ComplexityLow, DependsOn: []string{"a.py"}},
	}}})

	_, err := f.orch.RunCreate(context.Background(), "build", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, design.ErrDependencyCycle)

	var perr *PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PhaseDesign, perr.Phase)
}

func TestRunCreate_ExhaustionYieldsPartial(t *testing.T) {
	f := newFixture(t, fixtureConfig{designer: twoBlockDesign(), tokenLimit: 1})
	outDir := t.TempDir()

	res, err := f.orch.RunCreate(context.Background(), "build", outDir)
	require.NoError(t, err, "exhaustion is a partial outcome, not a pipeline error")

	assert.Equal(t, StatusPartial, res.Status)
	assert.Empty(t, res.Artifacts)
	assert.Equal(t, 0, f.summarizer.count(), "model phases are skipped once exhausted")
}

func TestRunCreate_CancelledContext(t *testing.T) {
	f := newFixture(t, fixtureConfig{designer: twoBlockDesign()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.RunCreate(ctx, "build", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func writeIterateRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "existing.py"), []byte("x = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# Repo\n"), 0o644))
	return repo
}

func singleBlockDesign() *fakeDesigner {
	return &fakeDesigner{blocks: []design.Block{
		{Path: "mod.py", Responsibility: "new module", Complexity: design.ComplexityLow},
	}}
}

func TestRunIterate_TestsPassFirstTry(t *testing.T) {
	f := newFixture(t, fixtureConfig{designer: singleBlockDesign()})
	repo := writeIterateRepo(t)

	res, err := f.orch.RunIterate(context.Background(), "add a module", repo)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.DebugAttempts)
	assert.Empty(t, res.LastDiagnostic)

	data, err := os.ReadFile(filepath.Join(repo, "mod.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "generated mod.py")
}

func TestRunIterate_DebugLoopBounded(t *testing.T) {
	runner := &fakeRunner{results: []agent.TestResult{{Passed: false, Diagnostics: "boom"}}}
	proposer := &fakeProposer{proposals: []fixer.Proposal{
		{Path: "mod.py", Find: "generated", Replace: "patched", Diagnostic: "boom"},
	}}
	f := newFixture(t, fixtureConfig{
		designer: singleBlockDesign(),
		proposer: proposer,
		runner:   runner,
		loopLimit: 3,
	})
	repo := writeIterateRepo(t)

	res, err := f.orch.RunIterate(context.Background(), "add a module", repo)
	require.NoError(t, err)

	assert.Equal(t, 3, runner.runCount(), "loop budget caps test executions")
	assert.Equal(t, 3, res.DebugAttempts)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, "boom", res.LastDiagnostic)
}

func TestRunIterate_FixAppliedThenTestsPass(t *testing.T) {
	runner := &fakeRunner{results: []agent.TestResult{
		{Passed: false, Diagnostics: "needs patch"},
		{Passed: true},
	}}
	proposer := &fakeProposer{proposals: []fixer.Proposal{
		{Path: "mod.py", Find: "generated mod.py", Replace: "patched mod.py", Diagnostic: "needs patch"},
	}}
	f := newFixture(t, fixtureConfig{
		designer: singleBlockDesign(),
		proposer: proposer,
		runner:   runner,
	})
	repo := writeIterateRepo(t)

	res, err := f.orch.RunIterate(context.Background(), "add a module", repo)
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.DebugAttempts)
	data, err := os.ReadFile(filepath.Join(repo, "mod.py"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "patched mod.py")
}

func TestRunIterate_KnowledgeIndexedOnceAcrossRuns(t *testing.T) {
	f := newFixture(t, fixtureConfig{designer: singleBlockDesign()})
	repo := writeIterateRepo(t)

	_, err := f.orch.RunIterate(context.Background(), "first change", repo)
	require.NoError(t, err)
	afterFirst := f.embedder.embeddedTexts()
	assert.Greater(t, afterFirst, 0)

	// Second run over the unchanged tree re-embeds nothing: the store is
	// non-empty and every digest matches the manifest.
	_, err = f.orch.RunIterate(context.Background(), "second change", repo)
	require.NoError(t, err)
	assert.Equal(t, afterFirst, f.embedder.embeddedTexts())
}

func TestRunIterate_SummariesBackfilledOnlyOnce(t *testing.T) {
	f := newFixture(t, fixtureConfig{designer: singleBlockDesign()})
	repo := writeIterateRepo(t)

	_, err := f.orch.RunIterate(context.Background(), "first", repo)
	require.NoError(t, err)
	// Backfill covered existing.py and README.md, plus mod.py from the run.
	afterFirst := f.summarizer.count()
	assert.GreaterOrEqual(t, afterFirst, 3)

	_, err = f.orch.RunIterate(context.Background(), "second", repo)
	require.NoError(t, err)
	assert.Equal(t, afterFirst, f.summarizer.count(),
		"unchanged digests must not trigger regeneration")
}

func TestRunIterate_MissingRepoRejected(t *testing.T) {
	f := newFixture(t, fixtureConfig{designer: singleBlockDesign()})

	_, err := f.orch.RunIterate(context.Background(), "change", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(Options{})
	assert.ErrorIs(t, err, ErrConfiguration)
}
