package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/codeloom/internal/agent"
	"github.com/loomworks/codeloom/internal/artifact"
	"github.com/loomworks/codeloom/internal/design"
	"github.com/loomworks/codeloom/internal/fixer"
)

// Designer turns a prompt (plus retrieved context) into design blocks.
type Designer interface {
	Design(ctx context.Context, prompt, briefing string) ([]design.Block, error)
}

// FixProposer turns failing test diagnostics into fix proposals against the
// current artifacts.
type FixProposer interface {
	Propose(ctx context.Context, diagnostics string, artifacts map[string]artifact.Artifact) ([]fixer.Proposal, error)
}

// Summarizer produces a short summary of one source file.
type Summarizer interface {
	Summarize(ctx context.Context, path, content string) (string, error)
}

// ModelDesigner implements Designer on a ModelClient.
type ModelDesigner struct {
	Client    agent.ModelClient
	MaxTokens int
}

func (d *ModelDesigner) Design(ctx context.Context, prompt, briefing string) ([]design.Block, error) {
	task := "Design the codebase for the following request.\n\n" +
		prompt + "\n\n" +
		"Answer with a JSON array of blocks, each with path, responsibility, " +
		"complexity (low, medium, or high), and depends_on (paths of other blocks). " +
		"Order does not matter; dependencies must be acyclic."

	completion, err := d.Client.Complete(ctx, agent.PromptContext{
		Task:      task,
		Briefing:  briefing,
		Profile:   "designer",
		MaxTokens: d.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return agent.ParseDesign(completion.Text)
}

// ModelFixProposer implements FixProposer on a ModelClient.
type ModelFixProposer struct {
	Client    agent.ModelClient
	MaxTokens int
}

func (p *ModelFixProposer) Propose(ctx context.Context, diagnostics string, artifacts map[string]artifact.Artifact) ([]fixer.Proposal, error) {
	var b strings.Builder
	b.WriteString("Tests are failing. Diagnostics:\n\n")
	b.WriteString(diagnostics)
	b.WriteString("\n\nCurrent files:\n")

	paths := make([]string, 0, len(artifacts))
	for path := range artifacts {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		fmt.Fprintf(&b, "\n```file:%s\n%s\n```\n", path, artifacts[path].Content)
	}
	b.WriteString("\nPropose minimal fixes. For each fix emit a fenced block tagged fix " +
		"containing a JSON object with path, find, replace, and diagnostic fields. " +
		"The find text must appear verbatim in the target file.")

	completion, err := p.Client.Complete(ctx, agent.PromptContext{
		Task:      b.String(),
		Profile:   "fixer",
		MaxTokens: p.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return agent.ParseProposals(completion.Text)
}

// maxSummaryInput caps how much of a file is sent for summarization. Files
// larger than this are summarized from their head, which holds the package
// comment and primary definitions in most source layouts.
const maxSummaryInput = 16000

// ModelSummarizer implements Summarizer on a ModelClient.
type ModelSummarizer struct {
	Client    agent.ModelClient
	MaxTokens int
}

func (s *ModelSummarizer) Summarize(ctx context.Context, path, content string) (string, error) {
	if len(content) > maxSummaryInput {
		content = content[:maxSummaryInput]
	}
	task := fmt.Sprintf(
		"Summarize the file %s in at most five sentences: its purpose, its key "+
			"definitions, and what depends on it. Answer with the summary only.\n\n%s",
		path, content,
	)
	completion, err := s.Client.Complete(ctx, agent.PromptContext{
		Task:      task,
		Profile:   "summarizer",
		MaxTokens: s.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	return completion.Text, nil
}

// moduleSummaries rolls file summaries up to their top-level directory so a
// reader gets one paragraph per module alongside the per-file detail.
func moduleSummaries(fileSummaries map[string]string) map[string][]string {
	modules := make(map[string][]string)
	paths := make([]string, 0, len(fileSummaries))
	for path := range fileSummaries {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		module := "root"
		if i := strings.IndexRune(path, '/'); i > 0 {
			module = path[:i]
		}
		modules[module] = append(modules[module], fmt.Sprintf("%s: %s", path, fileSummaries[path]))
	}
	return modules
}

// renderModuleSummary renders one module's rollup as markdown.
func renderModuleSummary(module string, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", module)
	for _, line := range lines {
		fmt.Fprintf(&b, "- %s\n", line)
	}
	return b.String()
}
