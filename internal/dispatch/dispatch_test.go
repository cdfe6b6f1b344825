package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/codeloom/internal/agent"
	"github.com/loomworks/codeloom/internal/artifact"
	"github.com/loomworks/codeloom/internal/design"
	"github.com/loomworks/codeloom/internal/guardrail"
)

func TestRouteTier(t *testing.T) {
	tests := []struct {
		name       string
		complexity design.Complexity
		deps       int
		want       Tier
	}{
		{"low no deps", design.ComplexityLow, 0, TierJunior},
		{"medium no deps", design.ComplexityMedium, 0, TierSenior},
		{"high no deps", design.ComplexityHigh, 0, TierLead},
		{"low promoted by deps", design.ComplexityLow, 2, TierSenior},
		{"medium promoted by deps", design.ComplexityMedium, 3, TierLead},
		{"high cannot exceed lead", design.ComplexityHigh, 5, TierLead},
		{"one dep below threshold", design.ComplexityLow, 1, TierJunior},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RouteTier(tt.complexity, tt.deps, 2))
		})
	}
}

// tierClient records which profile served each call and replies per a script.
type tierClient struct {
	mu      sync.Mutex
	name    string
	calls   []string
	respond func(req agent.PromptContext) (agent.Completion, error)
}

func (c *tierClient) Complete(_ context.Context, req agent.PromptContext) (agent.Completion, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req.Task)
	c.mu.Unlock()
	return c.respond(req)
}

func fileResponse(path, content string) func(agent.PromptContext) (agent.Completion, error) {
	return func(agent.PromptContext) (agent.Completion, error) {
		text := fmt.Sprintf("```file:%s\n%s\n```", path, content)
		return agent.Completion{Text: text, InputTokens: 10, OutputTokens: 10}, nil
	}
}

func newTestDispatcher(t *testing.T, junior, senior, lead agent.ModelClient) *Dispatcher {
	t.Helper()
	d, err := New(map[Tier]Profile{
		TierJunior: {Name: "junior", Client: junior, MaxTokens: 100},
		TierSenior: {Name: "senior", Client: senior, MaxTokens: 100},
		TierLead:   {Name: "lead", Client: lead, MaxTokens: 200},
	}, 2, 4, zap.NewNop())
	require.NoError(t, err)
	return d
}

func TestDispatch_EscalatesOnceOnParseFailure(t *testing.T) {
	junior := &tierClient{respond: func(agent.PromptContext) (agent.Completion, error) {
		return agent.Completion{Text: "sorry, no code today"}, nil
	}}
	senior := &tierClient{respond: fileResponse("a.py", "x = 1")}
	lead := &tierClient{respond: fileResponse("a.py", "unused")}
	d := newTestDispatcher(t, junior, senior, lead)

	art, _, err := d.Dispatch(context.Background(), design.Block{
		Path: "a.py", Responsibility: "r", Complexity: design.ComplexityLow,
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "x = 1", art.Content)
	assert.Len(t, junior.calls, 1)
	assert.Len(t, senior.calls, 1)
	assert.Empty(t, lead.calls)
}

func TestDispatch_LeadParseFailureIsGenerationError(t *testing.T) {
	garbage := &tierClient{respond: func(agent.PromptContext) (agent.Completion, error) {
		return agent.Completion{Text: "nothing useful"}, nil
	}}
	d := newTestDispatcher(t, garbage, garbage, garbage)

	_, _, err := d.Dispatch(context.Background(), design.Block{
		Path: "a.py", Responsibility: "r", Complexity: design.ComplexityHigh,
	}, "")

	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "a.py", genErr.BlockPath)
	assert.Len(t, garbage.calls, 1, "lead failures are not retried")
}

func TestDispatch_CollectsFixProposals(t *testing.T) {
	senior := &tierClient{respond: func(agent.PromptContext) (agent.Completion, error) {
		text := "```file:b.py\ny = 2\n```\n" +
			"```fix\n" +
			`{"path": "a.py", "find": "x = 1", "replace": "x = 10", "diagnostic": "scale"}` + "\n" +
			"```"
		return agent.Completion{Text: text}, nil
	}}
	d := newTestDispatcher(t, senior, senior, senior)

	_, proposals, err := d.Dispatch(context.Background(), design.Block{
		Path: "b.py", Responsibility: "r", Complexity: design.ComplexityMedium,
	}, "")
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, "a.py", proposals[0].Path)
}

func TestDispatchAll_DependentsSeeDependencyArtifacts(t *testing.T) {
	client := &tierClient{respond: func(req agent.PromptContext) (agent.Completion, error) {
		// Echo the briefing back so the test can see what the model saw.
		var path string
		fmt.Sscanf(req.Task, "Implement the file %s", &path)
		path = strings.TrimSuffix(path, ".")
		text := fmt.Sprintf("```file:%s\ncontent of %s\n```", path, path)
		if strings.Contains(req.Briefing, "content of a.py") {
			text = fmt.Sprintf("```file:%s\nsaw dependency\n```", path)
		}
		return agent.Completion{Text: text}, nil
	}}
	d := newTestDispatcher(t, client, client, client)

	set, err := design.NewSet([]design.Block{
		{Path: "a.py", Responsibility: "base", Complexity: design.ComplexityLow},
		{Path: "b.py", Responsibility: "uses a", Complexity: design.ComplexityLow, DependsOn: []string{"a.py"}},
	})
	require.NoError(t, err)

	brief := func(block design.Block, done map[string]artifact.Artifact) string {
		var b strings.Builder
		for _, dep := range block.DependsOn {
			if art, ok := done[dep]; ok {
				b.WriteString(art.Content)
			}
		}
		return b.String()
	}

	result, err := d.DispatchAll(context.Background(), set.Waves(), brief)
	require.NoError(t, err)
	require.Len(t, result.Artifacts, 2)
	assert.Equal(t, "content of a.py", result.Artifacts["a.py"].Content)
	assert.Equal(t, "saw dependency", result.Artifacts["b.py"].Content,
		"b.py must not start before a.py's artifact exists")
}

func TestDispatchAll_DiamondDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	client := &tierClient{respond: func(req agent.PromptContext) (agent.Completion, error) {
		var path string
		fmt.Sscanf(req.Task, "Implement the file %s", &path)
		path = strings.TrimSuffix(path, ".")
		mu.Lock()
		seen[path] = strings.Count(req.Briefing, "done:")
		mu.Unlock()
		text := fmt.Sprintf("```file:%s\ndone:%s\n```", path, path)
		return agent.Completion{Text: text}, nil
	}}
	d := newTestDispatcher(t, client, client, client)

	set, err := design.NewSet([]design.Block{
		{Path: "a.py", Responsibility: "base", Complexity: design.ComplexityLow},
		{Path: "b.py", Responsibility: "uses a", Complexity: design.ComplexityLow, DependsOn: []string{"a.py"}},
		{Path: "c.py", Responsibility: "uses a and b", Complexity: design.ComplexityLow, DependsOn: []string{"a.py", "b.py"}},
	})
	require.NoError(t, err)

	brief := func(block design.Block, done map[string]artifact.Artifact) string {
		var b strings.Builder
		for _, dep := range block.DependsOn {
			if art, ok := done[dep]; ok {
				b.WriteString(art.Content + "\n")
			}
		}
		return b.String()
	}

	result, err := d.DispatchAll(context.Background(), set.Waves(), brief)
	require.NoError(t, err)
	require.Len(t, result.Artifacts, 3)
	assert.Equal(t, 0, seen["a.py"])
	assert.Equal(t, 1, seen["b.py"], "b.py must start after a.py's artifact exists")
	assert.Equal(t, 2, seen["c.py"], "c.py must start after both a.py and b.py exist")
}

func TestDispatchAll_ExhaustionKeepsCompletedArtifacts(t *testing.T) {
	guard := guardrail.New(guardrail.Config{TokenLimit: 1, LoopLimit: 2}, zap.NewNop())
	raw := &tierClient{respond: fileResponse("a.py", "x")}
	gated := agent.NewGatedClient(raw, guard, zap.NewNop())
	d := newTestDispatcher(t, gated, gated, gated)

	set, err := design.NewSet([]design.Block{
		{Path: "a.py", Responsibility: "r", Complexity: design.ComplexityLow},
	})
	require.NoError(t, err)

	result, err := d.DispatchAll(context.Background(), set.Waves(), nil)
	require.ErrorIs(t, err, guardrail.ErrExhausted)
	assert.Empty(t, result.Artifacts)
	assert.Empty(t, raw.calls, "no model call once the budget is gone")
}

func TestNew_RequiresAllTiers(t *testing.T) {
	client := &tierClient{respond: fileResponse("a.py", "x")}
	_, err := New(map[Tier]Profile{
		TierJunior: {Name: "junior", Client: client},
	}, 2, 4, zap.NewNop())
	assert.Error(t, err)
}
