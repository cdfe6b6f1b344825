// Package dispatch routes design blocks to capability tiers and drives their
// generation wave by wave. Routing is a pure function of the block; execution
// respects dependency order and the shared token budget.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/codeloom/internal/agent"
	"github.com/loomworks/codeloom/internal/artifact"
	"github.com/loomworks/codeloom/internal/design"
	"github.com/loomworks/codeloom/internal/fixer"
	"github.com/loomworks/codeloom/internal/guardrail"
)

// Tier is a capability level for generation.
type Tier int

const (
	TierJunior Tier = iota
	TierSenior
	TierLead
)

func (t Tier) String() string {
	switch t {
	case TierJunior:
		return "junior"
	case TierSenior:
		return "senior"
	case TierLead:
		return "lead"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// RouteTier maps a block's complexity to a tier, promoting one level when
// the block depends on at least promoteDeps other blocks. Promotion never
// demotes and never exceeds TierLead.
func RouteTier(complexity design.Complexity, depCount, promoteDeps int) Tier {
	var tier Tier
	switch complexity {
	case design.ComplexityLow:
		tier = TierJunior
	case design.ComplexityHigh:
		tier = TierLead
	default:
		tier = TierSenior
	}

	if promoteDeps > 0 && depCount >= promoteDeps && tier < TierLead {
		tier++
	}
	return tier
}

// Profile binds a tier to a concrete model client.
type Profile struct {
	Name      string
	Client    agent.ModelClient
	MaxTokens int
}

// GenerationError reports that one block could not be generated even after
// escalation.
type GenerationError struct {
	BlockPath string
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating %s: %v", e.BlockPath, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// BriefFunc builds the briefing for a block given the artifacts of already
// completed blocks.
type BriefFunc func(block design.Block, done map[string]artifact.Artifact) string

// Result is what dispatching produced, possibly partially under exhaustion.
type Result struct {
	// Artifacts maps block path to the generated artifact.
	Artifacts map[string]artifact.Artifact

	// Proposals are fix proposals emitted alongside generation, in block
	// path order within each wave.
	Proposals []fixer.Proposal
}

// Dispatcher generates artifacts for design blocks.
type Dispatcher struct {
	profiles    map[Tier]Profile
	promoteDeps int
	workers     int
	logger      *zap.Logger
}

// New creates a Dispatcher. profiles must cover all three tiers.
func New(profiles map[Tier]Profile, promoteDeps, workers int, logger *zap.Logger) (*Dispatcher, error) {
	for _, tier := range []Tier{TierJunior, TierSenior, TierLead} {
		if _, ok := profiles[tier]; !ok {
			return nil, fmt.Errorf("missing profile for tier %s", tier)
		}
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		profiles:    profiles,
		promoteDeps: promoteDeps,
		workers:     workers,
		logger:      logger,
	}, nil
}

// Dispatch generates one block's artifact. A response without file blocks is
// retried once at the next-higher tier before failing with GenerationError.
// Budget exhaustion is surfaced immediately without escalation.
func (d *Dispatcher) Dispatch(ctx context.Context, block design.Block, briefing string) (artifact.Artifact, []fixer.Proposal, error) {
	tier := RouteTier(block.Complexity, len(block.DependsOn), d.promoteDeps)

	art, proposals, err := d.generate(ctx, block, briefing, tier)
	if err == nil {
		return art, proposals, nil
	}
	if errors.Is(err, guardrail.ErrExhausted) {
		return artifact.Artifact{}, nil, err
	}

	// Escalate parse failures once: a sharper model usually fixes format
	// slips. Lead has nowhere to go.
	if errors.Is(err, agent.ErrNoFileBlocks) && tier < TierLead {
		d.logger.Warn("escalating block after parse failure",
			zap.String("path", block.Path),
			zap.String("from", tier.String()),
			zap.String("to", (tier + 1).String()),
		)
		art, proposals, retryErr := d.generate(ctx, block, briefing, tier+1)
		if retryErr == nil {
			return art, proposals, nil
		}
		if errors.Is(retryErr, guardrail.ErrExhausted) {
			return artifact.Artifact{}, nil, retryErr
		}
		err = retryErr
	}

	return artifact.Artifact{}, nil, &GenerationError{BlockPath: block.Path, Err: err}
}

func (d *Dispatcher) generate(ctx context.Context, block design.Block, briefing string, tier Tier) (artifact.Artifact, []fixer.Proposal, error) {
	profile := d.profiles[tier]

	completion, err := profile.Client.Complete(ctx, agent.PromptContext{
		Task:      buildTask(block),
		Briefing:  briefing,
		Profile:   profile.Name,
		MaxTokens: profile.MaxTokens,
	})
	if err != nil {
		return artifact.Artifact{}, nil, err
	}

	files, err := agent.ParseFileMap(completion.Text)
	if err != nil {
		return artifact.Artifact{}, nil, err
	}

	content, ok := files[block.Path]
	if !ok {
		// The model produced files but not the one asked for; treat the
		// largest block as the primary artifact.
		for _, c := range files {
			if len(c) > len(content) {
				content = c
			}
		}
	}

	proposals, perr := agent.ParseProposals(completion.Text)
	if perr != nil {
		// Bad fix blocks don't invalidate the artifact.
		d.logger.Warn("ignoring malformed fix proposals",
			zap.String("path", block.Path),
			zap.Error(perr),
		)
		proposals = nil
	}

	return artifact.New(block.Path, content, block.Path), proposals, nil
}

// DispatchAll generates artifacts for all waves in dependency order. Blocks
// within a wave run concurrently, bounded by the worker limit. On budget
// exhaustion the artifacts generated so far are returned along with
// guardrail.ErrExhausted; later waves are not started.
func (d *Dispatcher) DispatchAll(ctx context.Context, waves [][]design.Block, brief BriefFunc) (*Result, error) {
	result := &Result{Artifacts: make(map[string]artifact.Artifact)}

	for _, wave := range waves {
		var (
			mu            sync.Mutex
			waveArtifacts = make(map[string]artifact.Artifact)
			waveProposals = make(map[string][]fixer.Proposal)
		)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.workers)

		for _, block := range wave {
			block := block
			briefing := ""
			if brief != nil {
				briefing = brief(block, result.Artifacts)
			}
			g.Go(func() error {
				art, proposals, err := d.Dispatch(gctx, block, briefing)
				if err != nil {
					return err
				}
				mu.Lock()
				waveArtifacts[block.Path] = art
				waveProposals[block.Path] = proposals
				mu.Unlock()
				return nil
			})
		}

		err := g.Wait()

		// Keep whatever the wave finished, in deterministic order.
		paths := make([]string, 0, len(waveArtifacts))
		for path := range waveArtifacts {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			result.Artifacts[path] = waveArtifacts[path]
			result.Proposals = append(result.Proposals, waveProposals[path]...)
		}

		if err != nil {
			if errors.Is(err, guardrail.ErrExhausted) {
				d.logger.Warn("token budget exhausted during dispatch",
					zap.Int("artifacts_completed", len(result.Artifacts)),
				)
				return result, fmt.Errorf("dispatch stopped early: %w", guardrail.ErrExhausted)
			}
			return result, err
		}
	}

	return result, nil
}

// buildTask renders the generation instruction for one block.
func buildTask(block design.Block) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the file %s.\n", block.Path)
	fmt.Fprintf(&b, "Responsibility: %s\n", block.Responsibility)
	if len(block.DependsOn) > 0 {
		fmt.Fprintf(&b, "It builds on: %s\n", strings.Join(block.DependsOn, ", "))
	}
	b.WriteString("\nReturn the complete file in a fenced block tagged file:")
	b.WriteString(block.Path)
	b.WriteString(".\nIf you spot a defect in a dependency, emit a fenced block tagged fix ")
	b.WriteString("containing a JSON object with path, find, replace, and diagnostic fields.\n")
	return b.String()
}
