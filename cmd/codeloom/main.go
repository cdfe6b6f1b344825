// Package main implements the codeloom CLI: staged, budget-guarded codebase
// generation driven by language models.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loomworks/codeloom/internal/agent"
	"github.com/loomworks/codeloom/internal/artifact"
	"github.com/loomworks/codeloom/internal/config"
	"github.com/loomworks/codeloom/internal/dispatch"
	"github.com/loomworks/codeloom/internal/embeddings"
	"github.com/loomworks/codeloom/internal/fixer"
	"github.com/loomworks/codeloom/internal/flow"
	"github.com/loomworks/codeloom/internal/guardrail"
	"github.com/loomworks/codeloom/internal/knowledge"
	"github.com/loomworks/codeloom/internal/logging"
	"github.com/loomworks/codeloom/internal/summary"
	"github.com/loomworks/codeloom/internal/telemetry"
)

var (
	version = "dev"

	configPath string
	promptFlag string
	outDir     string
	repoDir    string
	watchFlag  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "codeloom",
	Short: "Staged codebase generation with budget guardrails",
	Long: `codeloom turns a prompt into a codebase through a staged pipeline:
design, tiered generation, fix integration, test-driven debugging, and
summarization, all bounded by a token and loop budget.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/codeloom/config.yaml)")

	createCmd.Flags().StringVarP(&promptFlag, "prompt", "p", "", "what to build (required)")
	createCmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (required)")
	_ = createCmd.MarkFlagRequired("prompt")
	_ = createCmd.MarkFlagRequired("out")

	iterateCmd.Flags().StringVarP(&promptFlag, "prompt", "p", "", "what to change (required)")
	iterateCmd.Flags().StringVarP(&repoDir, "repo", "r", "", "target repository (required)")
	_ = iterateCmd.MarkFlagRequired("prompt")
	_ = iterateCmd.MarkFlagRequired("repo")

	indexCmd.Flags().StringVarP(&repoDir, "repo", "r", "", "repository to index (required)")
	indexCmd.Flags().BoolVar(&watchFlag, "watch", false, "keep watching and re-index on changes")
	_ = indexCmd.MarkFlagRequired("repo")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(iterateCmd)
	rootCmd.AddCommand(indexCmd)
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a new codebase from a prompt",
	Example: `  codeloom create -p "a CSV deduplication tool with a CLI" -o ./out
  codeloom create --config ./codeloom.yaml -p "..." -o ./out`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlow(cmd.Context(), flow.FlowCreate)
	},
}

var iterateCmd = &cobra.Command{
	Use:   "iterate",
	Short: "Evolve an existing repository with a test-driven debug loop",
	Example: `  codeloom iterate -p "add retry logic to the fetcher" -r ./myrepo`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlow(cmd.Context(), flow.FlowIterate)
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build or refresh the knowledge index for a repository",
	Example: `  codeloom index -r ./myrepo
  codeloom index -r ./myrepo --watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIndex(cmd.Context())
	},
}

func runFlow(ctx context.Context, f flow.Flow) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(ctx)

	orch, err := app.buildOrchestrator()
	if err != nil {
		return err
	}

	var res *flow.RunResult
	switch f {
	case flow.FlowCreate:
		res, err = orch.RunCreate(ctx, promptFlag, outDir)
	case flow.FlowIterate:
		res, err = orch.RunIterate(ctx, promptFlag, repoDir)
	}
	if res != nil {
		printResult(app.logger, res)
	}
	return err
}

func runIndex(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.close(ctx)

	store, err := app.registry.ForRepo(repoDir)
	if err != nil {
		return err
	}

	result, err := store.Index(ctx, repoDir)
	if err != nil {
		return err
	}
	app.logger.Info("index complete",
		zap.Int("files_indexed", result.FilesIndexed),
		zap.Int("chunks_embedded", result.ChunksEmbedded),
		zap.Int("files_skipped", result.FilesSkipped),
		zap.Int("files_removed", result.FilesRemoved),
	)

	if !watchFlag {
		return nil
	}
	watcher, err := knowledge.NewWatcher(store, repoDir, 2*time.Second, app.logger)
	if err != nil {
		return err
	}
	app.logger.Info("watching for changes", zap.String("repo", repoDir))
	if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// app holds the shared assembly for one invocation.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	guard     *guardrail.Manager
	registry  *knowledge.Registry
	summaries *summary.Store
	shutdown  telemetry.ShutdownFunc
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.Enabled, "codeloom", version)
	if err != nil {
		return nil, err
	}

	knowledgeRoot, err := config.ExpandPath(cfg.Knowledge.Root)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewService(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	registry := knowledge.NewRegistry(knowledgeRoot, embedder, cfg.Knowledge, logger)

	summaries, err := summary.Open(knowledgeRoot, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		guard:     guardrail.New(cfg.Guardrail, logger),
		registry:  registry,
		summaries: summaries,
		shutdown:  shutdown,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.summaries.Close(); err != nil {
		a.logger.Warn("closing summary store", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil {
		a.logger.Warn("telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// buildOrchestrator wires the model clients and pipeline components.
func (a *app) buildOrchestrator() (*flow.Orchestrator, error) {
	clients := make(map[string]agent.ModelClient, len(a.cfg.Model.Profiles))
	for name, profile := range a.cfg.Model.Profiles {
		raw, err := agent.NewAnthropicClient(a.cfg.Model.APIKey, profile.Model, a.logger)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", name, err)
		}
		resilient := agent.NewResilientClient(raw, a.cfg.Model.RatePerSecond, a.cfg.Model.MaxRetries, a.logger)
		clients[name] = agent.NewGatedClient(resilient, a.guard, a.logger)
	}

	profiles := map[dispatch.Tier]dispatch.Profile{
		dispatch.TierJunior: profileFor(a.cfg, config.ProfileJunior, clients),
		dispatch.TierSenior: profileFor(a.cfg, config.ProfileSenior, clients),
		dispatch.TierLead:   profileFor(a.cfg, config.ProfileLead, clients),
	}
	dispatcher, err := dispatch.New(profiles, a.cfg.Dispatch.PromoteDeps, a.cfg.Dispatch.Workers, a.logger)
	if err != nil {
		return nil, err
	}

	leadTokens := a.cfg.Model.Profiles[config.ProfileLead].MaxTokens
	juniorTokens := a.cfg.Model.Profiles[config.ProfileJunior].MaxTokens

	return flow.NewOrchestrator(flow.Options{
		Logger:     a.logger,
		Guardrail:  a.guard,
		Designer:   &flow.ModelDesigner{Client: clients[config.ProfileLead], MaxTokens: leadTokens},
		Dispatcher: dispatcher,
		Integrator: fixer.NewIntegrator(a.logger),
		Proposer:   &flow.ModelFixProposer{Client: clients[config.ProfileSenior], MaxTokens: a.cfg.Model.Profiles[config.ProfileSenior].MaxTokens},
		Summarizer: &flow.ModelSummarizer{Client: clients[config.ProfileJunior], MaxTokens: juniorTokens},
		Knowledge:  a.registry,
		Summaries:  a.summaries,
		Tests: &agent.ExecTestRunner{
			Command: a.cfg.Tests.Command,
			Timeout: time.Duration(a.cfg.Tests.TimeoutSeconds) * time.Second,
			Logger:  a.logger,
		},
		Formatter: &agent.ExecFormatter{Command: a.cfg.Format.Command, Logger: a.logger},
		Writer:    artifact.NewWriter(a.logger),
		SearchK:   a.cfg.Knowledge.SearchK,
		Progress: func(p flow.Phase) {
			a.logger.Info("phase", zap.String("phase", string(p)))
		},
	})
}

func profileFor(cfg *config.Config, name string, clients map[string]agent.ModelClient) dispatch.Profile {
	return dispatch.Profile{
		Name:      name,
		Client:    clients[name],
		MaxTokens: cfg.Model.Profiles[name].MaxTokens,
	}
}

func printResult(logger *zap.Logger, res *flow.RunResult) {
	fields := []zap.Field{
		zap.String("run_id", res.RunID),
		zap.String("flow", string(res.Flow)),
		zap.String("status", string(res.Status)),
		zap.String("phase", string(res.Phase)),
		zap.Int("artifacts", len(res.Artifacts)),
		zap.Int("files_written", len(res.Written)),
		zap.Int("tokens_consumed", res.Guardrail.TokensConsumed),
		zap.Int("debug_attempts", res.DebugAttempts),
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
	}
	if len(res.Superseded) > 0 {
		fields = append(fields, zap.Int("fixes_superseded", len(res.Superseded)))
	}
	if len(res.SkippedFixes) > 0 {
		fields = append(fields, zap.Int("fixes_skipped", len(res.SkippedFixes)))
	}
	if res.LastDiagnostic != "" {
		fields = append(fields, zap.String("last_diagnostic", res.LastDiagnostic))
	}

	switch res.Status {
	case flow.StatusSuccess:
		logger.Info("run complete", fields...)
	case flow.StatusPartial:
		logger.Warn("run partially complete", fields...)
	default:
		logger.Error("run failed", fields...)
	}
}
