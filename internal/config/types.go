// Package config provides configuration loading for codeloom.
package config

import (
	"fmt"

	"github.com/loomworks/codeloom/internal/guardrail"
	"github.com/loomworks/codeloom/internal/logging"
)

// Profile names route design blocks to capability tiers. The set is closed:
// routing is a pure function over (complexity, dependency count), not a
// class hierarchy.
const (
	ProfileJunior = "junior"
	ProfileSenior = "senior"
	ProfileLead   = "lead"
)

// Config is the full codeloom configuration.
type Config struct {
	Logging   logging.Config   `koanf:"logging"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
	Guardrail guardrail.Config `koanf:"guardrail"`
	Dispatch  DispatchConfig   `koanf:"dispatch"`
	Knowledge KnowledgeConfig  `koanf:"knowledge"`
	Embedding EmbeddingConfig  `koanf:"embedding"`
	Model     ModelConfig      `koanf:"model"`
	Tests     TestsConfig      `koanf:"tests"`
	Format    FormatConfig     `koanf:"format"`
}

// TelemetryConfig controls OTel stdout export.
type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

// DispatchConfig controls the development dispatcher.
type DispatchConfig struct {
	// Workers bounds concurrent dispatches within a dependency wave.
	Workers int `koanf:"workers"`

	// PromoteDeps is the dependency count at which a block is promoted one
	// capability tier: blocks touching many files need broader context.
	PromoteDeps int `koanf:"promote_deps"`
}

// KnowledgeConfig controls the persistent knowledge store.
type KnowledgeConfig struct {
	// Root is the directory holding per-repository knowledge
	// (vector collections and summary tables).
	// Default: "~/.config/codeloom/knowledge"
	Root string `koanf:"root"`

	// IncludePatterns selects files worth indexing.
	IncludePatterns []string `koanf:"include_patterns"`

	// ExcludePatterns removes files from indexing; takes precedence.
	ExcludePatterns []string `koanf:"exclude_patterns"`

	// MaxFileSize skips files larger than this many bytes.
	MaxFileSize int64 `koanf:"max_file_size"`

	// ChunkChars is the target chunk size in characters.
	ChunkChars int `koanf:"chunk_chars"`

	// ChunkOverlap is the tail overlap carried between adjacent chunks.
	ChunkOverlap int `koanf:"chunk_overlap"`

	// SearchK is the default number of chunks retrieved per query.
	SearchK int `koanf:"search_k"`
}

// EmbeddingConfig configures the embedding endpoint. The endpoint is
// OpenAI-compatible, which covers both the OpenAI API and a local TEI server.
type EmbeddingConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// ProfileConfig is one capability profile: which model serves the tier and
// how much output it may produce per call.
type ProfileConfig struct {
	Model     string `koanf:"model"`
	MaxTokens int    `koanf:"max_tokens"`
}

// ModelConfig configures model invocation.
type ModelConfig struct {
	// APIKey authenticates against the Anthropic API. Falls back to the
	// ANTHROPIC_API_KEY environment variable when empty.
	APIKey string `koanf:"api_key"`

	// RatePerSecond throttles model invocations across the whole run.
	RatePerSecond float64 `koanf:"rate_per_second"`

	// MaxRetries bounds retries of transient invocation errors.
	MaxRetries int `koanf:"max_retries"`

	// Profiles maps capability tier names to model profiles.
	Profiles map[string]ProfileConfig `koanf:"profiles"`
}

// TestsConfig configures external test execution.
type TestsConfig struct {
	// Command is the test command run in the target repository.
	Command []string `koanf:"command"`

	// TimeoutSeconds bounds one test execution; a timeout counts as a
	// failing result, not a pipeline fault.
	TimeoutSeconds int `koanf:"timeout_seconds"`
}

// FormatConfig configures the post-generation formatter.
type FormatConfig struct {
	Command []string `koanf:"command"`
}

// applyDefaults fills unset fields.
func applyDefaults(c *Config) {
	if c.Logging.Level == "" {
		c.Logging = logging.NewDefaultConfig()
	}
	if c.Guardrail.TokenLimit == 0 {
		c.Guardrail.TokenLimit = 250_000
	}
	if c.Guardrail.LoopLimit == 0 {
		c.Guardrail.LoopLimit = 2
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.PromoteDeps == 0 {
		c.Dispatch.PromoteDeps = 2
	}
	if c.Knowledge.Root == "" {
		c.Knowledge.Root = "~/.config/codeloom/knowledge"
	}
	if len(c.Knowledge.IncludePatterns) == 0 {
		c.Knowledge.IncludePatterns = []string{"*.py", "*.md", "*.rst", "*.txt"}
	}
	if c.Knowledge.MaxFileSize == 0 {
		c.Knowledge.MaxFileSize = 1024 * 1024
	}
	if c.Knowledge.ChunkChars == 0 {
		c.Knowledge.ChunkChars = 1200
	}
	if c.Knowledge.ChunkOverlap == 0 {
		c.Knowledge.ChunkOverlap = 150
	}
	if c.Knowledge.SearchK == 0 {
		c.Knowledge.SearchK = 8
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = "https://api.openai.com/v1"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Model.RatePerSecond == 0 {
		c.Model.RatePerSecond = 1
	}
	if c.Model.MaxRetries == 0 {
		c.Model.MaxRetries = 3
	}
	if len(c.Model.Profiles) == 0 {
		c.Model.Profiles = map[string]ProfileConfig{
			ProfileJunior: {Model: "claude-3-5-haiku-latest", MaxTokens: 2000},
			ProfileSenior: {Model: "claude-sonnet-4-5", MaxTokens: 2000},
			ProfileLead:   {Model: "claude-opus-4-1", MaxTokens: 4000},
		}
	}
	if len(c.Tests.Command) == 0 {
		c.Tests.Command = []string{"python", "-m", "pytest", "-q"}
	}
	if c.Tests.TimeoutSeconds == 0 {
		c.Tests.TimeoutSeconds = 1800
	}
	if len(c.Format.Command) == 0 {
		c.Format.Command = []string{"python", "-m", "black", "."}
	}
}

// Validate checks the configuration. Invalid input aborts the run before any
// model invocation.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Guardrail.TokenLimit <= 0 {
		return fmt.Errorf("guardrail: token_limit must be positive, got %d", c.Guardrail.TokenLimit)
	}
	if c.Guardrail.LoopLimit <= 0 {
		return fmt.Errorf("guardrail: loop_limit must be positive, got %d", c.Guardrail.LoopLimit)
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch: workers must be positive, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.PromoteDeps <= 0 {
		return fmt.Errorf("dispatch: promote_deps must be positive, got %d", c.Dispatch.PromoteDeps)
	}
	if c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkChars {
		return fmt.Errorf("knowledge: chunk_overlap (%d) must be smaller than chunk_chars (%d)",
			c.Knowledge.ChunkOverlap, c.Knowledge.ChunkChars)
	}
	for _, name := range []string{ProfileJunior, ProfileSenior, ProfileLead} {
		p, ok := c.Model.Profiles[name]
		if !ok {
			return fmt.Errorf("model: missing profile %q", name)
		}
		if p.Model == "" {
			return fmt.Errorf("model: profile %q has no model", name)
		}
		if p.MaxTokens <= 0 {
			return fmt.Errorf("model: profile %q max_tokens must be positive", name)
		}
	}
	if len(c.Tests.Command) == 0 {
		return fmt.Errorf("tests: command cannot be empty")
	}
	return nil
}
