package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomworks/codeloom/internal/guardrail"
)

// GatedClient enforces the token budget around a ModelClient. Every call
// reserves an estimate before invoking the model and commits actual usage
// after, so concurrent workers cannot collectively overshoot the budget by
// more than in-flight estimation error.
type GatedClient struct {
	inner ModelClient
	guard *guardrail.Manager
	log   *zap.Logger
}

// NewGatedClient wraps inner with the guardrail.
func NewGatedClient(inner ModelClient, guard *guardrail.Manager, logger *zap.Logger) *GatedClient {
	return &GatedClient{inner: inner, guard: guard, log: logger}
}

// estimateTokens approximates the token cost of a call before making it:
// prompt characters at ~4 per token plus the full response allowance.
func estimateTokens(req PromptContext) int {
	promptChars := len(req.Task) + len(req.Briefing)
	return promptChars/4 + req.MaxTokens
}

// Complete reserves budget, invokes the inner client, and commits what the
// call actually used. A rejected reservation surfaces as
// guardrail.ErrExhausted without touching the model.
func (c *GatedClient) Complete(ctx context.Context, req PromptContext) (Completion, error) {
	estimate := estimateTokens(req)
	reservation, ok := c.guard.Reserve(estimate)
	if !ok {
		c.log.Warn("token budget rejected model call",
			zap.Int("estimate", estimate),
			zap.String("profile", req.Profile),
		)
		return Completion{}, fmt.Errorf("reserving %d tokens: %w", estimate, guardrail.ErrExhausted)
	}

	completion, err := c.inner.Complete(ctx, req)
	if err != nil {
		reservation.Release()
		return Completion{}, err
	}

	reservation.Commit(completion.Tokens())
	return completion, nil
}
