package agent

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ResilientClient wraps a ModelClient with rate limiting and exponential
// backoff. Only errors the inner client marked transient are retried.
type ResilientClient struct {
	inner      ModelClient
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewResilientClient wraps inner. ratePerSecond throttles calls across all
// workers sharing this client; maxRetries bounds retries per call.
func NewResilientClient(inner ModelClient, ratePerSecond float64, maxRetries int, logger *zap.Logger) *ResilientClient {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &ResilientClient{
		inner:      inner,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), 1),
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Complete waits for a rate-limit slot, then calls the inner client,
// retrying transient failures with exponential backoff.
func (c *ResilientClient) Complete(ctx context.Context, req PromptContext) (Completion, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Completion{}, err
	}

	var completion Completion
	attempt := 0
	operation := func() error {
		attempt++
		result, err := c.inner.Complete(ctx, req)
		if err != nil {
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("transient model error, retrying",
				zap.Int("attempt", attempt),
				zap.String("profile", req.Profile),
				zap.Error(err),
			)
			return err
		}
		completion = result
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return Completion{}, err
	}
	return completion, nil
}

func newExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry count is the only bound
	return b
}
