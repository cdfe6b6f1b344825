package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/loomworks/codeloom/internal/agent")

// modelMetrics holds lazily-initialized OTel instruments for model calls.
var modelMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var modelMetricsOnce sync.Once

func initModelMetrics() {
	m := otel.Meter("github.com/loomworks/codeloom/internal/agent")
	modelMetrics.inputTokens, _ = m.Int64Counter("codeloom.model.input_tokens",
		metric.WithDescription("Model input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	modelMetrics.outputTokens, _ = m.Int64Counter("codeloom.model.output_tokens",
		metric.WithDescription("Model output tokens generated"),
		metric.WithUnit("{token}"),
	)
	modelMetrics.duration, _ = m.Float64Histogram("codeloom.model.request.duration",
		metric.WithDescription("Model request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

// AnthropicClient is the raw model client. Resilience and budgeting live in
// the wrappers; this type only speaks the API.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
	logger *zap.Logger
}

// NewAnthropicClient creates a client for one model. The ANTHROPIC_API_KEY
// environment variable takes precedence over the explicit key.
func NewAnthropicClient(apiKey, model string, logger *zap.Logger) (*AnthropicClient, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or model.api_key", ErrAPIKeyRequired)
	}
	if model == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}

	modelMetricsOnce.Do(initModelMetrics)

	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
		logger: logger,
	}, nil
}

// Complete sends one message and returns the text completion with actual
// token usage. Rate-limit and server errors come back marked transient so the
// resilient wrapper can retry them.
func (c *AnthropicClient) Complete(ctx context.Context, req PromptContext) (Completion, error) {
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("codeloom.model", string(c.model)),
		attribute.String("codeloom.profile", req.Profile),
	)

	prompt := req.Task
	if req.Briefing != "" {
		prompt = req.Briefing + "\n\n" + req.Task
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	t0 := time.Now()
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	ms := float64(time.Since(t0).Milliseconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isRetryable(err) {
			return Completion{}, markTransient(err)
		}
		return Completion{}, err
	}

	modelAttr := attribute.String("codeloom.model", string(c.model))
	if modelMetrics.inputTokens != nil {
		modelMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
		modelMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
		modelMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
	}
	span.SetAttributes(
		attribute.Int64("codeloom.input_tokens", message.Usage.InputTokens),
		attribute.Int64("codeloom.output_tokens", message.Usage.OutputTokens),
	)

	if len(message.Content) == 0 {
		return Completion{}, fmt.Errorf("unexpected response format: no content blocks")
	}
	content := message.Content[0]
	if content.Type != "text" {
		return Completion{}, fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
	}

	return Completion{
		Text:         strings.TrimSpace(content.Text),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}, nil
}

// isRetryable classifies API errors: rate limits, server errors, and network
// timeouts are retryable; everything else is not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return false
}
