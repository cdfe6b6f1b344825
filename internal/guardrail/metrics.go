package guardrail

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/loomworks/codeloom/internal/guardrail"

// metrics holds guardrail OTel instruments. Instrument creation failures are
// logged and the corresponding recording becomes a no-op.
type metrics struct {
	tokens    metric.Int64Counter
	rejected  metric.Int64Counter
	loopTicks metric.Int64Counter
}

func newMetrics(logger *zap.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error

	m.tokens, err = meter.Int64Counter(
		"codeloom.guardrail.tokens_committed_total",
		metric.WithDescription("Total model tokens committed against run budgets"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		logger.Warn("failed to create tokens counter", zap.Error(err))
	}

	m.rejected, err = meter.Int64Counter(
		"codeloom.guardrail.reservations_rejected_total",
		metric.WithDescription("Reservations rejected because the budget could not cover the estimate"),
		metric.WithUnit("{reservation}"),
	)
	if err != nil {
		logger.Warn("failed to create rejection counter", zap.Error(err))
	}

	m.loopTicks, err = meter.Int64Counter(
		"codeloom.guardrail.loop_ticks_total",
		metric.WithDescription("Debug-loop iterations granted"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		logger.Warn("failed to create loop tick counter", zap.Error(err))
	}

	return m
}

func (m *metrics) tokensCommitted(ctx context.Context, n int) {
	if m.tokens != nil {
		m.tokens.Add(ctx, int64(n))
	}
}

func (m *metrics) reservationRejected(ctx context.Context) {
	if m.rejected != nil {
		m.rejected.Add(ctx, 1)
	}
}

func (m *metrics) loopTick(ctx context.Context) {
	if m.loopTicks != nil {
		m.loopTicks.Add(ctx, 1)
	}
}
