package decision

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/wardend/internal/decision"

// decisionMetrics holds decision engine metrics.
type decisionMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	transitionsTotal metric.Int64Counter
	escalationsTotal metric.Int64Counter
}

func newDecisionMetrics(logger *zap.Logger) *decisionMetrics {
	m := &decisionMetrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *decisionMetrics) init() {
	var err error

	m.transitionsTotal, err = m.meter.Int64Counter(
		"wardend.decision.transitions_total",
		metric.WithDescription("Issue status transitions applied by the decision engine, labeled by target status."),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		m.logger.Warn("failed to create transitions counter", zap.Error(err))
	}

	m.escalationsTotal, err = m.meter.Int64Counter(
		"wardend.decision.escalations_total",
		metric.WithDescription("Global escalations raised."),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create escalations counter", zap.Error(err))
	}
}

func (m *decisionMetrics) recordTransition(to string) {
	if m.transitionsTotal != nil {
		m.transitionsTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("to", to),
		))
	}
}

func (m *decisionMetrics) recordEscalation() {
	if m.escalationsTotal != nil {
		m.escalationsTotal.Add(context.Background(), 1)
	}
}
