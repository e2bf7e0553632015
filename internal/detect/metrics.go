package detect

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/wardend/internal/detect"

// detectMetrics holds detection pipeline metrics.
type detectMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	eventsTotal      metric.Int64Counter
	candidatesTotal  metric.Int64Counter
	handleDur        metric.Float64Histogram
	deferredTotal    metric.Int64Counter
	deferredDropped  metric.Int64Counter
	strategyFailures metric.Int64Counter
}

func newDetectMetrics(logger *zap.Logger) *detectMetrics {
	m := &detectMetrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *detectMetrics) init() {
	var err error

	m.eventsTotal, err = m.meter.Int64Counter(
		"wardend.detect.events_total",
		metric.WithDescription("Structured events run through the detection strategies."),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		m.logger.Warn("failed to create events counter", zap.Error(err))
	}

	m.candidatesTotal, err = m.meter.Int64Counter(
		"wardend.detect.candidates_total",
		metric.WithDescription("Merged detection candidates labeled by method and whether they created a new issue."),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		m.logger.Warn("failed to create candidates counter", zap.Error(err))
	}

	m.handleDur, err = m.meter.Float64Histogram(
		"wardend.detect.handle_duration_seconds",
		metric.WithDescription("Synchronous detection time per event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1),
	)
	if err != nil {
		m.logger.Warn("failed to create handle histogram", zap.Error(err))
	}

	m.deferredTotal, err = m.meter.Int64Counter(
		"wardend.detect.deferred_total",
		metric.WithDescription("Analyses pushed past the synchronous budget into the background pass."),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		m.logger.Warn("failed to create deferred counter", zap.Error(err))
	}

	m.deferredDropped, err = m.meter.Int64Counter(
		"wardend.detect.deferred_dropped_total",
		metric.WithDescription("Background analyses dropped because the queue was full."),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		m.logger.Warn("failed to create deferred dropped counter", zap.Error(err))
	}

	m.strategyFailures, err = m.meter.Int64Counter(
		"wardend.detect.strategy_failures_total",
		metric.WithDescription("Recovered strategy panics, labeled by strategy."),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		m.logger.Warn("failed to create strategy failures counter", zap.Error(err))
	}
}

func (m *detectMetrics) recordEvent() {
	if m.eventsTotal != nil {
		m.eventsTotal.Add(context.Background(), 1)
	}
}

func (m *detectMetrics) recordCandidate(method string, created bool) {
	if m.candidatesTotal != nil {
		m.candidatesTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.Bool("created", created),
		))
	}
}

func (m *detectMetrics) recordHandleDuration(seconds float64) {
	if m.handleDur != nil {
		m.handleDur.Record(context.Background(), seconds)
	}
}

func (m *detectMetrics) recordDeferred() {
	if m.deferredTotal != nil {
		m.deferredTotal.Add(context.Background(), 1)
	}
}

func (m *detectMetrics) recordDeferredDropped() {
	if m.deferredDropped != nil {
		m.deferredDropped.Add(context.Background(), 1)
	}
}

func (m *detectMetrics) recordStrategyFailure(strategy string) {
	if m.strategyFailures != nil {
		m.strategyFailures.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("strategy", strategy),
		))
	}
}
