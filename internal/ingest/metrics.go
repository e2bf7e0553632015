package ingest

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/wardend/internal/ingest"

// ingestMetrics holds ingestion metrics.
type ingestMetrics struct {
	meter         metric.Meter
	logger        *zap.Logger
	ingestedTotal metric.Int64Counter
	skippedTotal  metric.Int64Counter
}

func newIngestMetrics(logger *zap.Logger) *ingestMetrics {
	m := &ingestMetrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *ingestMetrics) init() {
	var err error

	m.ingestedTotal, err = m.meter.Int64Counter(
		"wardend.ingest.lines_total",
		metric.WithDescription("Structured lines produced, labeled by source and extractor kind."),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		m.logger.Warn("failed to create ingested counter", zap.Error(err))
	}

	m.skippedTotal, err = m.meter.Int64Counter(
		"wardend.ingest.skipped_total",
		metric.WithDescription("Lines skipped, labeled by source and reason (noise, malformed)."),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		m.logger.Warn("failed to create skipped counter", zap.Error(err))
	}
}

func (m *ingestMetrics) recordIngested(source, kind string) {
	if m.ingestedTotal != nil {
		m.ingestedTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("kind", kind),
		))
	}
}

func (m *ingestMetrics) recordSkipped(source, reason string) {
	if m.skippedTotal != nil {
		m.skippedTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("reason", reason),
		))
	}
}
