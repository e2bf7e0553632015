package statestore

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/wardend/internal/statestore"

// storeMetrics holds state store metrics.
type storeMetrics struct {
	meter          metric.Meter
	logger         *zap.Logger
	writesTotal    metric.Int64Counter
	droppedTotal   metric.Int64Counter
	persistDur     metric.Float64Histogram
	persistErrors  metric.Int64Counter
	corruptedTotal metric.Int64Counter
}

func newStoreMetrics(logger *zap.Logger) *storeMetrics {
	m := &storeMetrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *storeMetrics) init() {
	var err error

	m.writesTotal, err = m.meter.Int64Counter(
		"wardend.store.writes_total",
		metric.WithDescription("Total committed writes labeled by top-level namespace (game, system, issues, learning, ingest)."),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		m.logger.Warn("failed to create writes counter", zap.Error(err))
	}

	m.droppedTotal, err = m.meter.Int64Counter(
		"wardend.store.subscriber_dropped_total",
		metric.WithDescription("Change records dropped because a subscriber buffer was full."),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		m.logger.Warn("failed to create dropped counter", zap.Error(err))
	}

	m.persistDur, err = m.meter.Float64Histogram(
		"wardend.store.persist_duration_seconds",
		metric.WithDescription("Time to write the state document to disk, including the atomic rename."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0),
	)
	if err != nil {
		m.logger.Warn("failed to create persist histogram", zap.Error(err))
	}

	m.persistErrors, err = m.meter.Int64Counter(
		"wardend.store.persist_errors_total",
		metric.WithDescription("Failed persistence cycles."),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create persist errors counter", zap.Error(err))
	}

	m.corruptedTotal, err = m.meter.Int64Counter(
		"wardend.store.corrupt_loads_total",
		metric.WithDescription("State documents found unreadable at load time and backed up."),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		m.logger.Warn("failed to create corruption counter", zap.Error(err))
	}
}

func (m *storeMetrics) recordWrite(path string) {
	if m.writesTotal == nil {
		return
	}
	ns := path
	if i := strings.IndexByte(path, '.'); i > 0 {
		ns = path[:i]
	}
	m.writesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("namespace", ns)))
}

func (m *storeMetrics) recordDropped() {
	if m.droppedTotal != nil {
		m.droppedTotal.Add(context.Background(), 1)
	}
}

func (m *storeMetrics) recordPersist(seconds float64) {
	if m.persistDur != nil {
		m.persistDur.Record(context.Background(), seconds)
	}
}

func (m *storeMetrics) recordPersistError() {
	if m.persistErrors != nil {
		m.persistErrors.Add(context.Background(), 1)
	}
}

func (m *storeMetrics) recordCorruptLoad() {
	if m.corruptedTotal != nil {
		m.corruptedTotal.Add(context.Background(), 1)
	}
}
