package knowledge

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/wardend/internal/knowledge"

// knowledgeMetrics holds knowledge base metrics.
type knowledgeMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	attemptsStarted    metric.Int64Counter
	outcomesTotal      metric.Int64Counter
	misdiagnosesTotal  metric.Int64Counter
	suggestionsServed  metric.Int64Counter
}

func newKnowledgeMetrics(logger *zap.Logger) *knowledgeMetrics {
	m := &knowledgeMetrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *knowledgeMetrics) init() {
	var err error

	m.attemptsStarted, err = m.meter.Int64Counter(
		"wardend.knowledge.attempts_started_total",
		metric.WithDescription("Remediation attempts opened, labeled by issue type and method."),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		m.logger.Warn("failed to create attempts counter", zap.Error(err))
	}

	m.outcomesTotal, err = m.meter.Int64Counter(
		"wardend.knowledge.outcomes_total",
		metric.WithDescription("Finalized attempt outcomes, labeled by result."),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		m.logger.Warn("failed to create outcomes counter", zap.Error(err))
	}

	m.misdiagnosesTotal, err = m.meter.Int64Counter(
		"wardend.knowledge.misdiagnoses_total",
		metric.WithDescription("New misdiagnosis records created by retroactive linkage."),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		m.logger.Warn("failed to create misdiagnoses counter", zap.Error(err))
	}

	m.suggestionsServed, err = m.meter.Int64Counter(
		"wardend.knowledge.suggestions_served_total",
		metric.WithDescription("Suggestion rankings computed, labeled by issue type."),
		metric.WithUnit("{ranking}"),
	)
	if err != nil {
		m.logger.Warn("failed to create suggestions counter", zap.Error(err))
	}
}

func (m *knowledgeMetrics) recordStarted(issueType, method string) {
	if m.attemptsStarted != nil {
		m.attemptsStarted.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("issue_type", issueType),
			attribute.String("method", method),
		))
	}
}

func (m *knowledgeMetrics) recordOutcome(issueType, method, result string) {
	if m.outcomesTotal != nil {
		m.outcomesTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("issue_type", issueType),
			attribute.String("method", method),
			attribute.String("result", result),
		))
	}
}

func (m *knowledgeMetrics) recordMisdiagnosis(symptom, method string) {
	if m.misdiagnosesTotal != nil {
		m.misdiagnosesTotal.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("symptom", symptom),
			attribute.String("method", method),
		))
	}
}

func (m *knowledgeMetrics) recordSuggest(issueType string, candidates int) {
	if m.suggestionsServed != nil {
		m.suggestionsServed.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("issue_type", issueType),
			attribute.Int("candidates", candidates),
		))
	}
}
