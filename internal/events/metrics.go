package events

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsSink records assessment scores and chain outcomes as OpenTelemetry
// instruments.
type MetricsSink struct {
	score       metric.Float64Histogram
	transitions metric.Int64Counter
	directives  metric.Int64Counter
	flagged     metric.Int64Counter
	sessions    metric.Int64Counter
}

// NewMetricsSink creates the instruments on meter.
func NewMetricsSink(meter metric.Meter) (*MetricsSink, error) {
	var (
		m   MetricsSink
		err error
	)
	m.score, err = meter.Float64Histogram(
		"fairloop.assessment.score",
		metric.WithDescription("Bias score of assessed outputs from 0.0 (unbiased) to 1.0"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create score histogram: %w", err)
	}
	m.transitions, err = meter.Int64Counter(
		"fairloop.chain.transitions",
		metric.WithDescription("Chain state transitions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create transition counter: %w", err)
	}
	m.directives, err = meter.Int64Counter(
		"fairloop.directives",
		metric.WithDescription("Directives issued to agents"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create directive counter: %w", err)
	}
	m.flagged, err = meter.Int64Counter(
		"fairloop.chain.flagged",
		metric.WithDescription("Chains aborted with their output kept for review"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create flagged counter: %w", err)
	}
	m.sessions, err = meter.Int64Counter(
		"fairloop.sessions",
		metric.WithDescription("Finished sessions by status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create session counter: %w", err)
	}
	return &m, nil
}

func (m *MetricsSink) Emit(ctx context.Context, e Event) error {
	switch e.Type {
	case AssessmentCreated:
		m.score.Record(ctx, e.Score, metric.WithAttributes(
			attribute.String("agent", e.AgentID),
			attribute.String("dominant", e.String("dominant")),
		))
	case ChainTransition:
		m.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", e.String("from")),
			attribute.String("to", e.String("to")),
		))
	case DirectiveIssued:
		m.directives.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", e.AgentID)))
	case ChainFlagged:
		m.flagged.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent", e.AgentID),
			attribute.String("reason", e.String("reason")),
		))
	case SessionFinished:
		m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", e.State)))
	}
	return nil
}
