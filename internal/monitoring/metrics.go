// Package monitoring exports access-control metrics through OpenTelemetry.
package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the meter name used by NewRecorder.
const InstrumentationName = "github.com/hengadev/medguard"

const (
	MetricAccessDecisions = "medguard.access.decisions"
	MetricViolations      = "medguard.access.violations"
	MetricEscalations     = "medguard.escalations"
)

// Recorder counts access decisions, policy violations and escalations. It
// satisfies access.Recorder.
type Recorder struct {
	decisions   metric.Int64Counter
	violations  metric.Int64Counter
	escalations metric.Int64Counter
}

// NewRecorder registers the instruments on provider, or on the global meter
// provider when provider is nil.
func NewRecorder(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(InstrumentationName)

	var (
		r   Recorder
		err error
	)
	r.decisions, err = meter.Int64Counter(MetricAccessDecisions,
		metric.WithDescription("Scoped store requests by privilege level and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s counter: %w", MetricAccessDecisions, err)
	}
	r.violations, err = meter.Int64Counter(MetricViolations,
		metric.WithDescription("Operations rejected by a privilege level policy"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s counter: %w", MetricViolations, err)
	}
	r.escalations, err = meter.Int64Counter(MetricEscalations,
		metric.WithDescription("Emergency escalations by resulting status"),
		metric.WithUnit("{escalation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating %s counter: %w", MetricEscalations, err)
	}
	return &r, nil
}

func (r *Recorder) RecordAccess(ctx context.Context, level, outcome string) {
	r.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
		attribute.String("outcome", outcome),
	))
}

func (r *Recorder) RecordViolation(ctx context.Context, level, operation string) {
	r.violations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
		attribute.String("operation", operation),
	))
}

func (r *Recorder) RecordEscalation(ctx context.Context, status string) {
	r.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
