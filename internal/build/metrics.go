package build

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Build metrics.
type Metrics struct {
	buildDuration metric.Float64Histogram
	buildTotal    metric.Int64Counter
	layerTotal    metric.Int64Counter
}

// Creates the build metrics on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	buildDuration, err := meter.Float64Histogram(
		"stevedore_build_duration_seconds",
		metric.WithDescription("Duration of builds in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	buildTotal, err := meter.Int64Counter(
		"stevedore_builds_total",
		metric.WithDescription("Total number of builds"),
	)
	if err != nil {
		return nil, err
	}

	layerTotal, err := meter.Int64Counter(
		"stevedore_build_layers_total",
		metric.WithDescription("Layers produced by builds, by instruction"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		buildDuration: buildDuration,
		buildTotal:    buildTotal,
		layerTotal:    layerTotal,
	}, nil
}

// Records a completed build.
func (m *Metrics) RecordBuild(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.buildDuration.Record(ctx, duration.Seconds(), attrs)
	m.buildTotal.Add(ctx, 1, attrs)
}

// Records a layer produced by an instruction of the given kind.
func (m *Metrics) RecordLayer(ctx context.Context, kind Kind) {
	if m == nil {
		return
	}
	m.layerTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("instruction", string(kind))))
}
