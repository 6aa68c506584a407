package runtime

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Container lifecycle metrics.
type Metrics struct {
	transitions metric.Int64Counter
	running     metric.Int64UpDownCounter
}

// Creates the container metrics on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	transitions, err := meter.Int64Counter(
		"stevedore_container_transitions_total",
		metric.WithDescription("Container lifecycle transitions by target state"),
	)
	if err != nil {
		return nil, err
	}

	running, err := meter.Int64UpDownCounter(
		"stevedore_containers_running",
		metric.WithDescription("Number of running containers"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{transitions: transitions, running: running}, nil
}

// Records a container entering state.
func (m *Metrics) RecordTransition(ctx context.Context, state State) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
	switch state {
	case StateRunning:
		m.running.Add(ctx, 1)
	case StateExited, StateKilled:
		m.running.Add(ctx, -1)
	}
}
