package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records provisioning outcomes. It satisfies the recorder
// interfaces of the compute and fleet packages.
type Metrics struct {
	instancesLaunched     metric.Int64Counter
	spotRequestsSettled   metric.Int64Counter
	spotRequestsCancelled metric.Int64Counter
	retries               metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	instancesLaunched, err := meter.Int64Counter(
		"nodeforge.instances.launched",
		metric.WithDescription("Number of instances launched"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return nil, err
	}

	spotRequestsSettled, err := meter.Int64Counter(
		"nodeforge.spot_requests.settled",
		metric.WithDescription("Number of spot requests that left the open state"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	spotRequestsCancelled, err := meter.Int64Counter(
		"nodeforge.spot_requests.cancelled",
		metric.WithDescription("Number of open spot requests cancelled"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"nodeforge.retries",
		metric.WithDescription("Number of retried AWS calls"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		instancesLaunched:     instancesLaunched,
		spotRequestsSettled:   spotRequestsSettled,
		spotRequestsCancelled: spotRequestsCancelled,
		retries:               retries,
	}, nil
}

// InstancesLaunched records launched instances by market.
func (m *Metrics) InstancesLaunched(ctx context.Context, market string, count int) {
	if count == 0 {
		return
	}
	m.instancesLaunched.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("market", market)))
}

// SpotRequestsSettled records spot requests by the state they settled in.
func (m *Metrics) SpotRequestsSettled(ctx context.Context, state string, count int) {
	if count == 0 {
		return
	}
	m.spotRequestsSettled.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("state", state)))
}

// SpotRequestsCancelled records cancelled spot requests by reason.
func (m *Metrics) SpotRequestsCancelled(ctx context.Context, reason string, count int) {
	m.spotRequestsCancelled.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RetryAttempted records one retry of operation.
func (m *Metrics) RetryAttempted(ctx context.Context, operation string) {
	m.retries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("operation", operation)))
}
