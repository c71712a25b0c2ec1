package metrics

import (
	"context"
	"fmt"

	"github.com/DataDog/datadog-go/v5/statsd"
)

const defaultDatadogNamespace = "runs_local"

// DatadogPublisher publishes metrics to Datadog via DogStatsD.
// All Publisher interface methods are documented on the Publisher interface.
type DatadogPublisher struct {
	client     statsd.ClientInterface
	namespace  string
	sampleRate float64
}

// Ensure DatadogPublisher implements Publisher.
var _ Publisher = (*DatadogPublisher)(nil)

// DatadogConfig holds configuration for the Datadog publisher.
type DatadogConfig struct {
	// Address is the DogStatsD address (default: "127.0.0.1:8125")
	Address string
	// Namespace is the metric namespace prefix (default: "runs_local")
	Namespace string
	// Tags are global tags applied to all metrics
	Tags []string
	// SampleRate for high-frequency metrics (default: 1.0 = 100%)
	SampleRate float64
}

// NewDatadogPublisher creates a Datadog metrics publisher using DogStatsD.
func NewDatadogPublisher(cfg DatadogConfig) (*DatadogPublisher, error) {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8125"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = defaultDatadogNamespace
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}

	client, err := statsd.New(cfg.Address,
		statsd.WithNamespace(cfg.Namespace+"."),
		statsd.WithTags(cfg.Tags),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create DogStatsD client: %w", err)
	}

	return &DatadogPublisher{client: client, namespace: cfg.Namespace, sampleRate: cfg.SampleRate}, nil
}

// NewDatadogPublisherWithClient creates a publisher with an existing statsd
// client (for testing).
func NewDatadogPublisherWithClient(client statsd.ClientInterface) *DatadogPublisher {
	return &DatadogPublisher{client: client, namespace: defaultDatadogNamespace, sampleRate: 1.0}
}

// Close flushes and closes the DogStatsD client.
func (d *DatadogPublisher) Close() error {
	return d.client.Close()
}

func (d *DatadogPublisher) PublishRegisterSuccess(_ context.Context) error { //nolint:revive
	return d.client.Incr("register.success", nil, d.sampleRate)
}

func (d *DatadogPublisher) PublishRegisterFailure(_ context.Context) error { //nolint:revive
	return d.client.Incr("register.failure", nil, d.sampleRate)
}

func (d *DatadogPublisher) PublishRunnerStarted(_ context.Context) error { //nolint:revive
	return d.client.Incr("runner.started", nil, d.sampleRate)
}

func (d *DatadogPublisher) PublishRunnerStopped(_ context.Context, manner string) error { //nolint:revive
	return d.client.Incr("runner.stopped", []string{"manner:" + manner}, d.sampleRate)
}

func (d *DatadogPublisher) PublishRemoveSuccess(_ context.Context) error { //nolint:revive
	return d.client.Incr("remove.success", nil, d.sampleRate)
}

func (d *DatadogPublisher) PublishRemoveFailure(_ context.Context) error { //nolint:revive
	return d.client.Incr("remove.failure", nil, d.sampleRate)
}

func (d *DatadogPublisher) PublishHealthVerdict(_ context.Context, instance string, verdict int) error { //nolint:revive
	return d.client.Gauge("health.verdict", float64(verdict), []string{"instance:" + instance}, d.sampleRate)
}

func (d *DatadogPublisher) PublishVaultOp(_ context.Context, op, result string) error { //nolint:revive
	return d.client.Incr("vault.ops", []string{"op:" + op, "result:" + result}, d.sampleRate)
}

func (d *DatadogPublisher) PublishManagedInstances(_ context.Context, count int) error { //nolint:revive
	return d.client.Gauge("managed_instances", float64(count), nil, d.sampleRate)
}
