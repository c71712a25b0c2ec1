package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultPrometheusNamespace = "runs_local"

// PrometheusPublisher publishes metrics via a /metrics endpoint.
// All Publisher interface methods are documented on the Publisher interface.
type PrometheusPublisher struct {
	registry *prometheus.Registry

	registerSuccess  prometheus.Counter
	registerFailure  prometheus.Counter
	runnerStarted    prometheus.Counter
	runnerStopped    *prometheus.CounterVec
	removeSuccess    prometheus.Counter
	removeFailure    prometheus.Counter
	healthVerdict    *prometheus.GaugeVec
	vaultOps         *prometheus.CounterVec
	managedInstances prometheus.Gauge
}

// Ensure PrometheusPublisher implements Publisher.
var _ Publisher = (*PrometheusPublisher)(nil)

// PrometheusConfig holds configuration for the Prometheus publisher.
type PrometheusConfig struct {
	Namespace string
}

// NewPrometheusPublisher creates a Prometheus metrics publisher.
func NewPrometheusPublisher(cfg PrometheusConfig) *PrometheusPublisher {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultPrometheusNamespace
	}

	registry := prometheus.NewRegistry()

	p := &PrometheusPublisher{
		registry: registry,

		registerSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "register_success_total",
			Help:      "Total number of completed runner registrations",
		}),
		registerFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "register_failure_total",
			Help:      "Total number of rolled-back runner registrations",
		}),
		runnerStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "runner_started_total",
			Help:      "Total number of worker process starts",
		}),
		runnerStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "runner_stopped_total",
			Help:      "Total number of worker process stops by manner of exit",
		}, []string{"manner"}),
		removeSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "remove_success_total",
			Help:      "Total number of completed remote unregistrations",
		}),
		removeFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "remove_failure_total",
			Help:      "Total number of failed remote unregistrations",
		}),
		healthVerdict: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "health_verdict",
			Help:      "Health verdict per instance (0 healthy, 1 degraded, 2 unhealthy, 3 unknown)",
		}, []string{"instance"}),
		vaultOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "vault_ops_total",
			Help:      "Total credential store operations by op and result",
		}, []string{"op", "result"}),
		managedInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "managed_instances",
			Help:      "Number of instances in the local registry",
		}),
	}

	registry.MustRegister(
		p.registerSuccess,
		p.registerFailure,
		p.runnerStarted,
		p.runnerStopped,
		p.removeSuccess,
		p.removeFailure,
		p.healthVerdict,
		p.vaultOps,
		p.managedInstances,
	)

	return p
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (p *PrometheusPublisher) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry for custom integrations.
func (p *PrometheusPublisher) Registry() *prometheus.Registry {
	return p.registry
}

// Close implements Publisher.Close. Prometheus registry doesn't require cleanup.
func (p *PrometheusPublisher) Close() error {
	return nil
}

func (p *PrometheusPublisher) PublishRegisterSuccess(_ context.Context) error { //nolint:revive
	p.registerSuccess.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishRegisterFailure(_ context.Context) error { //nolint:revive
	p.registerFailure.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishRunnerStarted(_ context.Context) error { //nolint:revive
	p.runnerStarted.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishRunnerStopped(_ context.Context, manner string) error { //nolint:revive
	p.runnerStopped.WithLabelValues(manner).Inc()
	return nil
}

func (p *PrometheusPublisher) PublishRemoveSuccess(_ context.Context) error { //nolint:revive
	p.removeSuccess.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishRemoveFailure(_ context.Context) error { //nolint:revive
	p.removeFailure.Inc()
	return nil
}

func (p *PrometheusPublisher) PublishHealthVerdict(_ context.Context, instance string, verdict int) error { //nolint:revive
	p.healthVerdict.WithLabelValues(instance).Set(float64(verdict))
	return nil
}

func (p *PrometheusPublisher) PublishVaultOp(_ context.Context, op, result string) error { //nolint:revive
	p.vaultOps.WithLabelValues(op, result).Inc()
	return nil
}

func (p *PrometheusPublisher) PublishManagedInstances(_ context.Context, count int) error { //nolint:revive
	p.managedInstances.Set(float64(count))
	return nil
}
