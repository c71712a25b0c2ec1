// Package metrics publishes operational metrics for runner lifecycle and
// health through pluggable backends (Prometheus, Datadog).
package metrics

import "context"

// Publisher defines the metrics published by runs-local. Implementations
// must be safe for concurrent use. Publish failures are best-effort: they
// are logged by callers, never propagated into lifecycle decisions.
type Publisher interface {
	// PublishRegisterSuccess counts a completed runner registration.
	PublishRegisterSuccess(ctx context.Context) error

	// PublishRegisterFailure counts a failed (rolled back) registration.
	PublishRegisterFailure(ctx context.Context) error

	// PublishRunnerStarted counts a worker process start.
	PublishRunnerStarted(ctx context.Context) error

	// PublishRunnerStopped counts a worker process stop, with the manner of
	// exit ("graceful", "killed", "already_stopped").
	PublishRunnerStopped(ctx context.Context, manner string) error

	// PublishRemoveSuccess counts a completed remote unregistration.
	PublishRemoveSuccess(ctx context.Context) error

	// PublishRemoveFailure counts a failed unregistration.
	PublishRemoveFailure(ctx context.Context) error

	// PublishHealthVerdict records the current health verdict for one
	// instance: 0 healthy, 1 degraded, 2 unhealthy, 3 unknown.
	PublishHealthVerdict(ctx context.Context, instance string, verdict int) error

	// PublishVaultOp counts a credential store operation ("save", "load",
	// "list", "clear") with its result ("ok", "auth_error", "not_found",
	// "corrupt", "error").
	PublishVaultOp(ctx context.Context, op, result string) error

	// PublishManagedInstances records the number of instances in the
	// registry.
	PublishManagedInstances(ctx context.Context, count int) error

	// Close releases backend resources.
	Close() error
}

// Health verdict values for PublishHealthVerdict.
const (
	VerdictHealthy   = 0
	VerdictDegraded  = 1
	VerdictUnhealthy = 2
	VerdictUnknown   = 3
)

// NoopPublisher discards all metrics. Used when no backend is configured.
type NoopPublisher struct{}

var _ Publisher = (*NoopPublisher)(nil)

func (NoopPublisher) PublishRegisterSuccess(context.Context) error               { return nil }
func (NoopPublisher) PublishRegisterFailure(context.Context) error               { return nil }
func (NoopPublisher) PublishRunnerStarted(context.Context) error                 { return nil }
func (NoopPublisher) PublishRunnerStopped(context.Context, string) error         { return nil }
func (NoopPublisher) PublishRemoveSuccess(context.Context) error                 { return nil }
func (NoopPublisher) PublishRemoveFailure(context.Context) error                 { return nil }
func (NoopPublisher) PublishHealthVerdict(context.Context, string, int) error    { return nil }
func (NoopPublisher) PublishVaultOp(context.Context, string, string) error       { return nil }
func (NoopPublisher) PublishManagedInstances(context.Context, int) error         { return nil }
func (NoopPublisher) Close() error                                               { return nil }
