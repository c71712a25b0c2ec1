package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Shavakan/runs-local/pkg/logging"
)

const publishTimeout = 5 * time.Second

var metricsLog = logging.WithComponent(logging.LogTypeMetrics, "multi")

// MultiPublisher publishes metrics to multiple backends simultaneously.
// All Publisher interface methods are documented on the Publisher interface.
type MultiPublisher struct {
	publishers []Publisher
}

// Ensure MultiPublisher implements Publisher.
var _ Publisher = (*MultiPublisher)(nil)

// NewMultiPublisher creates a publisher that fans out to multiple backends.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

// Add adds a publisher to the fan-out list.
func (m *MultiPublisher) Add(p Publisher) {
	m.publishers = append(m.publishers, p)
}

// Publishers returns the list of configured publishers.
func (m *MultiPublisher) Publishers() []Publisher {
	return m.publishers
}

// Close closes all child publishers.
func (m *MultiPublisher) Close() error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiPublisher) publishAll(fn func(p Publisher) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, p := range m.publishers {
		wg.Add(1)
		go func(pub Publisher) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() {
				done <- fn(pub)
			}()
			select {
			case err := <-done:
				if err != nil {
					metricsLog.Warn("metrics publish error", slog.String("error", err.Error()))
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			case <-time.After(publishTimeout):
				metricsLog.Warn("metrics publish timeout", slog.Duration("timeout", publishTimeout))
				mu.Lock()
				errs = append(errs, fmt.Errorf("publish timeout after %v", publishTimeout))
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Publisher interface implementation below.
// All methods are documented on the Publisher interface.

func (m *MultiPublisher) PublishRegisterSuccess(ctx context.Context) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishRegisterSuccess(ctx)
	})
}

func (m *MultiPublisher) PublishRegisterFailure(ctx context.Context) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishRegisterFailure(ctx)
	})
}

func (m *MultiPublisher) PublishRunnerStarted(ctx context.Context) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishRunnerStarted(ctx)
	})
}

func (m *MultiPublisher) PublishRunnerStopped(ctx context.Context, manner string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishRunnerStopped(ctx, manner)
	})
}

func (m *MultiPublisher) PublishRemoveSuccess(ctx context.Context) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishRemoveSuccess(ctx)
	})
}

func (m *MultiPublisher) PublishRemoveFailure(ctx context.Context) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishRemoveFailure(ctx)
	})
}

func (m *MultiPublisher) PublishHealthVerdict(ctx context.Context, instance string, verdict int) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishHealthVerdict(ctx, instance, verdict)
	})
}

func (m *MultiPublisher) PublishVaultOp(ctx context.Context, op, result string) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishVaultOp(ctx, op, result)
	})
}

func (m *MultiPublisher) PublishManagedInstances(ctx context.Context, count int) error { //nolint:revive
	return m.publishAll(func(p Publisher) error {
		return p.PublishManagedInstances(ctx, count)
	})
}
