// Package lifecycle drives runner instances through their registration and
// process states: unregistered, registering, registered, removing. All
// transitions go through the Controller, which holds a per-instance lock so
// concurrent commands against the same instance serialize.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/Shavakan/runs-local/pkg/config"
	"github.com/Shavakan/runs-local/pkg/github"
	"github.com/Shavakan/runs-local/pkg/logging"
	"github.com/Shavakan/runs-local/pkg/metrics"
	"github.com/Shavakan/runs-local/pkg/registry"
	"github.com/Shavakan/runs-local/pkg/tracing"
)

// DispatchAPI is the slice of the dispatch client the controller needs.
type DispatchAPI interface {
	GetRegistrationToken(ctx context.Context, repo string) (string, error)
	GetRemovalToken(ctx context.Context, repo string) (string, error)
	FindRunnerByName(ctx context.Context, repo, runnerName string) (*github.Runner, error)
	ListRunners(ctx context.Context, repo string) ([]github.Runner, error)
	RemoveRunner(ctx context.Context, repo string, runnerID int64) error
}

// Persister mirrors registry snapshots to durable storage. Optional; a nil
// persister keeps the registry purely in-memory.
type Persister interface {
	SaveInstance(ctx context.Context, inst *registry.Instance) error
	DeleteInstance(ctx context.Context, name string) error
}

// RegisterSpec describes one instance to register.
type RegisterSpec struct {
	Name      string
	Repo      string // owner/repo
	Labels    []string
	WorkDir   string
	Ephemeral bool
}

// Controller owns all lifecycle transitions for the instances in the
// registry.
type Controller struct {
	registry  *registry.Registry
	dispatch  DispatchAPI
	worker    WorkerRunner
	publisher metrics.Publisher
	persister Persister
	timeouts  config.Timeouts
	runnerDir string

	tracer *tracing.LifecycleTracer
	logger *logging.Logger
}

// Options configures a Controller.
type Options struct {
	Registry  *registry.Registry
	Dispatch  DispatchAPI
	Worker    WorkerRunner
	Publisher metrics.Publisher // nil means no metrics
	Persister Persister         // nil means in-memory only
	Timeouts  config.Timeouts
	RunnerDir string // base directory holding per-instance worker installs
}

// NewController creates a lifecycle controller.
func NewController(opts Options) (*Controller, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Dispatch == nil {
		return nil, errors.New("dispatch client is required")
	}
	if opts.Worker == nil {
		return nil, errors.New("worker runner is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = metrics.NoopPublisher{}
	}

	return &Controller{
		registry:  opts.Registry,
		dispatch:  opts.Dispatch,
		worker:    opts.Worker,
		publisher: opts.Publisher,
		persister: opts.Persister,
		timeouts:  opts.Timeouts,
		runnerDir: opts.RunnerDir,
		tracer:    tracing.NewLifecycleTracer(),
		logger:    logging.WithComponent(logging.LogTypeLifecycle, "controller"),
	}, nil
}

// instanceDir resolves the worker installation directory for an instance.
func (c *Controller) instanceDir(inst *registry.Instance) string {
	if inst.WorkDir != "" {
		return inst.WorkDir
	}
	return filepath.Join(c.runnerDir, inst.Name)
}

// persist mirrors the current registry record to durable storage.
// Persistence failures never abort a completed transition.
func (c *Controller) persist(ctx context.Context, name string) {
	if c.persister == nil {
		return
	}
	inst, err := c.registry.Get(name)
	if err != nil {
		return
	}
	if err := c.persister.SaveInstance(ctx, inst); err != nil {
		c.logger.Warn("failed to persist instance",
			slog.String(logging.KeyInstance, name),
			slog.String(logging.KeyError, err.Error()))
	}
}

// Register binds a new instance to a repository: configuration handshake
// with a registration token, then resolution of the remote runner ID.
// Registering an instance that is already registered is a no-op.
func (c *Controller) Register(ctx context.Context, spec RegisterSpec) error {
	ctx, span := c.tracer.StartOpSpan(ctx, "register", spec.Name, spec.Repo)
	defer span.End()

	unlock := c.registry.LockInstance(spec.Name)
	defer unlock()

	if existing, err := c.registry.Get(spec.Name); err == nil {
		if existing.State == registry.StateRegistered {
			c.logger.Info("instance already registered",
				slog.String(logging.KeyInstance, spec.Name))
			return nil
		}
		if existing.State != registry.StateUnregistered {
			return fmt.Errorf("instance %s is %s, cannot register", spec.Name, existing.State)
		}
	} else {
		inst := &registry.Instance{
			Name:       spec.Name,
			Repository: spec.Repo,
			Labels:     spec.Labels,
			WorkDir:    spec.WorkDir,
			Ephemeral:  spec.Ephemeral,
			State:      registry.StateUnregistered,
			LastHealth: registry.HealthUnknown,
		}
		if err := c.registry.Register(inst); err != nil {
			return err
		}
	}

	if err := c.doRegister(ctx, spec); err != nil {
		tracing.RecordError(ctx, err)
		_ = c.publisher.PublishRegisterFailure(ctx)
		return err
	}

	_ = c.publisher.PublishRegisterSuccess(ctx)
	c.persist(ctx, spec.Name)
	return nil
}

// doRegister runs the registration sequence and rolls the instance back to
// unregistered on any failure. Caller holds the instance lock.
func (c *Controller) doRegister(ctx context.Context, spec RegisterSpec) error {
	if err := c.transition(spec.Name, registry.StateRegistering); err != nil {
		return err
	}

	rollback := func() {
		_ = c.registry.Update(spec.Name, func(inst *registry.Instance) error {
			inst.State = registry.StateUnregistered
			inst.RemoteID = 0
			return nil
		})
	}

	apiCtx, cancel := context.WithTimeout(ctx, c.timeouts.APICall)
	token, err := c.dispatch.GetRegistrationToken(apiCtx, spec.Repo)
	cancel()
	if err != nil {
		rollback()
		return fmt.Errorf("failed to get registration token: %w", err)
	}

	inst, err := c.registry.Get(spec.Name)
	if err != nil {
		rollback()
		return err
	}

	err = c.worker.Configure(ctx, ConfigureSpec{
		Dir:       c.instanceDir(inst),
		Repo:      spec.Repo,
		Token:     token,
		Name:      spec.Name,
		Labels:    spec.Labels,
		WorkDir:   spec.WorkDir,
		Ephemeral: spec.Ephemeral,
	})
	if err != nil {
		rollback()
		return fmt.Errorf("worker configuration failed: %w", err)
	}

	// The handshake may have succeeded remotely even if resolution fails.
	// Retry once, then surface the ambiguity as a warning instead of
	// rolling back a possibly live registration.
	remoteID, resolveErr := c.resolveRemoteID(ctx, spec.Repo, spec.Name)
	if resolveErr != nil {
		remoteID, resolveErr = c.resolveRemoteID(ctx, spec.Repo, spec.Name)
	}

	return c.registry.Update(spec.Name, func(inst *registry.Instance) error {
		inst.State = registry.StateRegistered
		inst.RemoteID = remoteID
		if resolveErr != nil {
			inst.Warnings = append(inst.Warnings,
				fmt.Sprintf("registered but remote ID unresolved: %v", resolveErr))
		}
		return nil
	})
}

func (c *Controller) resolveRemoteID(ctx context.Context, repo, name string) (int64, error) {
	apiCtx, cancel := context.WithTimeout(ctx, c.timeouts.APICall)
	defer cancel()

	runner, err := c.dispatch.FindRunnerByName(apiCtx, repo, name)
	if err != nil {
		return 0, err
	}
	if runner == nil {
		return 0, fmt.Errorf("runner %s not visible in remote list", name)
	}
	return runner.ID, nil
}

// Start spawns the worker process for a registered instance and waits for
// the readiness handshake.
func (c *Controller) Start(ctx context.Context, name string) error {
	inst, err := c.registry.Get(name)
	if err != nil {
		return err
	}

	ctx, span := c.tracer.StartOpSpan(ctx, "start", name, inst.Repository)
	defer span.End()

	unlock := c.registry.LockInstance(name)
	defer unlock()

	inst, err = c.registry.Get(name)
	if err != nil {
		return err
	}
	if inst.State != registry.StateRegistered {
		return fmt.Errorf("%w: instance %s is %s", ErrNotRegistered, name, inst.State)
	}
	if inst.ProcessAttached() && c.worker.Alive(inst.PID) {
		c.logger.Info("worker already running",
			slog.String(logging.KeyInstance, name),
			slog.Int(logging.KeyPID, inst.PID))
		return nil
	}

	pid, err := c.worker.Start(ctx, c.instanceDir(inst), c.timeouts.StartHandshake)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	if err := c.registry.Update(name, func(inst *registry.Instance) error {
		inst.PID = pid
		return nil
	}); err != nil {
		return err
	}

	_ = c.publisher.PublishRunnerStarted(ctx)
	c.persist(ctx, name)
	c.logger.Info("worker started",
		slog.String(logging.KeyInstance, name),
		slog.Int(logging.KeyPID, pid))
	return nil
}

// Stop terminates the worker process. Stopping an instance with no attached
// process is a no-op. Registration stays intact.
func (c *Controller) Stop(ctx context.Context, name string, graceful bool) error {
	inst, err := c.registry.Get(name)
	if err != nil {
		return err
	}

	ctx, span := c.tracer.StartOpSpan(ctx, "stop", name, inst.Repository)
	defer span.End()

	unlock := c.registry.LockInstance(name)
	defer unlock()

	inst, err = c.registry.Get(name)
	if err != nil {
		return err
	}
	if !inst.ProcessAttached() {
		c.logger.Info("no worker process attached, nothing to stop",
			slog.String(logging.KeyInstance, name))
		return nil
	}

	grace := c.timeouts.StopGrace
	if !graceful {
		grace = 0
	}

	manner, err := c.worker.Stop(ctx, inst.PID, grace, c.timeouts.StopPoll)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	if err := c.registry.Update(name, func(inst *registry.Instance) error {
		inst.PID = 0
		return nil
	}); err != nil {
		return err
	}

	_ = c.publisher.PublishRunnerStopped(ctx, manner)
	c.persist(ctx, name)
	c.logger.Info("worker stopped",
		slog.String(logging.KeyInstance, name),
		slog.String("manner", manner))
	return nil
}

// Remove unregisters the instance remotely and drops it from the registry.
// The worker process must be stopped first. With force, remote failures are
// logged loudly and local removal proceeds anyway.
func (c *Controller) Remove(ctx context.Context, name string, force bool) error {
	inst, err := c.registry.Get(name)
	if err != nil {
		return err
	}

	ctx, span := c.tracer.StartOpSpan(ctx, "remove", name, inst.Repository)
	defer span.End()

	unlock := c.registry.LockInstance(name)
	defer unlock()

	inst, err = c.registry.Get(name)
	if err != nil {
		return err
	}
	if inst.ProcessAttached() && c.worker.Alive(inst.PID) {
		return fmt.Errorf("%w: stop instance %s first", ErrProcessAttached, name)
	}
	if inst.State != registry.StateRegistered && inst.State != registry.StateUnregistered {
		return fmt.Errorf("instance %s is %s, cannot remove", name, inst.State)
	}

	if inst.State == registry.StateRegistered {
		if err := c.transition(name, registry.StateRemoving); err != nil {
			return err
		}

		if err := c.removeRemote(ctx, inst); err != nil {
			if !force {
				_ = c.publisher.PublishRemoveFailure(ctx)
				_ = c.registry.Update(name, func(inst *registry.Instance) error {
					inst.State = registry.StateRegistered
					inst.Warnings = append(inst.Warnings,
						fmt.Sprintf("remote removal failed: %v", err))
					return nil
				})
				c.persist(ctx, name)
				return fmt.Errorf("remote removal failed: %w", err)
			}
			c.logger.Error("FORCED REMOVAL: remote runner may still exist",
				slog.String(logging.KeyInstance, name),
				slog.String(logging.KeyRepo, inst.Repository),
				slog.Int64(logging.KeyRemoteID, inst.RemoteID),
				slog.String(logging.KeyError, err.Error()))
		}

		c.unconfigureWorker(ctx, inst)

		if err := c.transition(name, registry.StateUnregistered); err != nil {
			return err
		}
	}

	if err := c.registry.Remove(name); err != nil {
		return err
	}

	_ = c.publisher.PublishRemoveSuccess(ctx)
	if c.persister != nil {
		if err := c.persister.DeleteInstance(ctx, name); err != nil {
			c.logger.Warn("failed to delete persisted instance",
				slog.String(logging.KeyInstance, name),
				slog.String(logging.KeyError, err.Error()))
		}
	}
	c.logger.Info("instance removed", slog.String(logging.KeyInstance, name))
	return nil
}

// unconfigureWorker removes the local worker configuration with a removal
// token. Best effort: the remote side is already clean at this point, so
// failures only warn.
func (c *Controller) unconfigureWorker(ctx context.Context, inst *registry.Instance) {
	apiCtx, cancel := context.WithTimeout(ctx, c.timeouts.APICall)
	token, err := c.dispatch.GetRemovalToken(apiCtx, inst.Repository)
	cancel()
	if err != nil {
		c.logger.Warn("could not get removal token, leaving local worker config in place",
			slog.String(logging.KeyInstance, inst.Name),
			slog.String(logging.KeyError, err.Error()))
		return
	}

	if err := c.worker.Unconfigure(ctx, c.instanceDir(inst), token); err != nil {
		c.logger.Warn("failed to remove local worker config",
			slog.String(logging.KeyInstance, inst.Name),
			slog.String(logging.KeyError, err.Error()))
	}
}

// removeRemote deletes the remote registration, by resolved ID when known,
// otherwise by looking the runner up first. An already-missing remote
// runner counts as removed.
func (c *Controller) removeRemote(ctx context.Context, inst *registry.Instance) error {
	apiCtx, cancel := context.WithTimeout(ctx, c.timeouts.APICall)
	defer cancel()

	remoteID := inst.RemoteID
	if remoteID == 0 {
		runner, err := c.dispatch.FindRunnerByName(apiCtx, inst.Repository, inst.Name)
		if err != nil {
			return err
		}
		if runner == nil {
			return nil
		}
		remoteID = runner.ID
	}

	if err := c.dispatch.RemoveRunner(apiCtx, inst.Repository, remoteID); err != nil {
		if github.IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// ReconcileReport summarizes one reconcile pass.
type ReconcileReport struct {
	Checked       int
	StalePIDs     []string
	RemoteMissing []string
}

// Reconcile repairs local state after a crash or restart. The remote runner
// list is ground truth for registration; recorded PIDs are probed for
// liveness. Reconcile never re-registers anything on its own.
func (c *Controller) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	ctx, span := c.tracer.StartOpSpan(ctx, "reconcile", "", "")
	defer span.End()

	report := &ReconcileReport{}

	for _, inst := range c.registry.List() {
		unlock := c.registry.LockInstance(inst.Name)

		inst, err := c.registry.Get(inst.Name)
		if err != nil {
			unlock()
			continue
		}
		report.Checked++

		if inst.ProcessAttached() && !c.worker.Alive(inst.PID) {
			report.StalePIDs = append(report.StalePIDs, inst.Name)
			c.logger.Warn("recorded worker process is gone",
				slog.String(logging.KeyInstance, inst.Name),
				slog.Int(logging.KeyPID, inst.PID))
			_ = c.registry.Update(inst.Name, func(i *registry.Instance) error {
				i.PID = 0
				return nil
			})
		}

		// Interrupted transitions resolve toward unregistered; a crash
		// mid-registration may have left a remote entry, which the remote
		// check below reports.
		if inst.State == registry.StateRegistering || inst.State == registry.StateRemoving {
			_ = c.registry.Update(inst.Name, func(i *registry.Instance) error {
				i.Warnings = append(i.Warnings,
					fmt.Sprintf("interrupted transition from %s resolved to unregistered", i.State))
				i.State = registry.StateUnregistered
				return nil
			})
		}

		if inst.State == registry.StateRegistered {
			apiCtx, cancel := context.WithTimeout(ctx, c.timeouts.APICall)
			runner, err := c.dispatch.FindRunnerByName(apiCtx, inst.Repository, inst.Name)
			cancel()
			switch {
			case err != nil:
				c.logger.Warn("could not verify remote registration",
					slog.String(logging.KeyInstance, inst.Name),
					slog.String(logging.KeyError, err.Error()))
			case runner == nil:
				report.RemoteMissing = append(report.RemoteMissing, inst.Name)
				c.logger.Warn("registered locally but missing remotely, downgrading",
					slog.String(logging.KeyInstance, inst.Name),
					slog.String(logging.KeyRepo, inst.Repository))
				_ = c.registry.Update(inst.Name, func(i *registry.Instance) error {
					i.State = registry.StateUnregistered
					i.RemoteID = 0
					i.Warnings = append(i.Warnings, "remote registration disappeared")
					return nil
				})
			default:
				// Remote ID may have been unresolved at registration time.
				_ = c.registry.Update(inst.Name, func(i *registry.Instance) error {
					i.RemoteID = runner.ID
					return nil
				})
			}
		}

		c.persist(ctx, inst.Name)
		unlock()
	}

	_ = c.publisher.PublishManagedInstances(ctx, report.Checked)
	c.logger.Info("reconcile complete",
		slog.Int(logging.KeyCount, report.Checked),
		slog.Int("stale_pids", len(report.StalePIDs)),
		slog.Int("remote_missing", len(report.RemoteMissing)))
	return report, nil
}

// transition moves an instance to the target state. Caller holds the
// instance lock.
func (c *Controller) transition(name string, target registry.State) error {
	return c.registry.Update(name, func(inst *registry.Instance) error {
		c.logger.Debug("state transition",
			slog.String(logging.KeyInstance, name),
			slog.String("from", string(inst.State)),
			slog.String("to", string(target)))
		inst.State = target
		return nil
	})
}
