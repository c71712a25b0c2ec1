package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Shavakan/runs-local/pkg/config"
	"github.com/Shavakan/runs-local/pkg/github"
	"github.com/Shavakan/runs-local/pkg/lifecycle"
	"github.com/Shavakan/runs-local/pkg/registry"
)

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Manage runner instances on this host",
}

// runtime bundles the pieces every runner subcommand needs.
type runtime struct {
	registry   *registry.Registry
	store      *registry.ValkeyStore
	controller *lifecycle.Controller
}

func (r *runtime) close() {
	if r.store != nil {
		_ = r.store.Close()
	}
}

// newDispatchClient builds the dispatch API client. Credential precedence:
// static token from the environment, GitHub App, then the token vault for
// the given repository.
func newDispatchClient(ctx context.Context, repo string) (*github.Client, error) {
	var client *github.Client
	var err error

	switch {
	case cfg.GitHubToken != "":
		client, err = github.NewTokenClient(cfg.GitHubToken)
	case cfg.GitHubAppID != "":
		client, err = github.NewAppClient(cfg.GitHubAppID, cfg.GitHubAppPrivateKey)
	default:
		if repo == "" {
			return nil, fmt.Errorf("no credentials: set RUNS_LOCAL_GITHUB_TOKEN, configure a GitHub App, or save a token with 'vault save'")
		}
		store, storeErr := newCredsStore()
		if storeErr != nil {
			return nil, storeErr
		}
		password, pwErr := readPassword()
		if pwErr != nil {
			return nil, pwErr
		}
		token, loadErr := store.Load(ctx, repo, password)
		if loadErr != nil {
			return nil, fmt.Errorf("no token for %s in the vault (save one with 'vault save %s <token>'): %w", repo, repo, loadErr)
		}
		client, err = github.NewTokenClient(token)
	}
	if err != nil {
		return nil, err
	}
	if cfg.GitHubBaseURL != "" {
		client.SetBaseURL(cfg.GitHubBaseURL)
	}
	return client, nil
}

// newRuntime assembles the registry, persistence, and controller. With
// RUNS_LOCAL_VALKEY_ADDR set, instances survive across CLI invocations;
// without it, state lives only inside this process.
func newRuntime(ctx context.Context, repo string) (*runtime, error) {
	reg := registry.New()

	var store *registry.ValkeyStore
	if cfg.ValkeyAddr != "" {
		store = registry.NewValkeyStore(cfg.ValkeyAddr, "runs-local")
		if _, err := store.LoadAll(ctx, reg); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to load instances from %s: %w", cfg.ValkeyAddr, err)
		}
	}

	dispatch, err := newDispatchClient(ctx, repo)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	opts := lifecycle.Options{
		Registry:  reg,
		Dispatch:  dispatch,
		Worker:    lifecycle.NewExecWorker(),
		Timeouts:  config.DefaultTimeouts(),
		RunnerDir: cfg.RunnerDir,
	}
	if store != nil {
		opts.Persister = store
	}

	controller, err := lifecycle.NewController(opts)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	return &runtime{registry: reg, store: store, controller: controller}, nil
}

// repoOfInstance resolves the repository an existing instance is bound to,
// so credential lookup can fall back to the vault.
func repoOfInstance(ctx context.Context, name string) string {
	if cfg.ValkeyAddr == "" {
		return ""
	}
	store := registry.NewValkeyStore(cfg.ValkeyAddr, "runs-local")
	defer func() { _ = store.Close() }()
	inst, err := store.LoadInstance(ctx, name)
	if err != nil {
		return ""
	}
	return inst.Repository
}

var (
	registerRepo      string
	registerLabels    []string
	registerWorkDir   string
	registerEphemeral bool
	registerFromFile  string
)

var runnerRegisterCmd = &cobra.Command{
	Use:   "register [name]",
	Short: "Register a runner instance with its repository",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if registerFromFile != "" {
			return registerFromFleetFile(ctx, registerFromFile)
		}

		if len(args) != 1 {
			return fmt.Errorf("specify an instance name, or use --from-file")
		}
		if registerRepo == "" {
			return fmt.Errorf("--repo is required (owner/repo)")
		}

		rt, err := newRuntime(ctx, registerRepo)
		if err != nil {
			return err
		}
		defer rt.close()

		err = rt.controller.Register(ctx, lifecycle.RegisterSpec{
			Name:      args[0],
			Repo:      registerRepo,
			Labels:    registerLabels,
			WorkDir:   registerWorkDir,
			Ephemeral: registerEphemeral,
		})
		if err != nil {
			return fmt.Errorf("failed to register %s with %s: %w", args[0], registerRepo, err)
		}
		fmt.Printf("Instance %s registered with %s.\n", args[0], registerRepo)
		return nil
	},
}

func registerFromFleetFile(ctx context.Context, path string) error {
	fleet, err := config.LoadFleetFile(path)
	if err != nil {
		return err
	}

	var failed []string
	for _, spec := range fleet.Runners {
		rt, err := newRuntime(ctx, spec.Repo)
		if err != nil {
			return err
		}

		err = rt.controller.Register(ctx, lifecycle.RegisterSpec{
			Name:      spec.Name,
			Repo:      spec.Repo,
			Labels:    spec.Labels,
			WorkDir:   spec.WorkDir,
			Ephemeral: spec.Ephemeral,
		})
		rt.close()
		if err != nil {
			fmt.Printf("FAILED %s (%s): %v\n", spec.Name, spec.Repo, err)
			failed = append(failed, spec.Name)
			continue
		}
		fmt.Printf("Instance %s registered with %s.\n", spec.Name, spec.Repo)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d registrations failed: %s",
			len(failed), len(fleet.Runners), strings.Join(failed, ", "))
	}
	return nil
}

var runnerStartCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start the worker process for a registered instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, repoOfInstance(ctx, args[0]))
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.controller.Start(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to start %s (is it registered? try 'runner status'): %w", args[0], err)
		}
		fmt.Printf("Instance %s started.\n", args[0])
		return nil
	},
}

var stopKill bool

var runnerStopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Stop the worker process, keeping the registration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, repoOfInstance(ctx, args[0]))
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.controller.Stop(ctx, args[0], !stopKill); err != nil {
			return fmt.Errorf("failed to stop %s: %w", args[0], err)
		}
		fmt.Printf("Instance %s stopped.\n", args[0])
		return nil
	},
}

var removeForce bool

var runnerRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Unregister an instance remotely and drop it locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, repoOfInstance(ctx, args[0]))
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.controller.Remove(ctx, args[0], removeForce); err != nil {
			return fmt.Errorf("failed to remove %s (stop it first, or retry with --force): %w", args[0], err)
		}
		fmt.Printf("Instance %s removed.\n", args[0])
		return nil
	},
}

var runnerStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show instance states, processes, and health",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		reg := registry.New()

		if cfg.ValkeyAddr != "" {
			store := registry.NewValkeyStore(cfg.ValkeyAddr, "runs-local")
			defer func() { _ = store.Close() }()
			if _, err := store.LoadAll(ctx, reg); err != nil {
				return fmt.Errorf("failed to load instances from %s: %w", cfg.ValkeyAddr, err)
			}
		}

		instances := reg.List()
		if len(args) == 1 {
			inst, err := reg.Get(args[0])
			if err != nil {
				return fmt.Errorf("no instance named %s (register one with 'runner register'): %w", args[0], err)
			}
			instances = []*registry.Instance{inst}
		}

		if len(instances) == 0 {
			fmt.Println("No instances.")
			return nil
		}
		for _, inst := range instances {
			printInstance(inst)
		}
		return nil
	},
}

func printInstance(inst *registry.Instance) {
	fmt.Printf("%s (%s)\n", inst.Name, inst.Repository)
	fmt.Printf("    State:  %s\n", inst.State)
	if inst.ProcessAttached() {
		fmt.Printf("    PID:    %d\n", inst.PID)
	}
	if inst.RemoteID != 0 {
		fmt.Printf("    Remote: %d\n", inst.RemoteID)
	}
	fmt.Printf("    Health: %s\n", inst.LastHealth)
	for _, f := range inst.Findings {
		fmt.Printf("    Finding: %s\n", f)
	}
	for _, w := range inst.Warnings {
		fmt.Printf("    Warning: %s\n", w)
	}
	fmt.Println()
}

var runnerReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair local state against processes and the remote runner list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		rt, err := newRuntime(ctx, "")
		if err != nil {
			return err
		}
		defer rt.close()

		report, err := rt.controller.Reconcile(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Checked %d instance(s).\n", report.Checked)
		for _, name := range report.StalePIDs {
			fmt.Printf("    %s: stale worker PID cleared\n", name)
		}
		for _, name := range report.RemoteMissing {
			fmt.Printf("    %s: remote registration missing, downgraded to unregistered\n", name)
		}
		return nil
	},
}

func init() {
	runnerRegisterCmd.Flags().StringVar(&registerRepo, "repo", "", "repository the runner serves (owner/repo)")
	runnerRegisterCmd.Flags().StringSliceVar(&registerLabels, "labels", nil, "runner labels")
	runnerRegisterCmd.Flags().StringVar(&registerWorkDir, "work-dir", "", "worker installation directory")
	runnerRegisterCmd.Flags().BoolVar(&registerEphemeral, "ephemeral", false, "unregister after one job")
	runnerRegisterCmd.Flags().StringVar(&registerFromFile, "from-file", "", "register every runner in a fleet YAML file")

	runnerStopCmd.Flags().BoolVar(&stopKill, "kill", false, "kill immediately instead of waiting for graceful exit")
	runnerRemoveCmd.Flags().BoolVar(&removeForce, "force", false, "remove locally even if the remote removal fails")

	runnerCmd.AddCommand(runnerRegisterCmd, runnerStartCmd, runnerStopCmd,
		runnerRemoveCmd, runnerStatusCmd, runnerReconcileCmd)
	rootCmd.AddCommand(runnerCmd)
}
