package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Shavakan/runs-local/pkg/creds"
	"github.com/Shavakan/runs-local/pkg/metrics"
)

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage the encrypted token vault",
}

// vaultPublisher returns the metrics backend for one-shot vault commands.
// Dogstatsd is push-based, so it works from a short-lived CLI process; with
// no statsd address configured the metrics are discarded.
func vaultPublisher() metrics.Publisher {
	if cfg == nil || cfg.StatsdAddr == "" {
		return metrics.NoopPublisher{}
	}
	pub, err := metrics.NewDatadogPublisher(metrics.DatadogConfig{Address: cfg.StatsdAddr})
	if err != nil {
		return metrics.NoopPublisher{}
	}
	return pub
}

// vaultOpResult maps a store error to the result label published with each
// vault operation.
func vaultOpResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, creds.ErrAuth):
		return "auth_error"
	case errors.Is(err, creds.ErrNotFound):
		return "not_found"
	case errors.Is(err, creds.ErrCorrupt):
		return "corrupt"
	default:
		return "error"
	}
}

func publishVaultOp(ctx context.Context, pub metrics.Publisher, op string, err error) {
	_ = pub.PublishVaultOp(ctx, op, vaultOpResult(err))
}

var vaultSaveCmd = &cobra.Command{
	Use:   "save <owner/repo> <token>",
	Short: "Encrypt and store a token for a repository",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, token := args[0], args[1]

		store, err := newCredsStore()
		if err != nil {
			return err
		}
		password, err := readPassword()
		if err != nil {
			return err
		}

		pub := vaultPublisher()
		defer func() { _ = pub.Close() }()

		err = store.Save(cmd.Context(), repo, token, password)
		publishVaultOp(cmd.Context(), pub, "save", err)
		if err != nil {
			return fmt.Errorf("failed to save token for %s: %w", repo, err)
		}
		fmt.Printf("Token for %s saved.\n", repo)
		return nil
	},
}

var vaultLoadCmd = &cobra.Command{
	Use:   "load <owner/repo>",
	Short: "Decrypt and print the token for a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := args[0]

		store, err := newCredsStore()
		if err != nil {
			return err
		}
		password, err := readPassword()
		if err != nil {
			return err
		}

		pub := vaultPublisher()
		defer func() { _ = pub.Close() }()

		token, err := store.Load(cmd.Context(), repo, password)
		publishVaultOp(cmd.Context(), pub, "load", err)
		if err != nil {
			return fmt.Errorf("failed to load token for %s (check the password, or save one with 'vault save'): %w", repo, err)
		}
		fmt.Println(token)
		return nil
	},
}

var vaultListCmd = &cobra.Command{
	Use:   "list",
	Short: "List repositories with stored tokens",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := newCredsStore()
		if err != nil {
			return err
		}
		password, err := readPassword()
		if err != nil {
			return err
		}

		pub := vaultPublisher()
		defer func() { _ = pub.Close() }()

		repos, err := store.List(cmd.Context(), password)
		publishVaultOp(cmd.Context(), pub, "list", err)
		if err != nil {
			return fmt.Errorf("failed to list vault entries: %w", err)
		}
		if len(repos) == 0 {
			fmt.Println("Vault is empty.")
			return nil
		}
		for _, repo := range repos {
			fmt.Println(repo)
		}
		return nil
	},
}

var vaultClearAll bool

var vaultClearCmd = &cobra.Command{
	Use:   "clear [owner/repo]",
	Short: "Remove one stored token, or all with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := newCredsStore()
		if err != nil {
			return err
		}

		pub := vaultPublisher()
		defer func() { _ = pub.Close() }()

		if vaultClearAll {
			if len(args) != 0 {
				return fmt.Errorf("--all does not take a repository argument")
			}
			err := store.ClearAll(cmd.Context())
			publishVaultOp(cmd.Context(), pub, "clear", err)
			if err != nil {
				return fmt.Errorf("failed to clear vault: %w", err)
			}
			fmt.Println("Vault cleared.")
			return nil
		}

		if len(args) != 1 {
			return fmt.Errorf("specify a repository to clear, or use --all")
		}
		repo := args[0]
		err = store.ClearOne(cmd.Context(), repo)
		publishVaultOp(cmd.Context(), pub, "clear", err)
		if err != nil {
			return fmt.Errorf("failed to clear token for %s: %w", repo, err)
		}
		fmt.Printf("Token for %s cleared.\n", repo)
		return nil
	},
}

func init() {
	vaultClearCmd.Flags().BoolVar(&vaultClearAll, "all", false, "remove every stored token")

	vaultCmd.AddCommand(vaultSaveCmd, vaultLoadCmd, vaultListCmd, vaultClearCmd)
	rootCmd.AddCommand(vaultCmd)
}
