package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Shavakan/runs-local/pkg/config"
	"github.com/Shavakan/runs-local/pkg/creds"
	"github.com/Shavakan/runs-local/pkg/logging"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "runslocal",
	Short: "Manage GitHub tokens and self-hosted runner workers on this host",
	Long: `runs-local keeps a password-encrypted vault of GitHub tokens and drives
the full lifecycle of self-hosted runner workers on a single host:
registration with the dispatch API, worker processes, health checks, and
crash recovery.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		logging.Init(cfg.LogLevel)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newCredsStore picks the token store backend: HashiCorp Vault when the
// standard Vault environment is present, the encrypted file vault otherwise.
func newCredsStore() (creds.Store, error) {
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		token := os.Getenv("VAULT_TOKEN")
		if token == "" {
			return nil, fmt.Errorf("VAULT_ADDR is set but VAULT_TOKEN is empty (unset VAULT_ADDR to use the file vault)")
		}
		return creds.NewVaultStore(creds.VaultConfig{
			Address:   addr,
			Token:     token,
			Namespace: os.Getenv("VAULT_NAMESPACE"),
		})
	}
	return creds.NewFileStore(cfg.VaultDir)
}

// readPassword resolves the vault password: RUNS_LOCAL_VAULT_PASSWORD when
// set, otherwise an interactive prompt with echo disabled. The Vault
// backend ignores the password, so callers pass through whatever this
// returns.
func readPassword() (string, error) {
	if pw := os.Getenv("RUNS_LOCAL_VAULT_PASSWORD"); pw != "" {
		return pw, nil
	}
	if os.Getenv("VAULT_ADDR") != "" {
		// Vault does its own auth; no password needed.
		return "", nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal for password prompt (set RUNS_LOCAL_VAULT_PASSWORD)")
	}

	fmt.Fprint(os.Stderr, "Vault password: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	return string(raw), nil
}
