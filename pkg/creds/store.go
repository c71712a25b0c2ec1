// Package creds stores GitHub access tokens encrypted at rest with a
// user-supplied password. Records are keyed by repository (owner/repo).
// Two backends exist: a local file vault (password-encrypted, the default)
// and HashiCorp Vault KV for hosts that already run one.
package creds

import "context"

// Store defines operations for persisting repository-scoped access tokens.
type Store interface {
	// Save encrypts and persists a token for the repository, overwriting any
	// existing record and the password verifier.
	Save(ctx context.Context, repo, token, password string) error

	// Load returns the decrypted token for the repository. Fails with
	// ErrAuth on a wrong password and ErrNotFound when no record exists.
	Load(ctx context.Context, repo, password string) (string, error)

	// List returns all repositories with stored records, after password
	// verification.
	List(ctx context.Context, password string) ([]string, error)

	// ClearOne deletes the record for one repository. No password required:
	// deletion is not confidentiality-sensitive.
	ClearOne(ctx context.Context, repo string) error

	// ClearAll deletes every record and the verifier.
	ClearAll(ctx context.Context) error
}
