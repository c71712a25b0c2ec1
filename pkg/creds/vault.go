package creds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

const (
	defaultKVMount  = "secret"
	defaultBasePath = "runs-local/tokens"
)

// VaultConfig holds configuration for the HashiCorp Vault backend.
type VaultConfig struct {
	Address   string // VAULT_ADDR
	Token     string // Vault token
	Namespace string // VAULT_NAMESPACE (enterprise)
	KVMount   string // KV mount path (default: "secret")
	BasePath  string // base path for token records (default: "runs-local/tokens")
}

// VaultStore keeps tokens in a HashiCorp Vault KV v2 engine instead of the
// local file vault. Vault provides confidentiality and access control, so
// the password arguments on Store operations are ignored.
type VaultStore struct {
	client   *api.Client
	kvMount  string
	basePath string
}

var _ Store = (*VaultStore)(nil)

// NewVaultStore creates a Vault-backed token store using token auth.
func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	vaultCfg := api.DefaultConfig()
	if cfg.Address != "" {
		vaultCfg.Address = cfg.Address
	}
	// Bound every Vault call; the default client has no timeout.
	vaultCfg.HttpClient = &http.Client{Timeout: 30 * time.Second}

	client, err := api.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("vault token is required")
	}
	client.SetToken(cfg.Token)

	return NewVaultStoreWithClient(client, cfg.KVMount, cfg.BasePath), nil
}

// NewVaultStoreWithClient creates a Vault store with a pre-configured client
// (for testing).
func NewVaultStoreWithClient(client *api.Client, kvMount, basePath string) *VaultStore {
	if kvMount == "" {
		kvMount = defaultKVMount
	}
	if basePath == "" {
		basePath = defaultBasePath
	}
	return &VaultStore{client: client, kvMount: kvMount, basePath: basePath}
}

// Save stores the token for repo. The password is ignored.
func (v *VaultStore) Save(ctx context.Context, repo, token, _ string) error {
	if repo == "" {
		return fmt.Errorf("repository is required")
	}
	if token == "" {
		return fmt.Errorf("token is required")
	}

	data := map[string]interface{}{
		"repo":  repo,
		"token": token,
	}
	_, err := v.client.KVv2(v.kvMount).Put(ctx, v.secretPath(repo), data)
	if err != nil {
		return fmt.Errorf("failed to write token to Vault: %w", err)
	}
	return nil
}

// Load retrieves the token for repo. The password is ignored.
func (v *VaultStore) Load(ctx context.Context, repo, _ string) (string, error) {
	secret, err := v.client.KVv2(v.kvMount).Get(ctx, v.secretPath(repo))
	if err != nil {
		if isVaultNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, repo)
		}
		return "", fmt.Errorf("failed to read token from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, repo)
	}
	token, ok := secret.Data["token"].(string)
	if !ok || token == "" {
		return "", fmt.Errorf("%w: token field missing for %s", ErrCorrupt, repo)
	}
	return token, nil
}

// List returns all repositories with stored tokens.
func (v *VaultStore) List(ctx context.Context, _ string) ([]string, error) {
	listPath := fmt.Sprintf("%s/metadata/%s", v.kvMount, v.basePath)
	secret, err := v.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens in Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	keysRaw, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var repos []string
	for _, key := range keysRaw {
		keyStr, ok := key.(string)
		if !ok || strings.HasSuffix(keyStr, "/") {
			continue
		}
		repos = append(repos, decodeRepo(keyStr))
	}
	sort.Strings(repos)
	return repos, nil
}

// ClearOne deletes the token for one repository.
func (v *VaultStore) ClearOne(ctx context.Context, repo string) error {
	err := v.client.KVv2(v.kvMount).DeleteMetadata(ctx, v.secretPath(repo))
	if err != nil {
		if isVaultNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, repo)
		}
		return fmt.Errorf("failed to delete token from Vault: %w", err)
	}
	return nil
}

// ClearAll deletes every stored token.
func (v *VaultStore) ClearAll(ctx context.Context) error {
	repos, err := v.List(ctx, "")
	if err != nil {
		return err
	}
	for _, repo := range repos {
		if err := v.ClearOne(ctx, repo); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// secretPath maps a repository to a KV path. The owner/repo slash is
// flattened so each record is a single leaf key.
func (v *VaultStore) secretPath(repo string) string {
	return v.basePath + "/" + encodeRepo(repo)
}

func encodeRepo(repo string) string {
	return strings.ReplaceAll(repo, "/", "__")
}

func decodeRepo(key string) string {
	return strings.Replace(key, "__", "/", 1)
}

// isVaultNotFound checks if the error indicates a missing secret.
func isVaultNotFound(err error) bool {
	if errors.Is(err, api.ErrSecretNotFound) {
		return true
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}
	return false
}
