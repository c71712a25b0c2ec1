package creds

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/vault/api"
)

// fakeKV emulates the handful of KV v2 endpoints the store touches.
type fakeKV struct {
	mu      sync.Mutex
	secrets map[string]map[string]interface{} // leaf key -> data
}

func (f *fakeKV) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/secret/data/runs-local/tokens/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/v1/secret/data/runs-local/tokens/")
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			data, ok := f.secrets[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"data":     data,
					"metadata": map[string]interface{}{"version": 1},
				},
			})
		case http.MethodPut, http.MethodPost:
			var body struct {
				Data map[string]interface{} `json:"data"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.secrets[key] = body.Data
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{"version": 1},
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/secret/metadata/runs-local/tokens/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/v1/secret/metadata/runs-local/tokens/")
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, ok := f.secrets[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.secrets, key)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/secret/metadata/runs-local/tokens", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		keys := make([]interface{}, 0, len(f.secrets))
		for k := range f.secrets {
			keys = append(keys, k)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"keys": keys},
		})
	})
	return mux
}

func newTestVaultStore(t *testing.T) (*VaultStore, *fakeKV) {
	t.Helper()
	fake := &fakeKV{secrets: make(map[string]map[string]interface{})}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	cfg := api.DefaultConfig()
	cfg.Address = server.URL
	client, err := api.NewClient(cfg)
	if err != nil {
		t.Fatalf("failed to create Vault client: %v", err)
	}
	client.SetToken("test-token")

	return NewVaultStoreWithClient(client, "", ""), fake
}

func TestVaultStore_RoundTrip(t *testing.T) {
	store, _ := newTestVaultStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "org/repo", "ghp_AAAA", "ignored"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	token, err := store.Load(ctx, "org/repo", "ignored")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if token != "ghp_AAAA" {
		t.Errorf("expected ghp_AAAA, got %q", token)
	}
}

func TestVaultStore_LoadMissing(t *testing.T) {
	store, _ := newTestVaultStore(t)

	_, err := store.Load(context.Background(), "org/absent", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestVaultStore_LoadCorrupt(t *testing.T) {
	store, fake := newTestVaultStore(t)

	// Record exists but the token field is gone.
	fake.secrets["org__repo"] = map[string]interface{}{"repo": "org/repo"}

	_, err := store.Load(context.Background(), "org/repo", "")
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestVaultStore_List(t *testing.T) {
	store, _ := newTestVaultStore(t)
	ctx := context.Background()

	for _, repo := range []string{"org/beta", "org/alpha", "other/repo"} {
		if err := store.Save(ctx, repo, "ghp_X", ""); err != nil {
			t.Fatalf("save %s failed: %v", repo, err)
		}
	}

	repos, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{"org/alpha", "org/beta", "other/repo"}
	if len(repos) != len(want) {
		t.Fatalf("expected %d repos, got %v", len(want), repos)
	}
	for i, repo := range want {
		if repos[i] != repo {
			t.Errorf("repos[%d] = %q, want %q", i, repos[i], repo)
		}
	}
}

func TestVaultStore_ClearOne(t *testing.T) {
	store, _ := newTestVaultStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, "org/repo", "ghp_AAAA", ""); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.ClearOne(ctx, "org/repo"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	_, err := store.Load(ctx, "org/repo", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after clear, got %v", err)
	}

	if err := store.ClearOne(ctx, "org/repo"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second clear, got %v", err)
	}
}

func TestVaultStore_ClearAll(t *testing.T) {
	store, fake := newTestVaultStore(t)
	ctx := context.Background()

	for _, repo := range []string{"org/a", "org/b"} {
		if err := store.Save(ctx, repo, "ghp_X", ""); err != nil {
			t.Fatalf("save %s failed: %v", repo, err)
		}
	}

	if err := store.ClearAll(ctx); err != nil {
		t.Fatalf("clear all failed: %v", err)
	}
	if len(fake.secrets) != 0 {
		t.Errorf("expected empty store, got %v", fake.secrets)
	}
}
