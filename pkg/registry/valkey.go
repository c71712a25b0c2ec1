package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ValkeyStore snapshots instances to Valkey/Redis so the registry survives
// controller restarts. Only durable fields are persisted; health annotations
// are ephemeral and re-derived by the next poll.
type ValkeyStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewValkeyStore creates a store against the given address.
func NewValkeyStore(addr, keyPrefix string) *ValkeyStore {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewValkeyStoreWithClient(client, keyPrefix)
}

// NewValkeyStoreWithClient creates a store with an existing client (for testing).
func NewValkeyStoreWithClient(client *redis.Client, keyPrefix string) *ValkeyStore {
	if keyPrefix == "" {
		keyPrefix = "runs-local:"
	}
	return &ValkeyStore{client: client, keyPrefix: keyPrefix}
}

func (s *ValkeyStore) instanceKey(name string) string {
	return s.keyPrefix + "instance:" + name
}

func (s *ValkeyStore) indexKey() string {
	return s.keyPrefix + "instances:index"
}

// SaveInstance persists one instance snapshot atomically.
func (s *ValkeyStore) SaveInstance(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.Name == "" {
		return fmt.Errorf("instance name is required")
	}

	snapshot := *inst
	snapshot.LastHealth = HealthUnknown
	snapshot.Findings = nil

	data, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	// TxPipeline wraps in MULTI/EXEC for atomic execution
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.indexKey(), inst.Name)
	pipe.Set(ctx, s.instanceKey(inst.Name), data, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

// LoadInstance retrieves one instance snapshot. Returns ErrNotFound when no
// snapshot exists.
func (s *ValkeyStore) LoadInstance(ctx context.Context, name string) (*Instance, error) {
	data, err := s.client.Get(ctx, s.instanceKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}

	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return &inst, nil
}

// DeleteInstance removes one instance snapshot atomically.
func (s *ValkeyStore) DeleteInstance(ctx context.Context, name string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, s.indexKey(), name)
	pipe.Del(ctx, s.instanceKey(name))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

// LoadAll restores every persisted instance into the given registry,
// skipping names that already exist locally.
func (s *ValkeyStore) LoadAll(ctx context.Context, reg *Registry) (int, error) {
	names, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %w", err)
	}

	restored := 0
	for _, name := range names {
		inst, err := s.LoadInstance(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // index entry with no snapshot; stale
			}
			return restored, err
		}
		if err := reg.Register(inst); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// Close closes the underlying client connection.
func (s *ValkeyStore) Close() error {
	return s.client.Close()
}
