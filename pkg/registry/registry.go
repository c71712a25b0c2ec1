package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrConflict indicates an instance with the same name already exists.
	ErrConflict = errors.New("instance name already in use")

	// ErrNotFound indicates no instance is registered under the name.
	ErrNotFound = errors.New("no such instance")

	// ErrStillRegistered indicates the instance cannot be removed from the
	// registry while its remote registration may still exist.
	ErrStillRegistered = errors.New("instance is not unregistered")
)

// Registry is an in-memory map of instance name to Instance. All mutations
// go through single-writer-at-a-time access per instance; LockInstance
// additionally serializes whole lifecycle operations on the same name.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance

	opMu  sync.Mutex
	opLks map[string]*sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		opLks:     make(map[string]*sync.Mutex),
	}
}

// Register adds a new instance. Fails with ErrConflict if the name exists.
func (r *Registry) Register(inst *Instance) error {
	if inst == nil || inst.Name == "" {
		return fmt.Errorf("instance name is required")
	}
	if inst.Repository == "" {
		return fmt.Errorf("instance repository is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.Name]; exists {
		return fmt.Errorf("%w: %s", ErrConflict, inst.Name)
	}

	stored := inst.clone()
	if stored.State == "" {
		stored.State = StateUnregistered
	}
	if stored.LastHealth == "" {
		stored.LastHealth = HealthUnknown
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	r.instances[inst.Name] = stored
	return nil
}

// Get returns a copy of the named instance.
func (r *Registry) Get(name string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return inst.clone(), nil
}

// List returns copies of all instances, sorted by name.
func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update applies fn to the named instance under the write lock. fn receives
// the stored instance; returning an error aborts the update.
func (r *Registry) Update(name string, fn func(*Instance) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := fn(inst); err != nil {
		return err
	}
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

// Remove deletes the instance from the registry. Only permitted once the
// instance is Unregistered: removal with a live remote registration would
// leave it dangling.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if inst.State != StateUnregistered {
		return fmt.Errorf("%w: %s is %s", ErrStillRegistered, name, inst.State)
	}
	delete(r.instances, name)
	return nil
}

// ForceRemove deletes the instance regardless of state. Callers must log the
// forced removal loudly; the remote side may still hold a registration.
func (r *Registry) ForceRemove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.instances, name)
	return nil
}

// LockInstance acquires the per-name operation lock and returns its unlock
// function. Lifecycle operations on the same instance are serialized through
// this lock; operations on distinct instances proceed concurrently.
func (r *Registry) LockInstance(name string) func() {
	r.opMu.Lock()
	lk, ok := r.opLks[name]
	if !ok {
		lk = &sync.Mutex{}
		r.opLks[name] = lk
	}
	r.opMu.Unlock()

	lk.Lock()
	return lk.Unlock
}
