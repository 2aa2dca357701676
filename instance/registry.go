package instance

import (
	"sort"
	"sync"

	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/protocol"
)

// Registry is the process-wide set of instances, keyed by name. All
// administrative operations and the supervisor share one registry.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Put registers a new instance. Names are unique.
func (r *Registry) Put(inst *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[inst.Name]; exists {
		return errors.WrapInvalid(errors.ErrInstanceExists, "Registry", "Put", inst.Name)
	}
	r.instances[inst.Name] = inst
	return nil
}

// Get looks up an instance by name.
func (r *Registry) Get(name string) (*Instance, error) {
	r.mu.RLock()
	inst, ok := r.instances[name]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInstanceNotFound, "Registry", "Get", name)
	}
	return inst, nil
}

// Delete removes an instance. Removal is refused while the instance is
// connected; callers must log out or close it first.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[name]
	if !ok {
		return errors.WrapInvalid(errors.ErrInstanceNotFound, "Registry", "Delete", name)
	}
	if state, _ := inst.State(); state == protocol.StateOpen {
		return errors.WrapInvalid(errors.ErrInstanceConnected, "Registry", "Delete", name)
	}
	inst.MarkDeleted()
	delete(r.instances, name)
	return nil
}

// Names returns the registered instance names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// All returns the registered instances in name order.
func (r *Registry) All() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
