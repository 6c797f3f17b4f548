package module

import (
	"sort"
	"sync"

	appErr "faasrt/pkg/errors"
)

// Registry indexes live descriptors by name and listen port.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Descriptor
	byPort map[int]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Descriptor),
		byPort: make(map[int]*Descriptor),
	}
}

// Register adds d. Names are unique, and so are non-zero ports.
func (r *Registry) Register(d *Descriptor) error {
	if !d.Valid() {
		return appErr.New(appErr.ModuleInvalid).WithMessage("descriptor is not valid")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[d.Name()]; ok {
		return appErr.New(appErr.ModuleAlreadyExists).WithMessagef("module %s already registered", d.Name())
	}
	if d.Port() != 0 {
		if other, ok := r.byPort[d.Port()]; ok {
			return appErr.New(appErr.ModulePortInUse).WithMessagef("port %d already serves %s", d.Port(), other.Name())
		}
		r.byPort[d.Port()] = d
	}
	r.byName[d.Name()] = d
	return nil
}

func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) ByPort(port int) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byPort[port]
	return d, ok
}

// List returns the descriptors ordered by name.
func (r *Registry) List() []*Descriptor {
	r.mu.RLock()
	out := make([]*Descriptor, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Unregister removes the module and retires it. In-flight sandboxes keep the
// descriptor alive until they are reclaimed.
func (r *Registry) Unregister(name string) (*Descriptor, error) {
	r.mu.Lock()
	d, ok := r.byName[name]
	if ok {
		delete(r.byName, name)
		if r.byPort[d.Port()] == d {
			delete(r.byPort, d.Port())
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil, appErr.New(appErr.ModuleNotFound).WithMessagef("module %s not found", name)
	}
	d.Retire()
	return d, nil
}

// Close retires every module.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.byName
	r.byName = make(map[string]*Descriptor)
	r.byPort = make(map[int]*Descriptor)
	r.mu.Unlock()
	for _, d := range all {
		d.Retire()
	}
}
