package parameter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps parameter names to implementations. It is built once at
// startup and then only read.
type Registry struct {
	mu     sync.RWMutex
	params map[string]Parameter
}

// NewRegistry creates a registry holding params
func NewRegistry(params ...Parameter) (*Registry, error) {
	r := &Registry{params: make(map[string]Parameter, len(params))}
	for _, p := range params {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry returns a registry with the built-in parameters
func DefaultRegistry() *Registry {
	r := &Registry{params: make(map[string]Parameter)}
	r.MustRegister(NewDelta())
	r.MustRegister(NewStopLoss())
	r.MustRegister(NewProfitTarget())
	r.MustRegister(NewEntryTime())
	return r
}

// Register adds a parameter under its name
func (r *Registry) Register(p Parameter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.params[p.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateParameter, p.Name())
	}
	r.params[p.Name()] = p
	return nil
}

// MustRegister is Register that panics on error
func (r *Registry) MustRegister(p Parameter) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get returns the parameter registered under name
func (r *Registry) Get(name string) (Parameter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.params[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}
	return p, nil
}

// List returns every parameter sorted by name
func (r *Registry) List() []Parameter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Parameter, 0, len(r.params))
	for _, p := range r.params {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Configure replaces a configurable parameter with a copy built from config.
// Parameters without per-run options are left as they are.
func (r *Registry) Configure(name string, config map[string]any) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	c, ok := p.(Configurable)
	if !ok {
		return nil
	}
	configured, err := c.Configured(config)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.params[name] = configured
	r.mu.Unlock()
	return nil
}

// Clone returns an independent registry with the same entries
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := &Registry{params: make(map[string]Parameter, len(r.params))}
	for k, v := range r.params {
		c.params[k] = v
	}
	return c
}
