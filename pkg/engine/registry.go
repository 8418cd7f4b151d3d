package engine

import (
	"github.com/openfroyo/stackforge/pkg/errdefs"
)

// Registry maps hierarchical paths to the component instances of one
// compile. Instances are registered once, when they are created, and the
// registry is the only way besides Parent to navigate the instance tree.
type Registry struct {
	instances map[string]Component
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]Component)}
}

// Register adds c under its path.
func (r *Registry) Register(c Component) error {
	path := c.Info().Path()
	if _, exists := r.instances[path]; exists {
		return errdefs.Newf(errdefs.KindDuplicateName, "instance %s is already registered", path).WithPath(path)
	}
	r.instances[path] = c
	r.order = append(r.order, path)
	return nil
}

// Get returns the instance at path.
func (r *Registry) Get(path string) (Component, bool) {
	c, ok := r.instances[path]
	return c, ok
}

// Lookup returns the instance at path. A miss is a broken compiler
// invariant, not a user error.
func (r *Registry) Lookup(path string) (Component, error) {
	c, ok := r.instances[path]
	if !ok {
		return nil, errdefs.Newf(errdefs.KindInternal, "no instance registered at %s", path).WithPath(path)
	}
	return c, nil
}

// Basic returns the basic instance at path.
func (r *Registry) Basic(path string) (*BasicInstance, error) {
	c, err := r.Lookup(path)
	if err != nil {
		return nil, err
	}
	b, ok := c.(*BasicInstance)
	if !ok {
		return nil, errdefs.Newf(errdefs.KindInternal, "instance %s is %s, not basic", path, c.Kind()).WithPath(path)
	}
	return b, nil
}

// Composite returns the composite instance at path.
func (r *Registry) Composite(path string) (*CompositeInstance, error) {
	c, err := r.Lookup(path)
	if err != nil {
		return nil, err
	}
	comp, ok := c.(*CompositeInstance)
	if !ok {
		return nil, errdefs.Newf(errdefs.KindInternal, "instance %s is %s, not composite", path, c.Kind()).WithPath(path)
	}
	return comp, nil
}

// Paths returns every registered path in registration order.
func (r *Registry) Paths() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	return len(r.order)
}
