package component

import (
	"fmt"
	"sort"
	"sync"

	"github.com/c360/cvmkit/errors"
)

// Factory creates a component of a registered class. Factories do no I/O and
// leave the component in Created.
type Factory func(rt *Runtime, uri string, args []string) (Component, error)

// Registration holds the factory and metadata of a component class
type Registration struct {
	Class       string   `json:"class"`
	Description string   `json:"description"`
	Signature   []string `json:"signature"`
	Factory     Factory  `json:"-"`
}

// Registry manages the component classes a site can instantiate by name.
// It is what the dynamic component creator and the CVM deploy from.
type Registry struct {
	factories map[string]*Registration
	mu        sync.RWMutex
}

// NewRegistry creates an empty class registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]*Registration)}
}

// Register adds a class. Returns an error if the class is already registered.
func (r *Registry) Register(registration *Registration) error {
	if registration == nil || registration.Class == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "class validation")
	}
	if registration.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[registration.Class]; exists {
		msg := fmt.Errorf("class '%s' is already registered", registration.Class)
		return errors.WrapInvalid(msg, "Registry", "Register", "duplicate class check")
	}

	r.factories[registration.Class] = registration
	return nil
}

// Lookup returns the registration of a class
func (r *Registry) Lookup(class string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.factories[class]
	return reg, ok
}

// Classes returns the registered class identifiers, sorted
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates a class. The component's class and signature are
// recorded for introspection.
func (r *Registry) Create(rt *Runtime, class, uri string, args []string) (Component, error) {
	reg, ok := r.Lookup(class)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownComponentCls, class), "Registry", "Create", "class lookup")
	}
	if len(reg.Signature) > 0 && len(args) != len(reg.Signature) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("class %s takes %d arguments %v, got %d", class, len(reg.Signature), reg.Signature, len(args)),
			"Registry", "Create", "argument validation")
	}

	c, err := reg.Factory(rt, uri, args)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", fmt.Sprintf("factory execution for %s", class))
	}
	c.Core().SetClass(class, reg.Signature...)
	return c, nil
}
