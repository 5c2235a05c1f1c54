// Package componentregistry registers the built-in component classes that
// deployments can name.
package componentregistry

import (
	"errors"

	"github.com/c360/cvmkit/component"
	pkgerrors "github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/testutil"
)

// Register registers every built-in class with the provided registry:
//   - value-provider, value-consumer and recorder (reference components)
//   - value-pusher (periodic producer driven through a pushControl port)
func Register(registry *component.Registry) error {
	// Nil registry is a programming error (fatal), not invalid input
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	if err := testutil.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "reference component registration")
	}

	if err := registry.Register(&component.Registration{
		Class:       PusherClass,
		Description: "pushes consecutive values through the value capability when told to",
		Signature:   []string{"start"},
		Factory:     newPusherFromArgs,
	}); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "value pusher registration")
	}

	return nil
}

// NewRegistry returns a registry holding every built-in class
func NewRegistry() (*component.Registry, error) {
	registry := component.NewRegistry()
	if err := Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}
