// Package creator provides the Dynamic Component Creator: one component per
// site, reachable at <site>-dcc, that creates components of registered
// classes at runtime and drives their life-cycle on behalf of remote
// callers.
package creator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
)

// Operations of the dynamicCreation capability
const (
	OpCreate        = "createComponent"
	OpStart         = "startComponent"
	OpExecute       = "executeComponent"
	OpFinalise      = "finaliseComponent"
	OpShutdown      = "shutdownComponent"
	OpShutdownNow   = "shutdownNowComponent"
	OpIsDeployed    = "isDeployed"
	OpIsStarted     = "isStarted"
	OpIsFinalised   = "isFinalised"
	OpIsShutdown    = "isShutdown"
	OpIsTerminated  = "isTerminated"
	OpListClasses   = "listClasses"
	OpListInstances = "listComponents"
)

var creationCapability = component.NewCapability("dynamicCreation",
	component.Op(OpCreate, "class", "uri", "args").Returning("address"),
	component.Op(OpStart, "uri"),
	component.Op(OpExecute, "uri"),
	component.Op(OpFinalise, "uri"),
	component.Op(OpShutdown, "uri"),
	component.Op(OpShutdownNow, "uri"),
	component.Op(OpIsDeployed, "uri").Returning("bool"),
	component.Op(OpIsStarted, "uri").Returning("bool"),
	component.Op(OpIsFinalised, "uri").Returning("bool"),
	component.Op(OpIsShutdown, "uri").Returning("bool"),
	component.Op(OpIsTerminated, "uri").Returning("bool"),
	component.Op(OpListClasses).Returning("[]string"),
	component.Op(OpListInstances).Returning("[]string"),
)

// Capability returns the dynamicCreation capability
func Capability() component.Capability { return creationCapability }

// Class is the class identifier of the creator
const Class = "dcc"

// URI returns the well-known URI of the creator of a site
func URI(site string) string { return site + "-dcc" }

// Port returns the URI of the creator's dynamicCreation port
func Port(site string) string { return URI(site) + "-in" }

// Creator creates and drives components of the runtime it lives in. Its
// operations run one at a time on the creator's own pool.
type Creator struct {
	*component.Base

	mu sync.Mutex
	// created keeps every component this creator made, terminated ones
	// included, so that isTerminated keeps answering true after the runtime
	// has dropped them. Creating the same URI again replaces the entry.
	created map[string]component.Component
}

// New creates the creator of rt's site
func New(rt *component.Runtime) (*Creator, error) {
	b, err := component.NewBase(rt, URI(rt.Site()), 1, 0)
	if err != nil {
		return nil, err
	}
	b.SetClass(Class)

	c := &Creator{Base: b, created: make(map[string]component.Component)}
	if _, err := b.NewOfferedPort(Port(rt.Site()), creationCapability, c.handlers()); err != nil {
		_ = component.ShutdownNow(b)
		return nil, err
	}
	if err := rt.Register(c); err != nil {
		_ = component.ShutdownNow(b)
		return nil, err
	}
	return c, nil
}

func (c *Creator) handlers() component.Handlers {
	lifecycle := func(name string, step func(context.Context, component.Component) error) component.OperationFunc {
		return func(ctx context.Context, args []json.RawMessage) (any, error) {
			target, err := c.target(args, name)
			if err != nil {
				return nil, err
			}
			if err := step(ctx, target); err != nil {
				return nil, errors.Wrap(err, "Creator", name, target.URI())
			}
			c.Logger().Info("Component driven", "operation", name, "target", target.URI())
			return nil, nil
		}
	}
	predicate := func(check func(*component.Base) bool) component.OperationFunc {
		return func(_ context.Context, args []json.RawMessage) (any, error) {
			ref, err := component.Arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			target, ok := c.lookup(ref)
			if !ok {
				return false, nil
			}
			return check(target.Core()), nil
		}
	}

	return component.Handlers{
		OpCreate: func(_ context.Context, args []json.RawMessage) (any, error) {
			class, err := component.Arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			uri, err := component.Arg[string](args, 1)
			if err != nil {
				return nil, err
			}
			params, err := component.Arg[[]string](args, 2)
			if err != nil {
				return nil, err
			}
			return c.Create(class, uri, params)
		},
		OpStart:       lifecycle(OpStart, component.Start),
		OpExecute:     lifecycle(OpExecute, component.Execute),
		OpFinalise:    lifecycle(OpFinalise, component.Finalise),
		OpShutdown:    lifecycle(OpShutdown, component.Shutdown),
		OpShutdownNow: lifecycle(OpShutdownNow, func(_ context.Context, t component.Component) error { return component.ShutdownNow(t) }),
		OpIsDeployed: predicate(func(b *component.Base) bool {
			return !b.IsTerminated()
		}),
		OpIsStarted:    predicate((*component.Base).IsStarted),
		OpIsFinalised:  predicate((*component.Base).IsFinalised),
		OpIsShutdown:   predicate((*component.Base).IsShutdown),
		OpIsTerminated: predicate((*component.Base).IsTerminated),
		OpListClasses: func(context.Context, []json.RawMessage) (any, error) {
			return c.Runtime().Classes().Classes(), nil
		},
		OpListInstances: func(context.Context, []json.RawMessage) (any, error) {
			return c.Instances(), nil
		},
	}
}

// Create instantiates a registered class. An empty uri gets a generated
// one. It returns the address of the new component's introspection port.
func (c *Creator) Create(class, uri string, args []string) (string, error) {
	if uri == "" {
		uri = class + "-" + uuid.NewString()
	}
	comp, err := c.Runtime().Create(class, uri, args)
	if err != nil {
		return "", errors.Wrap(err, "Creator", "Create", fmt.Sprintf("create %s as %s", class, uri))
	}

	c.mu.Lock()
	c.created[uri] = comp
	c.mu.Unlock()

	address := c.Runtime().AddressOf(uri)
	c.Logger().Info("Component created", "class", class, "target", uri, "address", address)
	return address, nil
}

// Instances returns the URIs of the components this creator created, sorted.
// Terminated components stay listed.
func (c *Creator) Instances() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.created))
	for uri := range c.created {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// lookup finds a component this creator created, or any component still
// registered with the runtime. ref is a component URI or an address of its
// introspection port, as returned by Create.
func (c *Creator) lookup(ref string) (component.Component, bool) {
	uri := component.PortPath(ref)
	c.mu.Lock()
	comp, ok := c.created[uri]
	c.mu.Unlock()
	if ok {
		return comp, true
	}
	return c.Runtime().Component(uri)
}

func (c *Creator) target(args []json.RawMessage, op string) (component.Component, error) {
	ref, err := component.Arg[string](args, 0)
	if err != nil {
		return nil, err
	}
	if component.PortPath(ref) == c.URI() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: the creator does not drive itself", errors.ErrInvalidTransition),
			"Creator", op, ref)
	}
	target, ok := c.lookup(ref)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrComponentNotFound, ref), "Creator", op, "target lookup")
	}
	return target, nil
}
