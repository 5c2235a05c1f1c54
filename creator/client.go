package creator

import (
	"context"

	"github.com/c360/cvmkit/component"
)

// Client is a typed client of a creator, local or on another site. It owns
// a required port on the calling component.
type Client struct {
	owner *component.Base
	port  *component.Port
}

// NewClient creates the required port used to reach creators
func NewClient(owner *component.Base, portURI string) (*Client, error) {
	p, err := owner.NewRequiredPort(portURI, creationCapability)
	if err != nil {
		return nil, err
	}
	return &Client{owner: owner, port: p}, nil
}

// Connect binds the client to a creator port address
func (c *Client) Connect(ctx context.Context, address string) error {
	return c.owner.Connect(ctx, c.port.URI(), address)
}

// Disconnect releases the binding
func (c *Client) Disconnect(ctx context.Context) error {
	return c.owner.Disconnect(ctx, c.port.URI())
}

// Create instantiates class on the creator's site and returns the new
// component's address. An empty uri lets the creator generate one.
func (c *Client) Create(ctx context.Context, class, uri string, args ...string) (string, error) {
	if args == nil {
		args = []string{}
	}
	return component.CallAs[string](ctx, c.port, OpCreate, class, uri, args)
}

// The life-cycle operations and predicates below take either the component
// URI or the address Create returned.

// Start starts a component
func (c *Client) Start(ctx context.Context, uri string) error { return c.call(ctx, OpStart, uri) }

// Execute executes a started component
func (c *Client) Execute(ctx context.Context, uri string) error { return c.call(ctx, OpExecute, uri) }

// Finalise finalises a component
func (c *Client) Finalise(ctx context.Context, uri string) error { return c.call(ctx, OpFinalise, uri) }

// Shutdown shuts a component down gracefully
func (c *Client) Shutdown(ctx context.Context, uri string) error { return c.call(ctx, OpShutdown, uri) }

// ShutdownNow shuts a component down immediately
func (c *Client) ShutdownNow(ctx context.Context, uri string) error {
	return c.call(ctx, OpShutdownNow, uri)
}

// IsDeployed reports whether the component exists and is not terminated
func (c *Client) IsDeployed(ctx context.Context, uri string) (bool, error) {
	return component.CallAs[bool](ctx, c.port, OpIsDeployed, uri)
}

// IsStarted reports whether the component was started
func (c *Client) IsStarted(ctx context.Context, uri string) (bool, error) {
	return component.CallAs[bool](ctx, c.port, OpIsStarted, uri)
}

// IsFinalised reports whether the component began finalising
func (c *Client) IsFinalised(ctx context.Context, uri string) (bool, error) {
	return component.CallAs[bool](ctx, c.port, OpIsFinalised, uri)
}

// IsShutdown reports whether a shutdown of the component began
func (c *Client) IsShutdown(ctx context.Context, uri string) (bool, error) {
	return component.CallAs[bool](ctx, c.port, OpIsShutdown, uri)
}

// IsTerminated reports whether the component terminated
func (c *Client) IsTerminated(ctx context.Context, uri string) (bool, error) {
	return component.CallAs[bool](ctx, c.port, OpIsTerminated, uri)
}

// Classes lists the classes the creator can instantiate
func (c *Client) Classes(ctx context.Context) ([]string, error) {
	return component.CallAs[[]string](ctx, c.port, OpListClasses)
}

// Components lists the components the creator created
func (c *Client) Components(ctx context.Context) ([]string, error) {
	return component.CallAs[[]string](ctx, c.port, OpListInstances)
}

func (c *Client) call(ctx context.Context, op, uri string) error {
	_, err := c.port.Call(ctx, op, uri)
	return err
}
