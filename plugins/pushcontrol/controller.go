package pushcontrol

import (
	"context"
	"time"

	"github.com/c360/cvmkit/component"
)

// Controller is a typed client of a pushControl port. It owns a required
// port on the calling component.
type Controller struct {
	owner *component.Base
	port  *component.Port
}

// NewController creates the required port used to drive a pusher
func NewController(owner *component.Base, portURI string) (*Controller, error) {
	p, err := owner.NewRequiredPort(portURI, controlCapability)
	if err != nil {
		return nil, err
	}
	return &Controller{owner: owner, port: p}, nil
}

// Connect binds the controller to a pushControl port address
func (c *Controller) Connect(ctx context.Context, address string) error {
	return c.owner.Connect(ctx, c.port.URI(), address)
}

// Disconnect releases the binding
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.owner.Disconnect(ctx, c.port.URI())
}

// StartUnlimited starts pushing every interval until stopped
func (c *Controller) StartUnlimited(ctx context.Context, interval time.Duration) error {
	_, err := c.port.Call(ctx, OpStartUnlimited, interval.Milliseconds())
	return err
}

// StartLimited starts pushing every interval, count times
func (c *Controller) StartLimited(ctx context.Context, interval time.Duration, count int64) error {
	_, err := c.port.Call(ctx, OpStartLimited, interval.Milliseconds(), count)
	return err
}

// Stop stops pushing
func (c *Controller) Stop(ctx context.Context) error {
	_, err := c.port.Call(ctx, OpStop)
	return err
}

// IsPushing reports whether the pusher is pushing
func (c *Controller) IsPushing(ctx context.Context) (bool, error) {
	return component.CallAs[bool](ctx, c.port, OpIsPushing)
}

// PushesCount returns the pushes done since the last start
func (c *Controller) PushesCount(ctx context.Context) (int64, error) {
	return component.CallAs[int64](ctx, c.port, OpPushesCount)
}
