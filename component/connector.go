package component

import (
	"context"
	"encoding/json"
	"io"
)

// Endpoint is the inbound side a connector forwards to: a local offered port
// or a transport stub standing for a remote one.
type Endpoint interface {
	Accept(ctx context.Context, inv *Invocation) (json.RawMessage, error)
}

// Connector binds one outbound port to one inbound endpoint. It is created on
// connect and closed on disconnect, never reused for another pair of ports.
type Connector interface {
	Invoke(ctx context.Context, inv *Invocation) (json.RawMessage, error)
	Close() error
}

// Binding describes the pair of ports a connector is asked to bind
type Binding struct {
	From    *Port
	To      Endpoint
	Address string
}

// ConnectorFactory creates the connector for a binding
type ConnectorFactory func(ctx context.Context, b Binding) (Connector, error)

// ForwardingConnector passes invocations unchanged to the bound endpoint,
// addressing them to the peer port.
type ForwardingConnector struct {
	to      Endpoint
	address string
	target  string
}

// NewForwardingConnector is the default ConnectorFactory
func NewForwardingConnector(_ context.Context, b Binding) (Connector, error) {
	return &ForwardingConnector{
		to:      b.To,
		address: b.Address,
		target:  PortPath(b.Address),
	}, nil
}

// Invoke forwards the call
func (c *ForwardingConnector) Invoke(ctx context.Context, inv *Invocation) (json.RawMessage, error) {
	inv.Port = c.target
	return c.to.Accept(ctx, inv)
}

// Close releases the endpoint if it holds transport resources
func (c *ForwardingConnector) Close() error {
	if closer, ok := c.to.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
