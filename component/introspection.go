package component

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/c360/cvmkit/errors"
)

// IntrospectionCapability is offered by every component at its own URI
const IntrospectionCapability CapabilityID = "introspection"

// Introspection operations
const (
	OpListCapabilities              = "listCapabilities"
	OpFindPortsByCapability         = "findPortsByCapability"
	OpFindInboundPortsByCapability  = "findInboundPortsByCapability"
	OpFindOutboundPortsByCapability = "findOutboundPortsByCapability"
	OpIsPortConnected               = "isPortConnected"
	OpDescribe                      = "describe"
)

var introspectionCapability = NewCapability(string(IntrospectionCapability),
	Op(OpListCapabilities).Returning("CapabilityList"),
	Op(OpFindPortsByCapability, "capability").Returning("[]address"),
	Op(OpFindInboundPortsByCapability, "capability").Returning("[]address"),
	Op(OpFindOutboundPortsByCapability, "capability").Returning("[]address"),
	Op(OpIsPortConnected, "port").Returning("bool"),
	Op(OpDescribe).Returning("Description"),
)

// Introspection returns the introspection capability declaration
func Introspection() Capability { return introspectionCapability }

// CapabilityList answers listCapabilities
type CapabilityList struct {
	Offered  []CapabilityID `json:"offered"`
	Required []CapabilityID `json:"required"`
}

// Description is the structural metadata a remote caller needs to build a
// compatible port and connector without compile-time knowledge of the class.
type Description struct {
	URI          string       `json:"uri"`
	Class        string       `json:"class,omitempty"`
	Signature    []string     `json:"signature,omitempty"`
	State        string       `json:"state"`
	Capabilities []Capability `json:"capabilities"`
	Ports        []Info       `json:"ports"`
}

// Describe returns the component's structural metadata
func (b *Base) Describe() Description {
	ports := b.Ports()
	infos := make([]Info, 0, len(ports))
	seen := make(map[CapabilityID]bool)
	caps := make([]Capability, 0)
	for _, p := range ports {
		infos = append(infos, p.Info())
		if !seen[p.capability.ID] {
			seen[p.capability.ID] = true
			caps = append(caps, p.capability)
		}
	}

	b.mu.RLock()
	d := Description{
		URI:          b.uri,
		Class:        b.class,
		Signature:    append([]string(nil), b.signature...),
		State:        b.state.String(),
		Capabilities: caps,
		Ports:        infos,
	}
	b.mu.RUnlock()
	return d
}

// FindPorts returns the addresses of ports implementing a capability,
// filtered by direction predicate.
func (b *Base) FindPorts(id CapabilityID, keep func(Direction) bool) []string {
	var out []string
	for _, p := range b.Ports() {
		if p.capability.ID == id && keep(p.direction) {
			out = append(out, b.rt.AddressOf(p.uri))
		}
	}
	return out
}

func anyDirection(Direction) bool { return true }

func (b *Base) introspectionHandlers() Handlers {
	find := func(keep func(Direction) bool) OperationFunc {
		return func(_ context.Context, args []json.RawMessage) (any, error) {
			id, err := Arg[CapabilityID](args, 0)
			if err != nil {
				return nil, err
			}
			return b.FindPorts(id, keep), nil
		}
	}

	return Handlers{
		OpListCapabilities: func(context.Context, []json.RawMessage) (any, error) {
			offered, required := b.Capabilities()
			return CapabilityList{Offered: offered, Required: required}, nil
		},
		OpFindPortsByCapability:         find(anyDirection),
		OpFindInboundPortsByCapability:  find(Direction.Inbound),
		OpFindOutboundPortsByCapability: find(Direction.Outbound),
		OpIsPortConnected: func(_ context.Context, args []json.RawMessage) (any, error) {
			uri, err := Arg[string](args, 0)
			if err != nil {
				return nil, err
			}
			return b.IsConnected(PortPath(uri))
		},
		OpDescribe: func(context.Context, []json.RawMessage) (any, error) {
			return b.Describe(), nil
		},
	}
}

// Introspector is a typed client of another component's introspection port.
// It owns a required port on the calling component.
type Introspector struct {
	owner *Base
	port  *Port
}

// NewIntrospector creates the required port used to reach introspection
// ports. portURI must be unique within the owner's runtime.
func NewIntrospector(owner *Base, portURI string) (*Introspector, error) {
	p, err := owner.NewRequiredPort(portURI, introspectionCapability)
	if err != nil {
		return nil, err
	}
	return &Introspector{owner: owner, port: p}, nil
}

// Connect binds the introspector to a component address
func (i *Introspector) Connect(ctx context.Context, componentAddress string) error {
	return i.owner.Connect(ctx, i.port.uri, componentAddress)
}

// Disconnect releases the current binding
func (i *Introspector) Disconnect(ctx context.Context) error {
	return i.owner.Disconnect(ctx, i.port.uri)
}

// Port returns the underlying required port
func (i *Introspector) Port() *Port { return i.port }

// ListCapabilities returns the offered and required capabilities
func (i *Introspector) ListCapabilities(ctx context.Context) (CapabilityList, error) {
	return CallAs[CapabilityList](ctx, i.port, OpListCapabilities)
}

// FindPortsByCapability returns the addresses of ports implementing id
func (i *Introspector) FindPortsByCapability(ctx context.Context, id CapabilityID) ([]string, error) {
	return CallAs[[]string](ctx, i.port, OpFindPortsByCapability, id)
}

// FindInboundPortsByCapability returns offered and two-way port addresses
func (i *Introspector) FindInboundPortsByCapability(ctx context.Context, id CapabilityID) ([]string, error) {
	return CallAs[[]string](ctx, i.port, OpFindInboundPortsByCapability, id)
}

// FindOutboundPortsByCapability returns required and two-way port addresses
func (i *Introspector) FindOutboundPortsByCapability(ctx context.Context, id CapabilityID) ([]string, error) {
	return CallAs[[]string](ctx, i.port, OpFindOutboundPortsByCapability, id)
}

// IsPortConnected reports whether a port of the peer is connected
func (i *Introspector) IsPortConnected(ctx context.Context, portAddress string) (bool, error) {
	return CallAs[bool](ctx, i.port, OpIsPortConnected, portAddress)
}

// Describe returns the peer's structural metadata
func (i *Introspector) Describe(ctx context.Context) (Description, error) {
	return CallAs[Description](ctx, i.port, OpDescribe)
}

// FirstInbound resolves the single inbound port of a capability on the peer
func (i *Introspector) FirstInbound(ctx context.Context, id CapabilityID) (string, error) {
	addrs, err := i.FindInboundPortsByCapability(ctx, id)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", errors.WrapInvalid(fmt.Errorf("%w: no inbound port for %s", errors.ErrPortNotFound, id),
			"Introspector", "FirstInbound", "port lookup")
	}
	return addrs[0], nil
}
