// Package dynconnect provides a plugin that wires its owner's outbound
// ports to components whose addresses are only known at runtime. The peer's
// inbound port is found through the peer's introspection port, so the owner
// needs no compile-time knowledge of the peer's class.
package dynconnect

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
)

// DefaultURI is the plugin URI used when none is given
const DefaultURI = "dynconnect"

// Plugin connects owner ports by capability. Connections made through it
// are undone when the owner finalises.
type Plugin struct {
	*component.BasePlugin

	// serializes use of the shared introspection port
	mu           sync.Mutex
	introspector *component.Introspector
	peers        map[string]string
}

// New creates the plugin. An empty uri uses DefaultURI.
func New(uri string) *Plugin {
	if uri == "" {
		uri = DefaultURI
	}
	return &Plugin{
		BasePlugin: component.NewBasePlugin(uri),
		peers:      make(map[string]string),
	}
}

// InstallOn creates the introspection client port on the owner
func (p *Plugin) InstallOn(owner *component.Base) error {
	if err := p.BasePlugin.InstallOn(owner); err != nil {
		return err
	}
	in, err := p.AddIntrospector(owner.URI() + "/" + p.URI())
	if err != nil {
		return errors.Wrap(err, "Plugin", "InstallOn", "create introspection port")
	}
	p.introspector = in
	return nil
}

// Connect binds the owner's outbound port to the inbound port of the
// component at componentAddress that implements the port's capability. It
// returns the address of the port connected to.
func (p *Plugin) Connect(ctx context.Context, portURI, componentAddress string, opts ...component.ConnectOption) (string, error) {
	owner := p.Owner()
	if owner == nil || p.introspector == nil {
		return "", errors.WrapInvalid(fmt.Errorf("plugin %s not installed", p.URI()), "Plugin", "Connect", "install check")
	}
	port, ok := owner.Port(portURI)
	if !ok {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPortNotFound, portURI), "Plugin", "Connect", "port lookup")
	}

	address, err := p.discover(ctx, componentAddress, port.Capability().ID)
	if err != nil {
		return "", err
	}

	if err := owner.Connect(ctx, portURI, address, opts...); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.peers[portURI] = componentAddress
	p.mu.Unlock()

	p.Logger().Info("Port connected by capability",
		"port", portURI, "capability", port.Capability().ID, "peer", componentAddress, "address", address)
	return address, nil
}

// discover asks the peer for its first inbound port of a capability
func (p *Plugin) discover(ctx context.Context, componentAddress string, id component.CapabilityID) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.introspector.Connect(ctx, componentAddress); err != nil {
		return "", errors.Wrap(err, "Plugin", "Connect", fmt.Sprintf("reach %s", componentAddress))
	}
	defer func() {
		if err := p.introspector.Disconnect(ctx); err != nil {
			p.Logger().Warn("Introspection disconnect failed", "peer", componentAddress, "error", err)
		}
	}()

	address, err := p.introspector.FirstInbound(ctx, id)
	if err != nil {
		return "", errors.Wrap(err, "Plugin", "Connect", fmt.Sprintf("find %s on %s", id, componentAddress))
	}
	return address, nil
}

// Disconnect undoes a connection made through the plugin
func (p *Plugin) Disconnect(ctx context.Context, portURI string) error {
	p.mu.Lock()
	_, ok := p.peers[portURI]
	delete(p.peers, portURI)
	p.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s not connected by %s", errors.ErrNotConnected, portURI, p.URI()),
			"Plugin", "Disconnect", "connection check")
	}
	return p.Owner().Disconnect(ctx, portURI)
}

// Peers returns the component address each dynamically connected port was
// resolved from
func (p *Plugin) Peers() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.peers))
	for port, peer := range p.peers {
		out[port] = peer
	}
	return out
}

// Finalise disconnects the ports connected through the plugin, then the
// plugin's own ports. Failures are logged and the rest still disconnected.
func (p *Plugin) Finalise(ctx context.Context) error {
	p.mu.Lock()
	ports := make([]string, 0, len(p.peers))
	for port := range p.peers {
		ports = append(ports, port)
	}
	p.peers = make(map[string]string)
	p.mu.Unlock()
	sort.Strings(ports)

	var result *multierror.Error
	for _, uri := range ports {
		connected, err := p.Owner().IsConnected(uri)
		if err != nil || !connected {
			continue
		}
		if err := p.Owner().Disconnect(ctx, uri); err != nil {
			p.Logger().Warn("Disconnect failed", "port", uri, "error", err)
			result = multierror.Append(result, err)
		}
	}
	if err := p.BasePlugin.Finalise(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
