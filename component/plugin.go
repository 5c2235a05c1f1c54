package component

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/c360/cvmkit/errors"
)

// Plugin adds ports and capabilities to its owner without the owner
// implementing them. InstallOn runs once while the owner is Created,
// Initialise when the owner starts, Finalise when it finalises and Uninstall
// no later than its shutdown.
type Plugin interface {
	URI() string
	InstallOn(owner *Base) error
	Initialise(ctx context.Context) error
	Finalise(ctx context.Context) error
	Uninstall() error
}

// InstallPlugin installs a plugin. Only allowed while the owner is Created.
func (b *Base) InstallPlugin(p Plugin) error {
	if p == nil || p.URI() == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Base", "InstallPlugin", "plugin validation")
	}
	if s := b.State(); s != StateCreated {
		return errors.WrapInvalid(
			fmt.Errorf("%w: install in state %s", errors.ErrInvalidTransition, s),
			"Base", "InstallPlugin", p.URI())
	}

	b.mu.Lock()
	if _, exists := b.pluginIdx[p.URI()]; exists {
		b.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPluginExists, p.URI()), "Base", "InstallPlugin", "duplicate check")
	}
	b.mu.Unlock()

	if err := p.InstallOn(b); err != nil {
		return errors.Wrap(err, "Base", "InstallPlugin", p.URI())
	}

	b.mu.Lock()
	b.plugins = append(b.plugins, p)
	b.pluginIdx[p.URI()] = p
	b.mu.Unlock()

	b.logger.Debug("Plugin installed", "plugin", p.URI())
	return nil
}

// UninstallPlugin removes a plugin explicitly. Allowed while the owner is
// Created or Finalising.
func (b *Base) UninstallPlugin(uri string) error {
	if s := b.State(); s != StateCreated && s != StateFinalising {
		return errors.WrapInvalid(
			fmt.Errorf("%w: uninstall in state %s", errors.ErrInvalidTransition, s),
			"Base", "UninstallPlugin", uri)
	}
	p, ok := b.Plugin(uri)
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPluginNotFound, uri), "Base", "UninstallPlugin", "plugin lookup")
	}
	b.removePlugin(uri)
	return p.Uninstall()
}

// Plugin returns an installed plugin by URI
func (b *Base) Plugin(uri string) (Plugin, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.pluginIdx[uri]
	return p, ok
}

// Plugins returns the installed plugins in install order
func (b *Base) Plugins() []Plugin {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Plugin, len(b.plugins))
	copy(out, b.plugins)
	return out
}

func (b *Base) removePlugin(uri string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pluginIdx, uri)
	for i, p := range b.plugins {
		if p.URI() == uri {
			b.plugins = append(b.plugins[:i], b.plugins[i+1:]...)
			break
		}
	}
}

func (b *Base) uninstallPlugins() error {
	plugins := b.Plugins()
	var result *multierror.Error
	for i := len(plugins) - 1; i >= 0; i-- {
		b.removePlugin(plugins[i].URI())
		if err := plugins[i].Uninstall(); err != nil {
			b.logger.Warn("Plugin uninstall failed", "plugin", plugins[i].URI(), "error", err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// BasePlugin implements the plugin sub-lifecycle for plugins that only
// manage private ports. Concrete plugins embed it and call its InstallOn
// before creating their ports.
type BasePlugin struct {
	uri    string
	owner  *Base
	logger *slog.Logger

	mu          sync.Mutex
	ports       []string
	initialised bool
}

// NewBasePlugin creates a plugin base with the given URI
func NewBasePlugin(uri string) *BasePlugin {
	return &BasePlugin{uri: uri, logger: slog.Default()}
}

// URI returns the plugin URI
func (p *BasePlugin) URI() string { return p.uri }

// Owner returns the component the plugin is installed on
func (p *BasePlugin) Owner() *Base { return p.owner }

// Logger returns the plugin logger
func (p *BasePlugin) Logger() *slog.Logger { return p.logger }

// InstallOn records the owner
func (p *BasePlugin) InstallOn(owner *Base) error {
	if p.owner != nil {
		return errors.WrapInvalid(fmt.Errorf("plugin %s already installed on %s", p.uri, p.owner.URI()),
			"BasePlugin", "InstallOn", "owner check")
	}
	p.owner = owner
	p.logger = owner.Logger().With("plugin", p.uri)
	return nil
}

// Initialise marks the plugin initialised. A second call fails.
func (p *BasePlugin) Initialise(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialised {
		return errors.WrapInvalid(fmt.Errorf("plugin %s already initialised", p.uri), "BasePlugin", "Initialise", "state check")
	}
	p.initialised = true
	return nil
}

// AddOfferedPort creates an inbound port owned by the plugin
func (p *BasePlugin) AddOfferedPort(uri string, c Capability, handlers Handlers, opts ...PortOption) (*Port, error) {
	port, err := p.owner.NewOfferedPort(uri, c, handlers, opts...)
	if err != nil {
		return nil, err
	}
	p.track(uri)
	return port, nil
}

// AddRequiredPort creates an outbound port owned by the plugin
func (p *BasePlugin) AddRequiredPort(uri string, c Capability) (*Port, error) {
	port, err := p.owner.NewRequiredPort(uri, c)
	if err != nil {
		return nil, err
	}
	p.track(uri)
	return port, nil
}

// AddIntrospector creates an introspection client whose port the plugin
// manages
func (p *BasePlugin) AddIntrospector(uri string) (*Introspector, error) {
	in, err := NewIntrospector(p.owner, uri)
	if err != nil {
		return nil, err
	}
	p.track(uri)
	return in, nil
}

func (p *BasePlugin) track(uri string) {
	p.mu.Lock()
	p.ports = append(p.ports, uri)
	p.mu.Unlock()
}

// PortURIs returns the ports the plugin manages
func (p *BasePlugin) PortURIs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ports))
	copy(out, p.ports)
	return out
}

// Finalise disconnects every connected plugin port. A failing disconnect is
// logged and the remaining ports are still disconnected.
func (p *BasePlugin) Finalise(ctx context.Context) error {
	var result *multierror.Error
	for _, uri := range p.PortURIs() {
		port, ok := p.owner.Port(uri)
		if !ok || !port.Direction().Outbound() || !port.Connected() {
			continue
		}
		if err := p.owner.Disconnect(ctx, uri); err != nil {
			p.logger.Warn("Plugin port disconnect failed", "port", uri, "error", err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Uninstall removes the plugin's ports, and with them their capabilities,
// from the owner.
func (p *BasePlugin) Uninstall() error {
	var result *multierror.Error
	for _, uri := range p.PortURIs() {
		if _, ok := p.owner.Port(uri); !ok {
			continue
		}
		if err := p.owner.RemovePort(context.Background(), uri); err != nil {
			result = multierror.Append(result, err)
		}
	}
	p.mu.Lock()
	p.ports = nil
	p.mu.Unlock()
	return result.ErrorOrNil()
}
