package component

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/metric"
)

// Transport resolves remote addresses to endpoints. Implementations carry
// invocations across process boundaries.
type Transport interface {
	Dial(ctx context.Context, address string) (Endpoint, error)
}

// Runtime is the per-process context every component and CVM is created
// with. It holds the local port table, the registered transports and the
// shared logger and metrics.
type Runtime struct {
	site             string
	logger           *slog.Logger
	registry         *metric.MetricsRegistry
	classes          *Registry
	connectorFactory ConnectorFactory
	shutdownTimeout  time.Duration

	ports      cmap.ConcurrentMap[string, *Port]
	components cmap.ConcurrentMap[string, Component]

	mu         sync.RWMutex
	transports map[string]Transport
	advertise  func(portURI string) string
}

// RuntimeOption configures a Runtime
type RuntimeOption func(*Runtime)

// WithLogger sets the runtime logger
func WithLogger(logger *slog.Logger) RuntimeOption {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithMetricsRegistry enables runtime metrics
func WithMetricsRegistry(registry *metric.MetricsRegistry) RuntimeOption {
	return func(rt *Runtime) {
		rt.registry = registry
	}
}

// WithClassRegistry sets the component classes available for creation
func WithClassRegistry(classes *Registry) RuntimeOption {
	return func(rt *Runtime) {
		if classes != nil {
			rt.classes = classes
		}
	}
}

// WithDefaultConnector replaces the connector factory used when Connect is
// given none.
func WithDefaultConnector(f ConnectorFactory) RuntimeOption {
	return func(rt *Runtime) {
		if f != nil {
			rt.connectorFactory = f
		}
	}
}

// WithShutdownTimeout bounds graceful component shutdown
func WithShutdownTimeout(d time.Duration) RuntimeOption {
	return func(rt *Runtime) {
		if d > 0 {
			rt.shutdownTimeout = d
		}
	}
}

// NewRuntime creates the runtime of one site
func NewRuntime(site string, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		site:             site,
		logger:           slog.Default(),
		classes:          NewRegistry(),
		connectorFactory: NewForwardingConnector,
		shutdownTimeout:  10 * time.Second,
		ports:            cmap.New[*Port](),
		components:       cmap.New[Component](),
		transports:       make(map[string]Transport),
	}
	for _, opt := range opts {
		opt(rt)
	}
	rt.logger = rt.logger.With("site", site)
	return rt
}

// Site returns the site URI
func (rt *Runtime) Site() string { return rt.site }

// Logger returns the runtime logger
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Metrics returns the core metrics, nil when metrics are disabled
func (rt *Runtime) Metrics() *metric.Metrics { return rt.registry.CoreMetrics() }

// MetricsRegistry returns the metrics registry, nil when metrics are disabled
func (rt *Runtime) MetricsRegistry() *metric.MetricsRegistry { return rt.registry }

// Classes returns the component class registry
func (rt *Runtime) Classes() *Registry { return rt.classes }

// ShutdownTimeout returns the default graceful shutdown bound
func (rt *Runtime) ShutdownTimeout() time.Duration { return rt.shutdownTimeout }

// RegisterTransport makes addresses with the given scheme resolvable
func (rt *Runtime) RegisterTransport(scheme string, t Transport) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.transports[scheme] = t
}

// SetAdvertiser sets how local port URIs are turned into addresses other
// sites can connect to.
func (rt *Runtime) SetAdvertiser(f func(portURI string) string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.advertise = f
}

// AddressOf returns the address peers use to reach a local port. Without an
// advertiser it is the port URI itself.
func (rt *Runtime) AddressOf(portURI string) string {
	rt.mu.RLock()
	f := rt.advertise
	rt.mu.RUnlock()
	if f == nil {
		return portURI
	}
	return f(portURI)
}

// Resolve returns the endpoint behind an address. Plain URIs and addresses
// advertised by this runtime resolve to local ports; other schemes go
// through their registered transport.
func (rt *Runtime) Resolve(ctx context.Context, address string) (Endpoint, error) {
	scheme, ok := Scheme(address)
	if !ok {
		return rt.LocalEndpoint(address)
	}

	// Addresses without a host (nats://<portURI>) look local on every site,
	// so only a port actually present here short-circuits the transport.
	path := PortPath(address)
	if _, local := rt.ports.Get(path); local && rt.AddressOf(path) == address {
		return rt.LocalEndpoint(path)
	}

	rt.mu.RLock()
	t, ok := rt.transports[scheme]
	rt.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownScheme, scheme), "Runtime", "Resolve", address)
	}

	e, err := t.Dial(ctx, address)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrUnreachable, err), "Runtime", "Resolve", address)
	}
	return e, nil
}

// LocalEndpoint returns the offered or two-way port published here under
// uri. It never dials a transport.
func (rt *Runtime) LocalEndpoint(uri string) (Endpoint, error) {
	p, ok := rt.ports.Get(uri)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPortNotFound, uri), "Runtime", "Resolve", "local lookup")
	}
	if !p.direction.Inbound() {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s is %s", errors.ErrWrongDirection, uri, p.direction),
			"Runtime", "Resolve", "local lookup")
	}
	return p, nil
}

// Port returns a local port by URI
func (rt *Runtime) Port(uri string) (*Port, bool) {
	return rt.ports.Get(uri)
}

// Ports returns the URIs of every published local port
func (rt *Runtime) Ports() []string {
	return rt.ports.Keys()
}

func (rt *Runtime) publishPort(p *Port) error {
	if !rt.ports.SetIfAbsent(p.uri, p) {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPortExists, p.uri), "Runtime", "publishPort", "duplicate check")
	}
	return nil
}

func (rt *Runtime) unpublishPort(uri string) {
	rt.ports.Remove(uri)
}

// Register adds a component to the runtime's component table
func (rt *Runtime) Register(c Component) error {
	if !rt.components.SetIfAbsent(c.URI(), c) {
		return errors.WrapInvalid(fmt.Errorf("component %s already registered", c.URI()), "Runtime", "Register", "duplicate check")
	}
	return nil
}

func (rt *Runtime) forget(uri string) {
	rt.components.Remove(uri)
}

// Component returns a registered component
func (rt *Runtime) Component(uri string) (Component, bool) {
	return rt.components.Get(uri)
}

// Components returns the URIs of the registered components
func (rt *Runtime) Components() []string {
	return rt.components.Keys()
}

// Create instantiates a registered class and registers the component
func (rt *Runtime) Create(class, uri string, args []string) (Component, error) {
	c, err := rt.classes.Create(rt, class, uri, args)
	if err != nil {
		return nil, err
	}
	if err := rt.Register(c); err != nil {
		_ = ShutdownNow(c)
		return nil, err
	}
	return c, nil
}

// Scheme returns the scheme of a transport address
func Scheme(address string) (string, bool) {
	i := strings.Index(address, "://")
	if i <= 0 {
		return "", false
	}
	return address[:i], true
}

// PortPath returns the port URI carried by an address: the part after the
// host for host-based schemes, the part after the scheme otherwise.
func PortPath(address string) string {
	scheme, ok := Scheme(address)
	if !ok {
		return address
	}
	rest := address[len(scheme)+3:]
	switch scheme {
	case "ws", "wss", "tcp":
		if i := strings.Index(rest, "/"); i >= 0 {
			return rest[i+1:]
		}
		return ""
	default:
		return rest
	}
}
