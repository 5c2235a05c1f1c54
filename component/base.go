package component

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/metric"
	"github.com/c360/cvmkit/pkg/worker"
)

// Well-known pool names
const (
	// DefaultPool receives inbound calls of ports without a pool affinity
	DefaultPool = "default"
	// ScheduledPool runs delayed and periodic tasks
	ScheduledPool = "scheduled"
	// IntrospectionPool serves the introspection port
	IntrospectionPool = "introspection"
)

// Component is implemented by every deployable unit. Concrete components
// embed *Base and may add the Starter, Executor and Finaliser hooks.
type Component interface {
	URI() string
	Core() *Base
}

// Base carries the runtime state every component owns: its ports, plugins,
// executor pools and lifecycle state.
type Base struct {
	uri       string
	class     string
	signature []string

	rt      *Runtime
	logger  *slog.Logger
	metrics *metric.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	state     State
	ports     map[string]*Port
	caps      *capabilitySet
	pools     map[string]*worker.Pool
	plugins   []Plugin
	pluginIdx map[string]Plugin

	// lifecycle transitions are serialized so hooks never interleave
	lifecycleMu sync.Mutex
}

// NewBase creates the base of a component with a plain pool of plainThreads
// workers and a schedulable pool of schedulableThreads workers. Either may be
// zero. The introspection port is published at the component URI.
func NewBase(rt *Runtime, uri string, plainThreads, schedulableThreads int) (*Base, error) {
	if rt == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil runtime"), "Base", "NewBase", "runtime validation")
	}
	if uri == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Base", "NewBase", "uri validation")
	}
	if plainThreads < 0 || schedulableThreads < 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("negative thread count %d/%d", plainThreads, schedulableThreads),
			"Base", "NewBase", "thread validation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Base{
		uri:       uri,
		rt:        rt,
		logger:    rt.Logger().With("component", uri),
		metrics:   rt.Metrics(),
		ctx:       ctx,
		cancel:    cancel,
		ports:     make(map[string]*Port),
		caps:      newCapabilitySet(),
		pools:     make(map[string]*worker.Pool),
		pluginIdx: make(map[string]Plugin),
	}

	if plainThreads > 0 {
		if err := b.CreatePool(DefaultPool, plainThreads, false); err != nil {
			cancel()
			return nil, err
		}
	}
	if schedulableThreads > 0 {
		if err := b.CreatePool(ScheduledPool, schedulableThreads, true); err != nil {
			b.stopPools()
			return nil, err
		}
	}
	if err := b.CreatePool(IntrospectionPool, 1, false); err != nil {
		b.stopPools()
		return nil, err
	}
	if _, err := b.newPort(uri, introspectionCapability, Offered, b.introspectionHandlers(),
		[]PortOption{WithPool(IntrospectionPool)}); err != nil {
		b.stopPools()
		return nil, err
	}

	b.metrics.RecordComponentState(uri, int(StateCreated))
	return b, nil
}

// URI returns the component URI, which is also its introspection port URI
func (b *Base) URI() string { return b.uri }

// Core returns the base itself so *Base satisfies Component
func (b *Base) Core() *Base { return b }

// Runtime returns the runtime the component belongs to
func (b *Base) Runtime() *Runtime { return b.rt }

// Logger returns the component logger
func (b *Base) Logger() *slog.Logger { return b.logger }

// SetClass records the class identifier and constructor signature reported
// by introspection.
func (b *Base) SetClass(class string, signature ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.class = class
	b.signature = signature
}

// Class returns the class identifier
func (b *Base) Class() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.class
}

// State returns the lifecycle state
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.metrics.RecordComponentState(b.uri, int(s))
	b.logger.Debug("Component state changed", "state", s.String())
}

// transition moves to next when the current state is one of from
func (b *Base) transition(method string, next State, from ...State) error {
	b.mu.Lock()
	cur := b.state
	allowed := false
	for _, s := range from {
		if cur == s {
			allowed = true
			break
		}
	}
	if !allowed {
		b.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s to %s", transitionSentinel(cur, next), cur, next),
			"Base", method, b.uri)
	}
	b.state = next
	b.mu.Unlock()

	b.metrics.RecordComponentState(b.uri, int(next))
	b.logger.Debug("Component state changed", "from", cur.String(), "state", next.String())
	return nil
}

func transitionSentinel(cur, next State) error {
	switch {
	case next == StateStarted && cur > StateCreated:
		return errors.ErrAlreadyStarted
	case cur == StateCreated:
		return errors.ErrNotStarted
	case cur >= StateShutdown:
		return errors.ErrShuttingDown
	default:
		return errors.ErrInvalidTransition
	}
}

// checkInbound allows dispatch from Started through Finalising. The
// introspection port also answers while Created so deployers can wire a
// component before starting it.
func (b *Base) checkInbound(portURI string) error {
	s := b.State()
	switch {
	case s == StateCreated && portURI != b.uri:
		return errors.WrapInvalid(errors.ErrNotStarted, "Base", "checkInbound", b.uri)
	case s >= StateShutdown:
		return errors.WrapInvalid(errors.ErrShuttingDown, "Base", "checkInbound", b.uri)
	}
	return nil
}

// checkScheduling allows task submission in Executing and Finalising
func (b *Base) checkScheduling() error {
	s := b.State()
	switch {
	case s < StateExecuting:
		return errors.WrapInvalid(errors.ErrNotExecuting, "Base", "checkScheduling", b.uri)
	case s > StateFinalising:
		return errors.WrapInvalid(errors.ErrShuttingDown, "Base", "checkScheduling", b.uri)
	}
	return nil
}

// CreatePool adds a named executor pool. Pools must exist before the ports
// that dispatch onto them are created.
func (b *Base) CreatePool(name string, threads int, schedulable bool) error {
	if threads <= 0 {
		return errors.WrapInvalid(fmt.Errorf("pool %s needs at least one thread", name),
			"Base", "CreatePool", "thread validation")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state >= StateFinalising {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Base", "CreatePool", name)
	}
	if _, exists := b.pools[name]; exists {
		return errors.WrapInvalid(fmt.Errorf("pool %s already exists", name), "Base", "CreatePool", "duplicate check")
	}

	opts := []worker.Option{
		worker.WithLogger(b.logger),
		worker.WithMetrics(b.metrics, b.uri),
	}
	if schedulable {
		opts = append(opts, worker.WithSchedulable())
	}
	pool := worker.NewPool(name, threads, opts...)
	if err := pool.Start(b.ctx); err != nil {
		return errors.WrapFatal(err, "Base", "CreatePool", name)
	}
	b.pools[name] = pool
	return nil
}

// Pool returns a named pool
func (b *Base) Pool(name string) (*worker.Pool, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.pools[name]
	return p, ok
}

// PoolStats returns statistics of every pool
func (b *Base) PoolStats() []worker.PoolStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	stats := make([]worker.PoolStats, 0, len(b.pools))
	for _, p := range b.pools {
		stats = append(stats, p.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// NewOfferedPort creates an inbound port implementing capability with the
// given operation handlers.
func (b *Base) NewOfferedPort(uri string, capability Capability, handlers Handlers, opts ...PortOption) (*Port, error) {
	return b.newPort(uri, capability, Offered, handlers, opts)
}

// NewRequiredPort creates an outbound port requiring capability
func (b *Base) NewRequiredPort(uri string, capability Capability) (*Port, error) {
	return b.newPort(uri, capability, Required, nil, nil)
}

// NewTwoWayPort creates a port that both calls and serves capability
func (b *Base) NewTwoWayPort(uri string, capability Capability, handlers Handlers, opts ...PortOption) (*Port, error) {
	return b.newPort(uri, capability, TwoWay, handlers, opts)
}

func (b *Base) newPort(uri string, capability Capability, d Direction, handlers Handlers, opts []PortOption) (*Port, error) {
	if uri == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Base", "newPort", "port uri validation")
	}

	p := &Port{
		uri:        uri,
		capability: capability,
		direction:  d,
		owner:      b,
		handlers:   handlers,
	}
	for _, opt := range opts {
		opt(p)
	}

	if d.Inbound() {
		for op := range handlers {
			if _, ok := capability.Operation(op); !ok {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: handler %s not declared by %s", errors.ErrCapabilityMismatch, op, capability.ID),
					"Base", "newPort", uri)
			}
		}
		if _, err := b.dispatchPool(p.pool); err != nil {
			return nil, err
		}
	}

	b.mu.Lock()
	if b.state >= StateShutdown {
		b.mu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrShuttingDown, "Base", "newPort", uri)
	}
	if _, exists := b.ports[uri]; exists {
		b.mu.Unlock()
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPortExists, uri), "Base", "newPort", "duplicate check")
	}
	if err := b.rt.publishPort(p); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.ports[uri] = p
	b.caps.add(capability, d)
	b.mu.Unlock()

	return p, nil
}

// RemovePort disconnects and unpublishes a port
func (b *Base) RemovePort(ctx context.Context, uri string) error {
	if uri == b.uri {
		return errors.WrapInvalid(fmt.Errorf("introspection port cannot be removed"), "Base", "RemovePort", uri)
	}

	p, err := b.port(uri)
	if err != nil {
		return err
	}

	var result *multierror.Error
	if p.Connected() {
		if err := b.Disconnect(ctx, uri); err != nil {
			result = multierror.Append(result, err)
		}
	}

	b.mu.Lock()
	delete(b.ports, uri)
	b.caps.remove(p.capability.ID, p.direction)
	b.mu.Unlock()
	b.rt.unpublishPort(uri)

	return result.ErrorOrNil()
}

// Port returns a port by URI
func (b *Base) Port(uri string) (*Port, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.ports[uri]
	return p, ok
}

func (b *Base) port(uri string) (*Port, error) {
	p, ok := b.Port(uri)
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPortNotFound, uri), "Base", "port", b.uri)
	}
	return p, nil
}

// Ports returns the ports sorted by URI
func (b *Base) Ports() []*Port {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ports := make([]*Port, 0, len(b.ports))
	for _, p := range b.ports {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].uri < ports[j].uri })
	return ports
}

// Capabilities returns the offered and required capability IDs
func (b *Base) Capabilities() (offered, required []CapabilityID) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.caps.list()
}

// capability returns the declaration of a capability the component holds
func (b *Base) capability(id CapabilityID) (Capability, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.caps.caps[id]
	return c, ok
}

// ConnectOption configures a connection
type ConnectOption func(*connectConfig)

type connectConfig struct {
	factory ConnectorFactory
}

// WithConnector sets the connector factory used for the binding
func WithConnector(f ConnectorFactory) ConnectOption {
	return func(c *connectConfig) {
		if f != nil {
			c.factory = f
		}
	}
}

// Connect binds an outbound port to the inbound port at address. The address
// is a local port URI or a transport address resolved by the runtime. A
// two-way port connected to a local two-way peer binds both directions.
func (b *Base) Connect(ctx context.Context, portURI, address string, opts ...ConnectOption) error {
	if s := b.State(); s >= StateFinalising {
		return errors.WrapInvalid(
			fmt.Errorf("%w: connect in state %s", errors.ErrInvalidTransition, s),
			"Base", "Connect", portURI)
	}

	p, err := b.port(portURI)
	if err != nil {
		return err
	}
	if !p.direction.Outbound() {
		return errors.WrapInvalid(errors.ErrWrongDirection, "Base", "Connect", portURI)
	}
	if p.Connected() {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s to %s", errors.ErrAlreadyConnected, portURI, p.Peer()),
			"Base", "Connect", "connection check")
	}

	cfg := connectConfig{factory: b.rt.connectorFactory}
	for _, opt := range opts {
		opt(&cfg)
	}

	endpoint, err := b.rt.Resolve(ctx, address)
	if err != nil {
		return errors.Wrap(err, "Base", "Connect", fmt.Sprintf("resolve %s", address))
	}

	if peer, ok := endpoint.(*Port); ok && peer.capability.ID != p.capability.ID {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s requires %s, %s offers %s", errors.ErrCapabilityMismatch,
				portURI, p.capability.ID, address, peer.capability.ID),
			"Base", "Connect", "capability check")
	}

	conn, err := cfg.factory(ctx, Binding{From: p, To: endpoint, Address: address})
	if err != nil {
		closeEndpoint(endpoint)
		return errors.Wrap(err, "Base", "Connect", "create connector")
	}
	if err := p.bind(conn, address); err != nil {
		_ = conn.Close()
		return err
	}

	if peer, ok := endpoint.(*Port); ok && p.direction == TwoWay && peer.direction == TwoWay && !peer.Connected() {
		if err := peer.owner.bindReverse(ctx, peer, p, cfg.factory); err != nil {
			b.logger.Warn("Reverse binding of two-way peer failed", "port", portURI, "peer", address, "error", err)
		}
	}

	b.logger.Debug("Port connected", "port", portURI, "peer", address)
	return nil
}

func (b *Base) bindReverse(ctx context.Context, p, peer *Port, factory ConnectorFactory) error {
	conn, err := factory(ctx, Binding{From: p, To: peer, Address: peer.uri})
	if err != nil {
		return err
	}
	if err := p.bind(conn, peer.uri); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// Disconnect closes and discards the connector of an outbound port. A
// two-way local peer bound back to this port is unbound as well.
func (b *Base) Disconnect(_ context.Context, portURI string) error {
	p, err := b.port(portURI)
	if err != nil {
		return err
	}

	conn, peerAddr := p.unbind()
	if conn == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNotConnected, portURI), "Base", "Disconnect", "connection check")
	}

	var result *multierror.Error
	if err := conn.Close(); err != nil {
		result = multierror.Append(result, errors.WrapTransient(err, "Base", "Disconnect", "close connector"))
	}

	if p.direction == TwoWay {
		if peer, ok := b.rt.Port(peerAddr); ok && peer.direction == TwoWay && peer.Peer() == p.uri {
			if peerConn, _ := peer.unbind(); peerConn != nil {
				if err := peerConn.Close(); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
	}

	b.logger.Debug("Port disconnected", "port", portURI, "peer", peerAddr)
	return result.ErrorOrNil()
}

// IsConnected reports whether a port is connected
func (b *Base) IsConnected(portURI string) (bool, error) {
	p, err := b.port(portURI)
	if err != nil {
		return false, err
	}
	return p.Connected(), nil
}

// disconnectAll disconnects every connected outbound port, continuing past
// failures.
func (b *Base) disconnectAll(ctx context.Context) error {
	var result *multierror.Error
	for _, p := range b.Ports() {
		if p.direction.Outbound() && p.Connected() {
			if err := b.Disconnect(ctx, p.uri); err != nil {
				b.logger.Warn("Disconnect failed", "port", p.uri, "error", err)
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func closeEndpoint(e Endpoint) {
	if _, ok := e.(*Port); ok {
		return
	}
	if c, ok := e.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}
