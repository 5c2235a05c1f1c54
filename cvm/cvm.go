package cvm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/config"
	"github.com/c360/cvmkit/connector"
	"github.com/c360/cvmkit/directory"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/plugins/dynconnect"
)

// Phase is the deployment phase of a CVM. Phases only move forward.
type Phase int

// CVM phases in deployment order
const (
	PhaseCreated Phase = iota
	PhaseInitialised
	PhaseInstantiatedAndPublished
	PhaseInterconnected
	PhaseDeploymentDone
	PhaseStartDone
	PhaseFinaliseDone
	PhaseShutdown
	PhaseTerminated
)

// String returns the phase name used in logs, errors and barrier keys
func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "Created"
	case PhaseInitialised:
		return "Initialised"
	case PhaseInstantiatedAndPublished:
		return "InstantiatedAndPublished"
	case PhaseInterconnected:
		return "Interconnected"
	case PhaseDeploymentDone:
		return "DeploymentDone"
	case PhaseStartDone:
		return "StartDone"
	case PhaseFinaliseDone:
		return "FinaliseDone"
	case PhaseShutdown:
		return "Shutdown"
	case PhaseTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// executed names the Execute step, which runs once but is not a phase of
// its own
const executed = "Executed"

// Assembly is what one CVM deploys: its components and the connections
// leaving them.
type Assembly struct {
	Components  []config.ComponentConfig
	Connections []config.ConnectionConfig
}

// AssemblyFor selects the part of a deployment assigned to site. An empty
// site selects everything.
func AssemblyFor(cfg *config.Config, site string) Assembly {
	if site == "" {
		return Assembly{Components: cfg.Components, Connections: cfg.Connections}
	}
	return Assembly{Components: cfg.ComponentsOn(site), Connections: cfg.ConnectionsOn(site)}
}

// Option configures a CVM
type Option func(*CVM)

// WithDirectory sets the directory used for publish keys and keyed
// connections
func WithDirectory(dir directory.Directory) Option {
	return func(c *CVM) {
		c.dir = dir
	}
}

// WithDeploymentTimeout bounds every directory wait of the deployment
func WithDeploymentTimeout(d time.Duration) Option {
	return func(c *CVM) {
		if d > 0 {
			c.deploymentTimeout = d
		}
	}
}

// WithForceShutdown makes a graceful shutdown that times out fall back to
// ShutdownNow for the components still draining
func WithForceShutdown(force bool) Option {
	return func(c *CVM) {
		c.forceShutdown = force
	}
}

// WithMeteredConnections records every call crossing a connection made by
// the CVM in the runtime metrics
func WithMeteredConnections() Option {
	return func(c *CVM) {
		c.metered = true
	}
}

// hooks let the distributed CVM extend phases without reimplementing them
type hooks struct {
	afterPublish func(ctx context.Context) error
	afterStep    func(ctx context.Context, step string) error
}

// CVM deploys an assembly of components into one runtime and drives them
// through their life-cycle.
//
// CVM follows lifecycle:
//
//	Deploy(ctx)     - Initialise, InstantiateAndPublish, Interconnect
//	Start(ctx)      - start hooks of every component, in parallel
//	Execute(ctx)    - execute hooks of every component, once
//	Finalise(ctx)   - finalise hooks, then remaining ports disconnected
//	Shutdown(ctx)   - graceful, bounded; ShutdownNow() otherwise
//
// Every step asserts its precondition. A failing step is reported as an
// errors.PhaseError and leaves ShutdownNow as the only step allowed.
type CVM struct {
	rt       *component.Runtime
	assembly Assembly
	logger   *slog.Logger

	dir               directory.Directory
	deploymentTimeout time.Duration
	forceShutdown     bool
	metered           bool
	hooks             hooks

	mu         sync.Mutex
	phase      Phase
	executed   bool
	failed     error
	components []component.Component
	dynamic    map[string]*dynconnect.Plugin

	executing     chan struct{}
	executingOnce sync.Once
}

// New creates a CVM deploying assembly into rt
func New(rt *component.Runtime, assembly Assembly, opts ...Option) *CVM {
	c := &CVM{
		rt:                rt,
		assembly:          assembly,
		logger:            rt.Logger().With("cvm", rt.Site()),
		deploymentTimeout: 60 * time.Second,
		dynamic:           make(map[string]*dynconnect.Plugin),
		executing:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Runtime returns the runtime the CVM deploys into
func (c *CVM) Runtime() *component.Runtime { return c.rt }

// Phase returns the current phase
func (c *CVM) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Executing is closed once Execute completed, including the barrier that
// follows it in a distributed deployment
func (c *CVM) Executing() <-chan struct{} { return c.executing }

// Executed reports whether the execute hooks ran
func (c *CVM) Executed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executed
}

// Err returns the failure that stopped the deployment, if any
func (c *CVM) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Components returns the deployed components in instantiation order
func (c *CVM) Components() []component.Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]component.Component, len(c.components))
	copy(out, c.components)
	return out
}

// Component returns a deployed component by URI
func (c *CVM) Component(uri string) (component.Component, bool) {
	for _, comp := range c.Components() {
		if comp.URI() == uri {
			return comp, true
		}
	}
	return nil, false
}

// enter checks that the CVM may run step from phase want. A violated
// precondition aborts the deployment.
func (c *CVM) enter(step string, want ...Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return &errors.PhaseError{Site: c.rt.Site(), Phase: step, Err: errors.WrapFatal(
			fmt.Errorf("%w: deployment already failed", errors.ErrInvalidTransition), "CVM", step, "precondition")}
	}
	for _, p := range want {
		if c.phase == p {
			return nil
		}
	}
	err := &errors.PhaseError{Site: c.rt.Site(), Phase: step, Err: errors.WrapFatal(
		fmt.Errorf("%w: %s from phase %s", errors.ErrInvalidTransition, step, c.phase), "CVM", step, "precondition")}
	c.failed = err
	return err
}

// fail records err as the failure of step
func (c *CVM) fail(step string, err error) error {
	pe := &errors.PhaseError{Site: c.rt.Site(), Phase: step, Err: err}
	c.mu.Lock()
	if c.failed == nil {
		c.failed = pe
	}
	c.mu.Unlock()
	c.rt.Metrics().RecordError("cvm:"+c.rt.Site(), errorClass(err))
	c.logger.Error("Deployment step failed", "step", step, "error", err)
	return pe
}

func (c *CVM) advance(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.rt.Metrics().RecordDeploymentPhase(c.rt.Site(), int(p))
	c.logger.Info("Phase reached", "phase", p.String())
}

// after runs the post-step hook, a barrier in the distributed CVM
func (c *CVM) after(ctx context.Context, step string) error {
	if c.hooks.afterStep == nil {
		return nil
	}
	if err := c.hooks.afterStep(ctx, step); err != nil {
		return c.fail(step, err)
	}
	return nil
}

// Initialise checks the assembly against the runtime's class registry
func (c *CVM) Initialise(ctx context.Context) error {
	const step = "Initialise"
	if err := c.enter(step, PhaseCreated); err != nil {
		return err
	}

	var result *multierror.Error
	seen := make(map[string]bool, len(c.assembly.Components))
	for _, cc := range c.assembly.Components {
		if seen[cc.URI] {
			result = multierror.Append(result, errors.WrapInvalid(
				fmt.Errorf("%w: component %s declared twice", errors.ErrInvalidConfig, cc.URI), "CVM", step, "assembly check"))
		}
		seen[cc.URI] = true
		if _, ok := c.rt.Classes().Lookup(cc.Class); !ok {
			result = multierror.Append(result, errors.WrapInvalid(
				fmt.Errorf("%w: %s", errors.ErrUnknownComponentCls, cc.Class), "CVM", step, cc.URI))
		}
		if len(cc.Publish) > 0 && c.dir == nil {
			result = multierror.Append(result, errors.WrapInvalid(
				fmt.Errorf("%w: %s publishes keys but no directory is set", errors.ErrMissingConfig, cc.URI), "CVM", step, cc.URI))
		}
	}
	for _, conn := range c.assembly.Connections {
		if !seen[conn.From] {
			result = multierror.Append(result, errors.WrapInvalid(
				fmt.Errorf("%w: connection from unknown component %s", errors.ErrInvalidConfig, conn.From), "CVM", step, conn.Port))
		}
		if conn.Key != "" && c.dir == nil {
			result = multierror.Append(result, errors.WrapInvalid(
				fmt.Errorf("%w: %s connects by key but no directory is set", errors.ErrMissingConfig, conn.Port), "CVM", step, conn.Port))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return c.fail(step, err)
	}

	c.advance(PhaseInitialised)
	return c.after(ctx, step)
}

// InstantiateAndPublish creates every component and publishes the declared
// port addresses in the directory
func (c *CVM) InstantiateAndPublish(ctx context.Context) error {
	const step = "InstantiateAndPublish"
	if err := c.enter(step, PhaseInitialised); err != nil {
		return err
	}

	discover := make(map[string]bool)
	for _, conn := range c.assembly.Connections {
		if conn.Discover {
			discover[conn.From] = true
		}
	}

	for _, cc := range c.assembly.Components {
		comp, err := c.rt.Create(cc.Class, cc.URI, cc.Args)
		if err != nil {
			return c.fail(step, errors.WrapFatal(err, "CVM", step, fmt.Sprintf("create %s", cc.URI)))
		}
		c.mu.Lock()
		c.components = append(c.components, comp)
		c.mu.Unlock()

		if discover[cc.URI] {
			p := dynconnect.New("")
			if err := comp.Core().InstallPlugin(p); err != nil {
				return c.fail(step, errors.WrapFatal(err, "CVM", step, fmt.Sprintf("install %s on %s", p.URI(), cc.URI)))
			}
			c.mu.Lock()
			c.dynamic[cc.URI] = p
			c.mu.Unlock()
		}
		c.logger.Debug("Component instantiated", "component", cc.URI, "class", cc.Class)
	}

	for _, cc := range c.assembly.Components {
		for _, pub := range cc.Publish {
			if pub.Port == "" {
				pub.Port = cc.URI
			}
			if err := c.publish(ctx, pub); err != nil {
				return c.fail(step, err)
			}
		}
	}

	if c.hooks.afterPublish != nil {
		if err := c.hooks.afterPublish(ctx); err != nil {
			return c.fail(step, err)
		}
	}

	c.advance(PhaseInstantiatedAndPublished)
	return c.after(ctx, step)
}

func (c *CVM) publish(ctx context.Context, pub config.PublishConfig) error {
	if _, ok := c.rt.Port(pub.Port); !ok {
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrPortNotFound, pub.Port), "CVM", "publish", pub.Key)
	}
	address := c.rt.AddressOf(pub.Port)
	if err := c.dir.Put(ctx, pub.Key, address); err != nil {
		return errors.WrapFatal(err, "CVM", "publish", pub.Key)
	}
	c.logger.Debug("Port published", "key", pub.Key, "address", address)
	return nil
}

// Interconnect binds every connection of the assembly. Targets given by
// directory key are waited for up to the deployment timeout.
func (c *CVM) Interconnect(ctx context.Context) error {
	const step = "Interconnect"
	if err := c.enter(step, PhaseInstantiatedAndPublished); err != nil {
		return err
	}

	for _, conn := range c.assembly.Connections {
		if err := c.connect(ctx, conn); err != nil {
			return c.fail(step, err)
		}
	}

	c.advance(PhaseInterconnected)
	return c.after(ctx, step)
}

func (c *CVM) connect(ctx context.Context, conn config.ConnectionConfig) error {
	comp, ok := c.rt.Component(conn.From)
	if !ok {
		return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrComponentNotFound, conn.From), "CVM", "connect", conn.Port)
	}

	target := conn.To
	if conn.Key != "" {
		wctx, cancel := context.WithTimeout(ctx, c.deploymentTimeout)
		address, err := directory.LookupWait(wctx, c.dir, conn.Key)
		cancel()
		if err != nil {
			return err
		}
		target = address
	}

	var factory component.ConnectorFactory
	if len(conn.Renames) > 0 {
		factory = connector.Translate(connector.Renames(conn.Renames), nil)
	}
	if c.metered {
		factory = connector.Meter(c.rt.Metrics(), factory)
	}
	var opts []component.ConnectOption
	if factory != nil {
		opts = append(opts, component.WithConnector(factory))
	}

	if conn.Discover {
		c.mu.Lock()
		p := c.dynamic[conn.From]
		c.mu.Unlock()
		address, err := p.Connect(ctx, conn.Port, target, opts...)
		if err != nil {
			return errors.WrapFatal(err, "CVM", "connect", conn.Port)
		}
		c.logger.Info("Port connected", "port", conn.Port, "component", target, "address", address)
		return nil
	}

	if err := comp.Core().Connect(ctx, conn.Port, target, opts...); err != nil {
		return errors.WrapFatal(err, "CVM", "connect", conn.Port)
	}
	c.logger.Info("Port connected", "port", conn.Port, "address", target)
	return nil
}

// Deploy runs whatever remains of Initialise, InstantiateAndPublish and
// Interconnect and marks the deployment done
func (c *CVM) Deploy(ctx context.Context) error {
	steps := []struct {
		from Phase
		run  func(context.Context) error
	}{
		{PhaseCreated, c.Initialise},
		{PhaseInitialised, c.InstantiateAndPublish},
		{PhaseInstantiatedAndPublished, c.Interconnect},
	}
	for _, s := range steps {
		if c.Phase() != s.from {
			continue
		}
		if err := s.run(ctx); err != nil {
			return err
		}
	}

	const step = "Deploy"
	if err := c.enter(step, PhaseInterconnected); err != nil {
		return err
	}
	c.advance(PhaseDeploymentDone)
	return c.after(ctx, step)
}

// Start runs the start hooks of every component in parallel
func (c *CVM) Start(ctx context.Context) error {
	const step = "Start"
	if err := c.enter(step, PhaseDeploymentDone); err != nil {
		return err
	}
	if err := c.each(ctx, component.Start); err != nil {
		return c.fail(step, err)
	}
	c.advance(PhaseStartDone)
	return c.after(ctx, step)
}

// Execute runs the execute hooks of every component in parallel. It runs
// at most once, after Start.
func (c *CVM) Execute(ctx context.Context) error {
	const step = "Execute"
	if err := c.enter(step, PhaseStartDone); err != nil {
		return err
	}
	c.mu.Lock()
	already := c.executed
	c.executed = true
	c.mu.Unlock()
	if already {
		return c.fail(step, errors.WrapInvalid(
			fmt.Errorf("%w: execute hooks already ran", errors.ErrInvalidTransition), "CVM", step, "precondition"))
	}

	if err := c.each(ctx, component.Execute); err != nil {
		return c.fail(step, err)
	}
	if err := c.after(ctx, executed); err != nil {
		return err
	}
	c.executingOnce.Do(func() { close(c.executing) })
	c.logger.Info("Components executing")
	return nil
}

func (c *CVM) each(ctx context.Context, f func(context.Context, component.Component) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, comp := range c.Components() {
		g.Go(func() error {
			return f(gctx, comp)
		})
	}
	return g.Wait()
}

// Finalise runs the finalise hooks of every component, which also
// disconnects their remaining ports. Every component is finalised even when
// some fail.
func (c *CVM) Finalise(ctx context.Context) error {
	const step = "Finalise"
	if err := c.enter(step, PhaseStartDone); err != nil {
		return err
	}

	var result *multierror.Error
	for _, comp := range c.Components() {
		if err := component.Finalise(ctx, comp); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return c.fail(step, err)
	}

	c.advance(PhaseFinaliseDone)
	return c.after(ctx, step)
}

// Shutdown shuts every component down gracefully, bounded by the runtime
// shutdown timeout. Components still draining when it expires are shut down
// immediately if force shutdown is set; otherwise the step fails and
// ShutdownNow remains available.
func (c *CVM) Shutdown(ctx context.Context) error {
	const step = "Shutdown"
	if err := c.enter(step, PhaseFinaliseDone, PhaseCreated); err != nil {
		return err
	}
	c.advance(PhaseShutdown)

	sctx, cancel := context.WithTimeout(ctx, c.rt.ShutdownTimeout())
	defer cancel()

	var (
		mu       sync.Mutex
		result   *multierror.Error
		draining []component.Component
	)
	var wg sync.WaitGroup
	for _, comp := range c.Components() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := component.Shutdown(sctx, comp)
			if err == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if errors.IsTransient(err) && comp.Core().State() == component.StateShutdown {
				draining = append(draining, comp)
			}
			result = multierror.Append(result, err)
		}()
	}
	wg.Wait()

	if len(draining) > 0 && c.forceShutdown {
		c.logger.Warn("Graceful shutdown timed out, forcing", "components", len(draining))
		result = nil
		for _, comp := range draining {
			if err := component.ShutdownNow(comp); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return c.fail(step, err)
	}

	c.advance(PhaseTerminated)
	return nil
}

// ShutdownNow stops every component without waiting for in-flight tasks.
// It is allowed in any phase before Terminated, including after a failure.
func (c *CVM) ShutdownNow() error {
	c.mu.Lock()
	if c.phase == PhaseTerminated {
		c.mu.Unlock()
		return &errors.PhaseError{Site: c.rt.Site(), Phase: "ShutdownNow", Err: errors.WrapInvalid(
			fmt.Errorf("%w: already terminated", errors.ErrInvalidTransition), "CVM", "ShutdownNow", "precondition")}
	}
	c.mu.Unlock()

	var result *multierror.Error
	for _, comp := range c.Components() {
		if comp.Core().State() >= component.StateShutdownNow {
			continue
		}
		if err := component.ShutdownNow(comp); err != nil {
			result = multierror.Append(result, err)
		}
	}
	c.advance(PhaseTerminated)
	return result.ErrorOrNil()
}

// Run deploys, starts and executes the assembly, waits until ctx is done and
// then finalises and shuts down. A failing step is followed by ShutdownNow.
func (c *CVM) Run(ctx context.Context) error {
	// ctx stops the deployment only once it is executing; until then every
	// wait is bounded by the deployment timeout.
	deployCtx := context.WithoutCancel(ctx)
	if err := c.Deploy(deployCtx); err != nil {
		return c.abort(err)
	}
	if err := c.Start(deployCtx); err != nil {
		return c.abort(err)
	}
	if err := c.Execute(deployCtx); err != nil {
		return c.abort(err)
	}

	<-ctx.Done()
	c.logger.Info("Stopping deployment")

	stopCtx := context.WithoutCancel(ctx)
	if err := c.Finalise(stopCtx); err != nil {
		return c.abort(err)
	}
	if err := c.Shutdown(stopCtx); err != nil {
		return c.abort(err)
	}
	return nil
}

func (c *CVM) abort(err error) error {
	if nerr := c.ShutdownNow(); nerr != nil {
		c.logger.Warn("Immediate shutdown after failure incomplete", "error", nerr)
	}
	return err
}

func errorClass(err error) string {
	switch {
	case errors.IsInvalid(err):
		return "invalid"
	case errors.IsTransient(err):
		return "transient"
	default:
		return "fatal"
	}
}
