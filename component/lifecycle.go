package component

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/c360/cvmkit/errors"
)

// State is the lifecycle state of a component. States only move forward.
type State int

const (
	// StateCreated indicates the component exists but was not started
	StateCreated State = iota
	// StateStarted indicates the component accepts inbound calls
	StateStarted
	// StateExecuting indicates the component may schedule its own tasks
	StateExecuting
	// StateFinalising indicates the component is undoing its wiring
	StateFinalising
	// StateShutdown indicates a graceful shutdown is draining the pools
	StateShutdown
	// StateShutdownNow indicates an immediate shutdown
	StateShutdownNow
	// StateTerminated indicates all pools stopped and ports were unpublished
	StateTerminated
)

// String returns a string representation of the component state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateExecuting:
		return "executing"
	case StateFinalising:
		return "finalising"
	case StateShutdown:
		return "shutdown"
	case StateShutdownNow:
		return "shutdown-now"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Starter is implemented by components with work to do when started
type Starter interface {
	Start(ctx context.Context) error
}

// Executor is implemented by active components. Execute runs on the
// orchestrating goroutine and typically schedules tasks.
type Executor interface {
	Execute(ctx context.Context) error
}

// Finaliser is implemented by components with wiring to undo
type Finaliser interface {
	Finalise(ctx context.Context) error
}

// Start moves a component from Created to Started, initialises its plugins
// in install order and runs its start hook.
func Start(ctx context.Context, c Component) error {
	b := c.Core()
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if err := b.transition("Start", StateStarted, StateCreated); err != nil {
		return err
	}

	for _, p := range b.Plugins() {
		if err := p.Initialise(ctx); err != nil {
			return errors.WrapFatal(err, "Component", "Start", fmt.Sprintf("initialise plugin %s", p.URI()))
		}
	}

	if s, ok := c.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return errors.WrapFatal(err, "Component", "Start", "start hook")
		}
	}

	b.logger.Info("Component started")
	return nil
}

// Execute moves a started component to Executing and runs its execute hook
func Execute(ctx context.Context, c Component) error {
	b := c.Core()
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if err := b.transition("Execute", StateExecuting, StateStarted); err != nil {
		return err
	}

	if e, ok := c.(Executor); ok {
		if err := e.Execute(ctx); err != nil {
			return errors.WrapFatal(err, "Component", "Execute", "execute hook")
		}
	}
	return nil
}

// Finalise runs the finalise hook, finalises plugins in reverse install order
// and disconnects the ports still connected. Plugin and disconnect failures
// are logged and collected without stopping the remaining steps.
func Finalise(ctx context.Context, c Component) error {
	b := c.Core()
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if err := b.transition("Finalise", StateFinalising, StateStarted, StateExecuting); err != nil {
		return err
	}

	var result *multierror.Error
	if f, ok := c.(Finaliser); ok {
		if err := f.Finalise(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "Component", "Finalise", "finalise hook"))
		}
	}

	plugins := b.Plugins()
	for i := len(plugins) - 1; i >= 0; i-- {
		if err := plugins[i].Finalise(ctx); err != nil {
			b.logger.Warn("Plugin finalise failed", "plugin", plugins[i].URI(), "error", err)
			result = multierror.Append(result, err)
		}
	}

	if err := b.disconnectAll(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// Shutdown uninstalls plugins, cancels scheduled tasks and waits for
// in-flight tasks to drain, bounded by the context deadline or the runtime
// shutdown timeout. On timeout the component stays in Shutdown and
// ShutdownNow may follow.
func Shutdown(ctx context.Context, c Component) error {
	b := c.Core()
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if err := b.transition("Shutdown", StateShutdown, StateCreated, StateFinalising); err != nil {
		return err
	}

	var result *multierror.Error
	if err := b.uninstallPlugins(); err != nil {
		result = multierror.Append(result, err)
	}

	timeout := b.rt.ShutdownTimeout()
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	if err := b.stopPoolsGracefully(timeout); err != nil {
		result = multierror.Append(result, err)
		return errors.WrapTransient(result.ErrorOrNil(), "Component", "Shutdown", "drain pools")
	}

	b.terminate()
	return result.ErrorOrNil()
}

// ShutdownNow stops the component without waiting for in-flight tasks. It
// is allowed from any state before Terminated.
func ShutdownNow(c Component) error {
	b := c.Core()
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if err := b.transition("ShutdownNow", StateShutdownNow,
		StateCreated, StateStarted, StateExecuting, StateFinalising, StateShutdown); err != nil {
		return err
	}

	err := b.uninstallPlugins()
	b.stopPools()
	b.terminate()
	return err
}

func (b *Base) stopPoolsGracefully(timeout time.Duration) error {
	b.mu.RLock()
	pools := make([]string, 0, len(b.pools))
	for name := range b.pools {
		pools = append(pools, name)
	}
	b.mu.RUnlock()

	deadline := time.Now().Add(timeout)
	var result *multierror.Error
	for _, name := range pools {
		p, _ := b.Pool(name)
		if err := p.Stop(time.Until(deadline)); err != nil {
			result = multierror.Append(result, fmt.Errorf("pool %s: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

func (b *Base) stopPools() {
	b.mu.RLock()
	for _, p := range b.pools {
		p.StopNow()
	}
	b.mu.RUnlock()
	b.cancel()
}

func (b *Base) terminate() {
	b.cancel()

	for _, p := range b.Ports() {
		if p.Connected() {
			if conn, _ := p.unbind(); conn != nil {
				_ = conn.Close()
			}
		}
		b.rt.unpublishPort(p.uri)
	}
	b.rt.forget(b.uri)

	b.mu.Lock()
	b.state = StateTerminated
	b.mu.Unlock()
	b.metrics.RecordComponentState(b.uri, int(StateTerminated))
	b.logger.Info("Component terminated")
}

// IsStarted reports whether the component has been started
func (b *Base) IsStarted() bool { return b.State() >= StateStarted }

// IsExecuting reports whether the component is in Executing
func (b *Base) IsExecuting() bool { return b.State() == StateExecuting }

// IsFinalised reports whether finalisation has begun
func (b *Base) IsFinalised() bool { return b.State() >= StateFinalising }

// IsShutdown reports whether a shutdown has begun
func (b *Base) IsShutdown() bool { return b.State() >= StateShutdown }

// IsTerminated reports whether the component is terminated
func (b *Base) IsTerminated() bool { return b.State() == StateTerminated }
