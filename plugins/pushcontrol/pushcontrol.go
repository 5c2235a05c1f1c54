// Package pushcontrol provides a plugin that pushes values out of its owner
// at a fixed rate, started and stopped remotely through a pushControl port.
// Any component with a schedulable pool can become a periodic producer by
// installing it.
package pushcontrol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/pkg/worker"
)

// DefaultURI is the plugin URI used when none is given
const DefaultURI = "pushcontrol"

// Operations of the pushControl capability
const (
	OpStartUnlimited = "startUnlimitedPushing"
	OpStartLimited   = "startLimitedPushing"
	OpStop           = "stopPushing"
	OpIsPushing      = "isPushing"
	OpPushesCount    = "pushesCount"
)

var controlCapability = component.NewCapability("pushControl",
	component.Op(OpStartUnlimited, "intervalMillis"),
	component.Op(OpStartLimited, "intervalMillis", "count"),
	component.Op(OpStop),
	component.Op(OpIsPushing).Returning("bool"),
	component.Op(OpPushesCount).Returning("int"),
)

// Capability returns the pushControl capability
func Capability() component.Capability { return controlCapability }

// Source produces the arguments of the n-th push, counting from zero
type Source func(ctx context.Context, n int64) ([]any, error)

// Plugin pushes through a required port of the target capability, calling
// one of its operations with values from a Source.
type Plugin struct {
	*component.BasePlugin

	target component.Capability
	op     string
	source Source

	out *component.Port

	mu     sync.Mutex
	handle *worker.Handle
	limit  int64
	pushes int64
	failed error
}

// New creates the plugin. Each push calls op of target with the arguments
// source returns. An empty uri uses DefaultURI.
func New(uri string, target component.Capability, op string, source Source) *Plugin {
	if uri == "" {
		uri = DefaultURI
	}
	return &Plugin{
		BasePlugin: component.NewBasePlugin(uri),
		target:     target,
		op:         op,
		source:     source,
	}
}

// ControlPort returns the URI of the pushControl port of a plugin installed
// on owner
func ControlPort(owner, uri string) string { return owner + "/" + uri }

// OutputPort returns the URI of the port pushes leave through
func OutputPort(owner, uri string) string { return owner + "/" + uri + "-out" }

// InstallOn creates the control and output ports. The control port gets a
// single-thread pool of its own so start and stop requests are serialized.
func (p *Plugin) InstallOn(owner *component.Base) error {
	if _, ok := p.target.Operation(p.op); !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s not in %s", errors.ErrUnknownOperation, p.op, p.target.ID),
			"Plugin", "InstallOn", "target check")
	}
	if p.source == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: source is required", errors.ErrMissingConfig),
			"Plugin", "InstallOn", "source check")
	}
	if err := p.BasePlugin.InstallOn(owner); err != nil {
		return err
	}
	if err := owner.CreatePool(p.URI(), 1, false); err != nil {
		return errors.Wrap(err, "Plugin", "InstallOn", "create control pool")
	}

	out, err := p.AddRequiredPort(OutputPort(owner.URI(), p.URI()), p.target)
	if err != nil {
		return err
	}
	p.out = out

	_, err = p.AddOfferedPort(ControlPort(owner.URI(), p.URI()), controlCapability, component.Handlers{
		OpStartUnlimited: p.handleStartUnlimited,
		OpStartLimited:   p.handleStartLimited,
		OpStop: func(context.Context, []json.RawMessage) (any, error) {
			p.Stop()
			return nil, nil
		},
		OpIsPushing: func(context.Context, []json.RawMessage) (any, error) {
			return p.IsPushing(), nil
		},
		OpPushesCount: func(context.Context, []json.RawMessage) (any, error) {
			return p.Pushes(), nil
		},
	}, component.WithPool(p.URI()))
	return err
}

func (p *Plugin) handleStartUnlimited(_ context.Context, args []json.RawMessage) (any, error) {
	millis, err := component.Arg[int64](args, 0)
	if err != nil {
		return nil, err
	}
	return nil, p.Start(time.Duration(millis)*time.Millisecond, 0)
}

func (p *Plugin) handleStartLimited(_ context.Context, args []json.RawMessage) (any, error) {
	millis, err := component.Arg[int64](args, 0)
	if err != nil {
		return nil, err
	}
	count, err := component.Arg[int64](args, 1)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("count must be positive, got %d", count), "Plugin", OpStartLimited, "validate count")
	}
	return nil, p.Start(time.Duration(millis)*time.Millisecond, count)
}

// Start begins pushing every interval. A limit of zero pushes until Stop;
// otherwise pushing stops by itself after limit pushes. The count of pushes
// is reset. Pushing requires the owner to be executing.
func (p *Plugin) Start(interval time.Duration, limit int64) error {
	if interval <= 0 {
		return errors.WrapInvalid(fmt.Errorf("interval must be positive, got %s", interval), "Plugin", "Start", "validate interval")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handle != nil && !p.handle.Cancelled() {
		return errors.WrapInvalid(fmt.Errorf("%w: already pushing", errors.ErrInvalidTransition), "Plugin", "Start", "state check")
	}

	p.pushes = 0
	p.limit = limit
	p.failed = nil
	h, err := p.Owner().ScheduleTaskAtFixedRate(0, interval, p.push)
	if err != nil {
		return err
	}
	p.handle = h
	p.Logger().Info("Pushing started", "interval", interval, "limit", limit)
	return nil
}

// push runs on the owner's scheduled pool
func (p *Plugin) push(ctx context.Context) error {
	p.mu.Lock()
	n := p.pushes
	if p.limit > 0 && n >= p.limit {
		p.stopLocked()
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	args, err := p.source(ctx, n)
	if err == nil {
		_, err = p.out.Call(ctx, p.op, args...)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failed = err
		return err
	}
	p.pushes++
	if p.limit > 0 && p.pushes >= p.limit {
		p.stopLocked()
	}
	return nil
}

// Stop cancels pushing. A push already running completes.
func (p *Plugin) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Plugin) stopLocked() {
	if p.handle == nil {
		return
	}
	if p.handle.Cancel() {
		p.Logger().Info("Pushing stopped", "pushes", p.pushes)
	}
}

// IsPushing reports whether pushes are scheduled
func (p *Plugin) IsPushing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle != nil && !p.handle.Cancelled()
}

// Pushes returns the number of successful pushes since the last start
func (p *Plugin) Pushes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushes
}

// LastError returns the failure of the most recent push, if it failed
func (p *Plugin) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// Finalise stops pushing before the plugin's ports are disconnected
func (p *Plugin) Finalise(ctx context.Context) error {
	p.Stop()
	return p.BasePlugin.Finalise(ctx)
}
