package component

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/pkg/worker"
)

// Direction tags a port as inbound, outbound or both
type Direction int

// Port directions
const (
	// Offered ports receive calls
	Offered Direction = iota
	// Required ports issue calls
	Required
	// TwoWay ports both issue and receive calls of the same capability
	TwoWay
)

// String returns the direction name
func (d Direction) String() string {
	switch d {
	case Offered:
		return "offered"
	case Required:
		return "required"
	case TwoWay:
		return "two-way"
	default:
		return "unknown"
	}
}

// Inbound reports whether ports of this direction accept calls
func (d Direction) Inbound() bool { return d == Offered || d == TwoWay }

// Outbound reports whether ports of this direction issue calls
func (d Direction) Outbound() bool { return d == Required || d == TwoWay }

// Port is a typed endpoint owned by exactly one component. An outbound port
// is unconnected or bound to exactly one Connector; connecting and
// disconnecting go through the owner.
type Port struct {
	uri        string
	capability Capability
	direction  Direction
	owner      *Base

	// inbound side
	pool      string
	runAsTask bool
	handlers  Handlers

	mu        sync.RWMutex
	connector Connector
	peer      string
}

// PortOption configures an inbound port
type PortOption func(*Port)

// WithPool sets the executor pool inbound calls are dispatched to
func WithPool(name string) PortOption {
	return func(p *Port) {
		p.pool = name
	}
}

// RunAsTask makes inbound calls return as soon as the task is queued instead
// of waiting for its result.
func RunAsTask() PortOption {
	return func(p *Port) {
		p.runAsTask = true
	}
}

// URI returns the port URI
func (p *Port) URI() string { return p.uri }

// Capability returns the implemented capability
func (p *Port) Capability() Capability { return p.capability }

// Direction returns the port direction
func (p *Port) Direction() Direction { return p.direction }

// Owner returns the owning component
func (p *Port) Owner() *Base { return p.owner }

// Pool returns the inbound pool affinity, empty for the default pool
func (p *Port) Pool() string { return p.pool }

// Connected reports whether the outbound side is bound
func (p *Port) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connector != nil
}

// Peer returns the address the port is connected to
func (p *Port) Peer() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peer
}

// Call invokes an operation through the bound connector and waits for its
// result, unless the operation is declared one-way.
func (p *Port) Call(ctx context.Context, op string, args ...any) (json.RawMessage, error) {
	if !p.direction.Outbound() {
		return nil, errors.WrapInvalid(errors.ErrWrongDirection, "Port", "Call", p.uri)
	}

	p.mu.RLock()
	conn := p.connector
	p.mu.RUnlock()
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrNotConnected, "Port", "Call", p.uri)
	}

	decl, ok := p.capability.Operation(op)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s on %s", errors.ErrUnknownOperation, op, p.capability.ID),
			"Port", "Call", "operation lookup")
	}

	encoded, err := EncodeArgs(args...)
	if err != nil {
		return nil, err
	}

	inv := &Invocation{
		ID:        uuid.NewString(),
		Operation: op,
		Args:      encoded,
		OneWay:    decl.OneWay,
	}

	start := time.Now()
	result, err := conn.Invoke(ctx, inv)
	p.owner.metrics.RecordPortCall(p.uri, op, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	if decl.OneWay {
		return nil, nil
	}
	return result, nil
}

// Accept dispatches an inbound call onto the owner's executor pool. The call
// never runs on the caller's goroutine. Synchronous ports wait for the task
// result; RunAsTask ports and one-way invocations return once it is queued.
func (p *Port) Accept(ctx context.Context, inv *Invocation) (json.RawMessage, error) {
	if !p.direction.Inbound() {
		return nil, errors.WrapInvalid(errors.ErrWrongDirection, "Port", "Accept", p.uri)
	}
	if err := p.owner.checkInbound(p.uri); err != nil {
		return nil, err
	}

	handler, ok := p.handlers[inv.Operation]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s on %s", errors.ErrUnknownOperation, inv.Operation, p.capability.ID),
			"Port", "Accept", "operation lookup")
	}

	pool, err := p.owner.dispatchPool(p.pool)
	if err != nil {
		return nil, err
	}

	var result json.RawMessage
	future, err := pool.Submit(func(taskCtx context.Context) error {
		value, err := handler(taskCtx, inv.Args)
		if err != nil {
			return err
		}
		if value == nil {
			return nil
		}
		if raw, ok := value.(json.RawMessage); ok {
			result = raw
			return nil
		}
		b, err := json.Marshal(value)
		if err != nil {
			return errors.WrapInvalid(err, "Port", "Accept", "encode result")
		}
		result = b
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Port", "Accept", fmt.Sprintf("submit %s to pool %s", inv.Operation, pool.Name()))
	}

	if inv.OneWay || p.runAsTask {
		return nil, nil
	}
	if err := future.Wait(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

func (p *Port) bind(conn Connector, peer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connector != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s to %s", errors.ErrAlreadyConnected, p.uri, p.peer),
			"Port", "bind", "connection check")
	}
	p.connector = conn
	p.peer = peer
	return nil
}

func (p *Port) unbind() (Connector, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conn, peer := p.connector, p.peer
	p.connector = nil
	p.peer = ""
	return conn, peer
}

// Info is the introspection view of a port
type Info struct {
	URI        string       `json:"uri"`
	Capability CapabilityID `json:"capability"`
	Direction  string       `json:"direction"`
	Pool       string       `json:"pool,omitempty"`
	Connected  bool         `json:"connected"`
	Peer       string       `json:"peer,omitempty"`
}

// Info returns a snapshot of the port for introspection
func (p *Port) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Info{
		URI:        p.uri,
		Capability: p.capability.ID,
		Direction:  p.direction.String(),
		Pool:       p.pool,
		Connected:  p.connector != nil,
		Peer:       p.peer,
	}
}

var _ Endpoint = (*Port)(nil)

// dispatchPool returns the pool a port dispatches to. An empty name selects
// the default plain pool, falling back to the default schedulable pool.
func (b *Base) dispatchPool(name string) (*worker.Pool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if name == "" {
		if p, ok := b.pools[DefaultPool]; ok {
			return p, nil
		}
		if p, ok := b.pools[ScheduledPool]; ok {
			return p, nil
		}
		return nil, errors.WrapInvalid(errors.ErrNoExecutor, "Base", "dispatchPool", b.uri)
	}
	p, ok := b.pools[name]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNoExecutor, name), "Base", "dispatchPool", b.uri)
	}
	return p, nil
}
