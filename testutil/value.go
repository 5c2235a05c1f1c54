package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
)

// Class identifiers of the reference components
const (
	ProviderClass = "value-provider"
	ConsumerClass = "value-consumer"
	RecorderClass = "recorder"
)

// ValueCapability is offered by ValueProvider and required by ValueConsumer
var ValueCapability = component.NewCapability("value",
	component.Op("provide", "int").Returning("int"),
)

// ProviderPort returns the URI of a provider's offered port
func ProviderPort(uri string) string { return uri + "-in" }

// ConsumerPort returns the URI of a consumer's required port
func ConsumerPort(uri string) string { return uri + "-out" }

// ValueProvider answers provide(v) with v plus its increment
type ValueProvider struct {
	*component.Base
	increment int
	served    atomic.Int64
}

// NewValueProvider creates a provider with one plain thread, which
// serializes its calls
func NewValueProvider(rt *component.Runtime, uri string, increment int) (*ValueProvider, error) {
	b, err := component.NewBase(rt, uri, 1, 0)
	if err != nil {
		return nil, err
	}
	p := &ValueProvider{Base: b, increment: increment}
	if _, err := b.NewOfferedPort(ProviderPort(uri), ValueCapability, component.Handlers{
		"provide": p.provide,
	}); err != nil {
		_ = component.ShutdownNow(b)
		return nil, err
	}
	return p, nil
}

func (p *ValueProvider) provide(_ context.Context, args []json.RawMessage) (any, error) {
	v, err := component.Arg[int](args, 0)
	if err != nil {
		return nil, err
	}
	p.served.Add(1)
	return v + p.increment, nil
}

// Served returns the number of calls answered
func (p *ValueProvider) Served() int64 { return p.served.Load() }

// ValueConsumer requests a value through its required port when executed
// and keeps every value it observed
type ValueConsumer struct {
	*component.Base
	request int
	out     *component.Port

	mu       sync.Mutex
	observed []int
}

// NewValueConsumer creates a consumer that requests request on Execute
func NewValueConsumer(rt *component.Runtime, uri string, request int) (*ValueConsumer, error) {
	b, err := component.NewBase(rt, uri, 1, 1)
	if err != nil {
		return nil, err
	}
	out, err := b.NewRequiredPort(ConsumerPort(uri), ValueCapability)
	if err != nil {
		_ = component.ShutdownNow(b)
		return nil, err
	}
	return &ValueConsumer{Base: b, request: request, out: out}, nil
}

// Execute requests the configured value on the consumer's own pool and
// waits for the answer
func (c *ValueConsumer) Execute(ctx context.Context) error {
	return c.RunTaskAndWait(ctx, component.DefaultPool, func(ctx context.Context) error {
		_, err := c.Request(ctx, c.request)
		return err
	})
}

// Request calls provide(v) on the connected provider and records the result
func (c *ValueConsumer) Request(ctx context.Context, v int) (int, error) {
	got, err := component.CallAs[int](ctx, c.out, "provide", v)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.observed = append(c.observed, got)
	c.mu.Unlock()
	return got, nil
}

// Observed returns the values received so far
func (c *ValueConsumer) Observed() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.observed))
	copy(out, c.observed)
	return out
}

// Register adds the reference classes to a registry
func Register(registry *component.Registry) error {
	if registry == nil {
		return errors.WrapFatal(fmt.Errorf("registry cannot be nil"), "testutil", "Register", "registry validation")
	}

	registrations := []*component.Registration{
		{
			Class:       ProviderClass,
			Description: "answers provide(v) with v plus an increment",
			Signature:   []string{"increment"},
			Factory: func(rt *component.Runtime, uri string, args []string) (component.Component, error) {
				n, err := intArg(args, 0, "increment")
				if err != nil {
					return nil, err
				}
				return NewValueProvider(rt, uri, n)
			},
		},
		{
			Class:       ConsumerClass,
			Description: "requests a value from its provider when executed",
			Signature:   []string{"request"},
			Factory: func(rt *component.Runtime, uri string, args []string) (component.Component, error) {
				n, err := intArg(args, 0, "request")
				if err != nil {
					return nil, err
				}
				return NewValueConsumer(rt, uri, n)
			},
		},
		{
			Class:       RecorderClass,
			Description: "records its lifecycle hooks, optionally failing or blocking in one",
			Factory: func(rt *component.Runtime, uri string, args []string) (component.Component, error) {
				return NewRecorder(rt, uri, args...)
			},
		},
	}

	for _, reg := range registrations {
		if err := registry.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

func intArg(args []string, i int, name string) (int, error) {
	if i >= len(args) {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrMissingConfig, name), "testutil", "intArg", name)
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: %s=%q", errors.ErrInvalidConfig, name, args[i]), "testutil", "intArg", name)
	}
	return n, nil
}
