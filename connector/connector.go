// Package connector provides connector variants beyond the plain forwarding
// connector: translation between differently shaped capabilities and
// metering of every call crossing a binding.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/metric"
)

// ArgAdapter rewrites the arguments of one operation
type ArgAdapter func(args []json.RawMessage) ([]json.RawMessage, error)

// ResultAdapter rewrites the result of one operation
type ResultAdapter func(result json.RawMessage) (json.RawMessage, error)

// Translation maps one required-side operation onto an offered-side one.
// An empty Target keeps the operation name and only adapts payloads.
type Translation struct {
	Target string
	Args   ArgAdapter
	Result ResultAdapter
}

// Translating renames operations and adapts payloads so a required
// capability can be served by an offered capability of a different shape.
// Operations without a translation pass through unchanged.
type Translating struct {
	inner        component.Connector
	translations map[string]Translation
}

// Translate returns a ConnectorFactory that wraps next with the given
// translations. A nil next uses the forwarding connector.
func Translate(translations map[string]Translation, next component.ConnectorFactory) component.ConnectorFactory {
	if next == nil {
		next = component.NewForwardingConnector
	}
	return func(ctx context.Context, b component.Binding) (component.Connector, error) {
		inner, err := next(ctx, b)
		if err != nil {
			return nil, err
		}
		if peer, ok := b.To.(*component.Port); ok {
			for from, tr := range translations {
				target := tr.Target
				if target == "" {
					target = from
				}
				if _, declared := peer.Capability().Operation(target); !declared {
					_ = inner.Close()
					return nil, errors.WrapInvalid(
						fmt.Errorf("%w: %s maps to %s, not offered by %s", errors.ErrCapabilityMismatch, from, target, peer.URI()),
						"Translating", "Translate", "translation check")
				}
			}
		}
		return &Translating{inner: inner, translations: translations}, nil
	}
}

// Renames builds translations that only rename operations
func Renames(names map[string]string) map[string]Translation {
	out := make(map[string]Translation, len(names))
	for from, to := range names {
		out[from] = Translation{Target: to}
	}
	return out
}

// Invoke translates the invocation, forwards it and translates the result
func (t *Translating) Invoke(ctx context.Context, inv *component.Invocation) (json.RawMessage, error) {
	tr, ok := t.translations[inv.Operation]
	if !ok {
		return t.inner.Invoke(ctx, inv)
	}

	out := *inv
	if tr.Target != "" {
		out.Operation = tr.Target
	}
	if tr.Args != nil {
		args, err := tr.Args(inv.Args)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Translating", "Invoke", fmt.Sprintf("adapt arguments of %s", inv.Operation))
		}
		out.Args = args
	}

	result, err := t.inner.Invoke(ctx, &out)
	if err != nil {
		return nil, err
	}
	if tr.Result != nil && result != nil {
		adapted, err := tr.Result(result)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Translating", "Invoke", fmt.Sprintf("adapt result of %s", inv.Operation))
		}
		return adapted, nil
	}
	return result, nil
}

// Close closes the wrapped connector
func (t *Translating) Close() error {
	return t.inner.Close()
}

// Metered records the count, status and latency of every call under the
// label of the binding's outbound port.
type Metered struct {
	inner   component.Connector
	port    string
	metrics *metric.Metrics
}

// Meter returns a ConnectorFactory that wraps next with call metrics. A nil
// next uses the forwarding connector.
func Meter(m *metric.Metrics, next component.ConnectorFactory) component.ConnectorFactory {
	if next == nil {
		next = component.NewForwardingConnector
	}
	return func(ctx context.Context, b component.Binding) (component.Connector, error) {
		inner, err := next(ctx, b)
		if err != nil {
			return nil, err
		}
		return &Metered{inner: inner, port: "connector:" + b.From.URI(), metrics: m}, nil
	}
}

// Invoke forwards the call and records it
func (m *Metered) Invoke(ctx context.Context, inv *component.Invocation) (json.RawMessage, error) {
	start := time.Now()
	result, err := m.inner.Invoke(ctx, inv)
	m.metrics.RecordPortCall(m.port, inv.Operation, err, time.Since(start))
	if err != nil {
		m.metrics.RecordError(m.port, errors.Classify(err).String())
	}
	return result, err
}

// Close closes the wrapped connector
func (m *Metered) Close() error {
	return m.inner.Close()
}
