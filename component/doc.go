// Package component provides the runtime model every cvmkit component is
// built on: typed ports wired by connectors, per-component executor pools, a
// forward-only lifecycle, installable plugins and self-describing
// introspection.
//
// # Components
//
// A concrete component embeds *Base, created with NewBase. The base owns the
// component's executor pools, ports and plugins, and publishes an
// introspection port at the component URI. Hooks are optional interfaces:
//
//	type Adder struct {
//		*component.Base
//	}
//
//	func (a *Adder) Start(ctx context.Context) error { ... }   // Starter
//	func (a *Adder) Execute(ctx context.Context) error { ... } // Executor
//
// Lifecycle transitions are driven by the package functions Start, Execute,
// Finalise, Shutdown and ShutdownNow:
//
//	Created -> Started -> Executing -> Finalising -> Shutdown|ShutdownNow -> Terminated
//
// Inbound calls are dispatched from Started through Finalising. Tasks and
// scheduled work are accepted in Executing and Finalising only.
//
// # Ports and connectors
//
// Offered ports serve the operations of a Capability through Handlers;
// required ports call them through a Connector bound by Base.Connect. Every
// inbound call runs as a task on the port's pool. Arguments and results are
// JSON, so a port behaves the same whether the peer is local (resolved from
// the Runtime port table) or remote (resolved by a registered Transport).
//
//	out, _ := b.NewRequiredPort("client-out", adderCapability)
//	_ = b.Connect(ctx, "client-out", "adder-in")
//	sum, err := component.CallAs[int](ctx, out, "add", 10)
//
// # Runtime
//
// Runtime is the explicit per-process context threaded through every
// constructor. It carries the logger, metrics, class registry, local port
// table and transports. There is no package-level state.
package component
