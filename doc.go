// Package cvmkit is a component middleware runtime. Applications are
// assemblies of components that talk only through typed ports; a component
// virtual machine (CVM) deploys an assembly on one site or across many,
// walking every site through the same life-cycle phases.
//
// # Building blocks
//
// A component (package component) owns named executor pools, offered and
// required ports, and plugins. An offered port dispatches every inbound
// call as a task on the pool it is bound to, so a single-thread pool
// serializes the component's work. A required port reaches exactly one
// offered port through a connector; the connector decides whether the call
// stays in process or crosses a transport, and the component code is the
// same either way.
//
//	rt := component.NewRuntime("site-a", component.WithLogger(logger))
//	b, _ := component.NewBase(rt, "x", 1, 0)
//	b.NewOfferedPort("x-in", capability, component.Handlers{"provide": provide})
//
// Connectors (package connector) can rename operations and adapt arguments
// between differently shaped capabilities, or meter every call.
//
// Plugins (package plugins/...) factor cross-cutting services out of
// components: pushcontrol turns any component into a periodic producer
// controlled remotely, dynconnect connects ports to peers found through
// their introspection port.
//
// # Deployment
//
// Package cvm drives an assembly through Initialise, InstantiateAndPublish,
// Interconnect, Start, Execute, Finalise and Shutdown. The distributed CVM
// runs one instance per site; the instances publish their entry points in
// the bootstrap directory (package directory, a line protocol over TCP
// backed by memory or a NATS KV bucket) and meet at a barrier after every
// phase, so no site interconnects before all sites have published.
//
// Invocations between sites travel over websocket (transport/websocket) or
// NATS request/reply (transport/natsrpc). Every site also runs a Dynamic
// Component Creator (package creator) that creates and drives components
// of registered classes on behalf of remote callers.
//
// # Operations
//
// The cvm command (cmd/cvm) loads a layered YAML or JSON deployment
// description and runs one site, a single-process deployment, or a
// standalone directory. Runtime metrics are exported for Prometheus
// (package metric) and site health is served next to them (package
// health).
package cvmkit
