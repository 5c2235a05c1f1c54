// Package natsclient manages a NATS connection for the runtime: circuit
// breaker protected connect, request/reply serving for the NATS invocation
// transport, and JetStream KV buckets backing the durable directory store.
//
// The circuit opens after a threshold of consecutive failures (default 5) and
// doubles its backoff on every round, up to a maximum. While open, Connect,
// Request and the bucket operations fail fast with errors.ErrCircuitOpen.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	reply, err := client.Request(ctx, "cvm.port.provider", payload)
//
// KV keys are arbitrary strings; EncodeKey maps them onto the restricted NATS
// key alphabet so directory keys such as "site/<session>/<site>" round-trip.
//
// TestClient starts a NATS server in a container through testcontainers-go
// for integration tests (build tag integration).
package natsclient
