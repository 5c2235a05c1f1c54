// Package testutil provides reference components and helpers for tests of
// the runtime, the CVMs and the command line.
//
// Reference components:
//
//   - ValueProvider answers provide(v) with v plus its increment.
//   - ValueConsumer requests a value from its provider when executed and
//     keeps what it observed.
//   - Recorder records its lifecycle hooks and can be told to fail in one,
//     or to leave a task running that outlives a graceful shutdown.
//
// Register adds them to a class registry as value-provider, value-consumer
// and recorder, so deployments can name them.
//
// FlakyDirectory wraps a directory and fails every operation after a given
// count, which is how a directory process dying mid-deployment looks.
//
// DeploymentBuilder assembles config.Config values fluently:
//
//	cfg := testutil.NewDeploymentBuilder("s1").
//	    Site("site-x", "127.0.0.1", 0).
//	    Site("site-y", "127.0.0.1", 0).
//	    Provider("x", "site-x", 1).
//	    Publish("x", "X", testutil.ProviderPort("x")).
//	    Consumer("y", "site-y", 10).
//	    ConnectKey("y", testutil.ConsumerPort("y"), "X", false).
//	    Build()
package testutil
