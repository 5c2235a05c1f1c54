package cvm

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/config"
	"github.com/c360/cvmkit/directory"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/metric"
	cvmtest "github.com/c360/cvmkit/testutil"
)

func newRuntime(t *testing.T, site string, opts ...component.RuntimeOption) *component.Runtime {
	t.Helper()
	classes := component.NewRegistry()
	require.NoError(t, cvmtest.Register(classes))
	opts = append([]component.RuntimeOption{component.WithClassRegistry(classes)}, opts...)
	return component.NewRuntime(site, opts...)
}

func valueAssembly() Assembly {
	cfg := cvmtest.NewDeploymentBuilder("s1").
		Provider("x", "", 1).
		Consumer("y", "", 10).
		Connect("y", cvmtest.ConsumerPort("y"), cvmtest.ProviderPort("x")).
		Build()
	return AssemblyFor(cfg, "")
}

func phaseError(t *testing.T, err error) *errors.PhaseError {
	t.Helper()
	var pe *errors.PhaseError
	require.True(t, stderrors.As(err, &pe), "expected a PhaseError, got %v", err)
	return pe
}

func consumer(t *testing.T, c *CVM, uri string) *cvmtest.ValueConsumer {
	t.Helper()
	comp, ok := c.Component(uri)
	require.True(t, ok)
	vc, ok := comp.(*cvmtest.ValueConsumer)
	require.True(t, ok)
	return vc
}

func TestCVM_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	registry := metric.NewMetricsRegistry()
	rt := newRuntime(t, "local", component.WithMetricsRegistry(registry))
	c := New(rt, valueAssembly())

	assert.Equal(t, PhaseCreated, c.Phase())
	require.NoError(t, c.Deploy(ctx))
	assert.Equal(t, PhaseDeploymentDone, c.Phase())
	assert.Len(t, c.Components(), 2)

	y := consumer(t, c, "y")
	connected, err := y.IsConnected(cvmtest.ConsumerPort("y"))
	require.NoError(t, err)
	assert.True(t, connected)

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, PhaseStartDone, c.Phase())
	require.NoError(t, c.Execute(ctx))
	assert.True(t, c.Executed())
	assert.Equal(t, []int{11}, y.Observed())

	require.NoError(t, c.Finalise(ctx))
	assert.Equal(t, PhaseFinaliseDone, c.Phase())
	connected, err = y.IsConnected(cvmtest.ConsumerPort("y"))
	require.NoError(t, err)
	assert.False(t, connected)

	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, PhaseTerminated, c.Phase())
	for _, comp := range c.Components() {
		assert.True(t, comp.Core().IsTerminated(), comp.URI())
	}
	assert.Empty(t, rt.Ports())
	assert.NoError(t, c.Err())

	assert.Equal(t, float64(PhaseTerminated),
		testutil.ToFloat64(registry.CoreMetrics().DeploymentPhase.WithLabelValues("local")))
}

func TestCVM_StepsInOrder(t *testing.T) {
	ctx := context.Background()
	c := New(newRuntime(t, "local"), valueAssembly())

	require.NoError(t, c.Initialise(ctx))
	assert.Equal(t, PhaseInitialised, c.Phase())
	assert.Empty(t, c.Components(), "nothing is created before instantiation")

	require.NoError(t, c.InstantiateAndPublish(ctx))
	assert.Equal(t, PhaseInstantiatedAndPublished, c.Phase())

	require.NoError(t, c.Interconnect(ctx))
	assert.Equal(t, PhaseInterconnected, c.Phase())

	require.NoError(t, c.Deploy(ctx), "deploy finishes what remains")
	assert.Equal(t, PhaseDeploymentDone, c.Phase())
	require.NoError(t, c.ShutdownNow())
}

func TestCVM_Preconditions(t *testing.T) {
	tests := []struct {
		name string
		step func(*CVM, context.Context) error
		want string
	}{
		{"start before deploy", (*CVM).Start, "Start"},
		{"execute before start", (*CVM).Execute, "Execute"},
		{"finalise before start", (*CVM).Finalise, "Finalise"},
		{"interconnect before instantiate", (*CVM).Interconnect, "Interconnect"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c := New(newRuntime(t, "local"), valueAssembly())

			err := tt.step(c, ctx)
			require.Error(t, err)
			pe := phaseError(t, err)
			assert.Equal(t, tt.want, pe.Phase)
			assert.ErrorIs(t, err, errors.ErrInvalidTransition)
			assert.True(t, errors.IsFatal(err))

			// a failed deployment refuses every later step
			err = c.Deploy(ctx)
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err))
			assert.Equal(t, PhaseCreated, c.Phase())
			require.NoError(t, c.ShutdownNow())
			assert.Equal(t, PhaseTerminated, c.Phase())
		})
	}
}

func TestCVM_ExecuteRunsOnce(t *testing.T) {
	ctx := context.Background()
	c := New(newRuntime(t, "local"), valueAssembly())
	require.NoError(t, c.Deploy(ctx))
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Execute(ctx))

	err := c.Execute(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Equal(t, []int{11}, consumer(t, c, "y").Observed())
	require.NoError(t, c.ShutdownNow())
}

func TestCVM_HookFailureStopsDeployment(t *testing.T) {
	ctx := context.Background()
	cfg := cvmtest.NewDeploymentBuilder("s1").
		Component("ok", cvmtest.RecorderClass, "").
		Component("bad", cvmtest.RecorderClass, "", "fail=start").
		Build()
	c := New(newRuntime(t, "local"), AssemblyFor(cfg, ""))

	require.NoError(t, c.Deploy(ctx))
	err := c.Start(ctx)
	require.Error(t, err)
	pe := phaseError(t, err)
	assert.Equal(t, "Start", pe.Phase)
	assert.Equal(t, "local", pe.Site)
	assert.Contains(t, err.Error(), "start refused by bad")
	assert.Equal(t, PhaseDeploymentDone, c.Phase())
	assert.Equal(t, err, c.Err())

	assert.Error(t, c.Execute(ctx), "no later step after a failure")
	require.NoError(t, c.ShutdownNow())
	for _, comp := range c.Components() {
		assert.True(t, comp.Core().IsTerminated())
	}
}

func TestCVM_FinaliseFailureStillFinalisesOthers(t *testing.T) {
	ctx := context.Background()
	cfg := cvmtest.NewDeploymentBuilder("s1").
		Component("a", cvmtest.RecorderClass, "", "fail=finalise").
		Component("b", cvmtest.RecorderClass, "").
		Build()
	c := New(newRuntime(t, "local"), AssemblyFor(cfg, ""))
	require.NoError(t, c.Deploy(ctx))
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Execute(ctx))

	err := c.Finalise(ctx)
	require.Error(t, err)
	assert.Equal(t, "Finalise", phaseError(t, err).Phase)

	b, ok := c.Component("b")
	require.True(t, ok)
	assert.Equal(t, []string{"start", "execute", "finalise"}, b.(*cvmtest.Recorder).Events())
	require.NoError(t, c.ShutdownNow())
}

func TestCVM_InitialiseRejectsBadAssembly(t *testing.T) {
	tests := []struct {
		name     string
		assembly Assembly
		want     error
	}{
		{
			name: "unknown class",
			assembly: Assembly{Components: []config.ComponentConfig{
				{URI: "z", Class: "no-such-class"},
			}},
			want: errors.ErrUnknownComponentCls,
		},
		{
			name: "duplicate component",
			assembly: Assembly{Components: []config.ComponentConfig{
				{URI: "z", Class: cvmtest.RecorderClass},
				{URI: "z", Class: cvmtest.RecorderClass},
			}},
			want: errors.ErrInvalidConfig,
		},
		{
			name: "connection from unknown component",
			assembly: Assembly{Connections: []config.ConnectionConfig{
				{From: "ghost", Port: "ghost-out", To: "x-in"},
			}},
			want: errors.ErrInvalidConfig,
		},
		{
			name: "publish without directory",
			assembly: Assembly{Components: []config.ComponentConfig{
				{URI: "z", Class: cvmtest.RecorderClass, Publish: []config.PublishConfig{{Key: "Z"}}},
			}},
			want: errors.ErrMissingConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(newRuntime(t, "local"), tt.assembly)
			err := c.Initialise(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, "Initialise", phaseError(t, err).Phase)
		})
	}
}

func TestCVM_PublishAndConnectByKey(t *testing.T) {
	ctx := context.Background()
	store := directory.NewMemoryStore()
	cfg := cvmtest.NewDeploymentBuilder("s1").
		Provider("x", "", 1).
		Publish("x", "X", cvmtest.ProviderPort("x")).
		Publish("x", "X-component", "").
		Consumer("y", "", 10).
		ConnectKey("y", cvmtest.ConsumerPort("y"), "X", false).
		Build()
	c := New(newRuntime(t, "local"), AssemblyFor(cfg, ""), WithDirectory(store))

	require.NoError(t, c.Deploy(ctx))
	v, err := store.Lookup(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, cvmtest.ProviderPort("x"), v)
	v, err = store.Lookup(ctx, "X-component")
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Execute(ctx))
	assert.Equal(t, []int{11}, consumer(t, c, "y").Observed())
	require.NoError(t, c.ShutdownNow())
}

func TestCVM_ConnectByDiscovery(t *testing.T) {
	ctx := context.Background()
	cfg := cvmtest.NewDeploymentBuilder("s1").
		Provider("x", "", 5).
		Consumer("y", "", 10).
		With(func(cfg *config.Config) {
			cfg.Connections = append(cfg.Connections, config.ConnectionConfig{
				From: "y", Port: cvmtest.ConsumerPort("y"), To: "x", Discover: true,
			})
		}).
		Build()
	c := New(newRuntime(t, "local"), AssemblyFor(cfg, ""))

	require.NoError(t, c.Deploy(ctx))
	y := consumer(t, c, "y")
	_, installed := y.Plugin("dynconnect")
	assert.True(t, installed)

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Execute(ctx))
	assert.Equal(t, []int{15}, y.Observed())

	require.NoError(t, c.Finalise(ctx))
	require.NoError(t, c.Shutdown(ctx))
}

func TestCVM_KeyedConnectionTimesOut(t *testing.T) {
	cfg := cvmtest.NewDeploymentBuilder("s1").
		Consumer("y", "", 10).
		ConnectKey("y", cvmtest.ConsumerPort("y"), "never-published", false).
		Build()
	c := New(newRuntime(t, "local"), AssemblyFor(cfg, ""),
		WithDirectory(directory.NewMemoryStore()),
		WithDeploymentTimeout(100*time.Millisecond))

	err := c.Deploy(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDeploymentTimeout)
	assert.Equal(t, "Interconnect", phaseError(t, err).Phase)
	require.NoError(t, c.ShutdownNow())
}

func TestCVM_DirectoryFailureIsFatal(t *testing.T) {
	flaky := cvmtest.NewFlakyDirectory(directory.NewMemoryStore())
	flaky.FailAfter(0)
	cfg := cvmtest.NewDeploymentBuilder("s1").
		Provider("x", "", 1).
		Publish("x", "X", cvmtest.ProviderPort("x")).
		Build()
	c := New(newRuntime(t, "local"), AssemblyFor(cfg, ""), WithDirectory(flaky))

	err := c.Deploy(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionLost)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, "InstantiateAndPublish", phaseError(t, err).Phase)
	require.NoError(t, c.ShutdownNow())
}

func TestCVM_ShutdownTimeout(t *testing.T) {
	deploy := func(t *testing.T, opts ...Option) *CVM {
		t.Helper()
		ctx := context.Background()
		cfg := cvmtest.NewDeploymentBuilder("s1").
			Component("slow", cvmtest.RecorderClass, "", "block=2s").
			Build()
		rt := newRuntime(t, "local", component.WithShutdownTimeout(100*time.Millisecond))
		c := New(rt, AssemblyFor(cfg, ""), opts...)
		require.NoError(t, c.Deploy(ctx))
		require.NoError(t, c.Start(ctx))
		require.NoError(t, c.Execute(ctx))
		require.NoError(t, c.Finalise(ctx))
		return c
	}

	t.Run("graceful only", func(t *testing.T) {
		c := deploy(t)
		start := time.Now()
		err := c.Shutdown(context.Background())
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, "Shutdown", phaseError(t, err).Phase)
		assert.Equal(t, PhaseShutdown, c.Phase())

		require.NoError(t, c.ShutdownNow())
		assert.Equal(t, PhaseTerminated, c.Phase())
	})

	t.Run("forced", func(t *testing.T) {
		c := deploy(t, WithForceShutdown(true))
		require.NoError(t, c.Shutdown(context.Background()))
		assert.Equal(t, PhaseTerminated, c.Phase())
		slow, ok := c.Component("slow")
		require.True(t, ok)
		assert.True(t, slow.Core().IsTerminated())
	})
}

func TestCVM_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := New(newRuntime(t, "local"), valueAssembly())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-c.Executing():
	case <-time.After(2 * time.Second):
		t.Fatal("deployment did not reach execution")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.Equal(t, PhaseTerminated, c.Phase())
	assert.Equal(t, []int{11}, consumer(t, c, "y").Observed())
}

func TestCVM_RunShutsDownAfterFailure(t *testing.T) {
	cfg := cvmtest.NewDeploymentBuilder("s1").
		Component("bad", cvmtest.RecorderClass, "", "fail=execute").
		Build()
	c := New(newRuntime(t, "local"), AssemblyFor(cfg, ""))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Execute", phaseError(t, err).Phase)
	assert.Equal(t, PhaseTerminated, c.Phase())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "InstantiatedAndPublished", PhaseInstantiatedAndPublished.String())
	assert.Equal(t, "Terminated", PhaseTerminated.String())
	assert.Equal(t, "Unknown", Phase(99).String())
}
