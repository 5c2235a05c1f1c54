package dynconnect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/testutil"
)

func setup(t *testing.T) (*testutil.ValueProvider, *testutil.ValueConsumer, *Plugin) {
	t.Helper()
	rt := component.NewRuntime("local")
	x, err := testutil.NewValueProvider(rt, "x", 2)
	require.NoError(t, err)
	y, err := testutil.NewValueConsumer(rt, "y", 10)
	require.NoError(t, err)

	p := New("")
	require.NoError(t, y.InstallPlugin(p))
	t.Cleanup(func() {
		_ = component.ShutdownNow(x)
		_ = component.ShutdownNow(y)
	})
	return x, y, p
}

func TestConnectByCapability(t *testing.T) {
	ctx := context.Background()
	x, y, p := setup(t)

	_, ok := y.Port("y/" + DefaultURI)
	assert.True(t, ok, "introspection port created on install")

	address, err := p.Connect(ctx, testutil.ConsumerPort("y"), "x")
	require.NoError(t, err)
	assert.Equal(t, testutil.ProviderPort("x"), address)
	assert.Equal(t, map[string]string{testutil.ConsumerPort("y"): "x"}, p.Peers())

	require.NoError(t, component.Start(ctx, x))
	require.NoError(t, component.Start(ctx, y))
	got, err := y.Request(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	introspection, _ := y.Port("y/" + DefaultURI)
	assert.False(t, introspection.Connected(), "introspection released after discovery")
}

func TestConnect_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("not installed", func(t *testing.T) {
		_, err := New("").Connect(ctx, "y-out", "x")
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("unknown port", func(t *testing.T) {
		_, _, p := setup(t)
		_, err := p.Connect(ctx, "no-such-port", "x")
		assert.ErrorIs(t, err, errors.ErrPortNotFound)
	})

	t.Run("peer without the capability", func(t *testing.T) {
		rt := component.NewRuntime("local")
		other, err := testutil.NewRecorder(rt, "other")
		require.NoError(t, err)
		y, err := testutil.NewValueConsumer(rt, "y", 1)
		require.NoError(t, err)
		p := New("")
		require.NoError(t, y.InstallPlugin(p))

		_, err = p.Connect(ctx, testutil.ConsumerPort("y"), "other")
		assert.ErrorIs(t, err, errors.ErrPortNotFound)
		assert.Empty(t, p.Peers())
		_ = component.ShutdownNow(other)
		_ = component.ShutdownNow(y)
	})

	t.Run("unreachable peer", func(t *testing.T) {
		_, _, p := setup(t)
		_, err := p.Connect(ctx, testutil.ConsumerPort("y"), "nobody")
		assert.Error(t, err)
	})
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	_, y, p := setup(t)

	_, err := p.Connect(ctx, testutil.ConsumerPort("y"), "x")
	require.NoError(t, err)
	require.NoError(t, p.Disconnect(ctx, testutil.ConsumerPort("y")))

	connected, err := y.IsConnected(testutil.ConsumerPort("y"))
	require.NoError(t, err)
	assert.False(t, connected)

	assert.ErrorIs(t, p.Disconnect(ctx, testutil.ConsumerPort("y")), errors.ErrNotConnected)
}

func TestFinaliseDisconnectsDynamicPorts(t *testing.T) {
	ctx := context.Background()
	x, y, p := setup(t)

	_, err := p.Connect(ctx, testutil.ConsumerPort("y"), "x")
	require.NoError(t, err)
	require.NoError(t, component.Start(ctx, x))
	require.NoError(t, component.Start(ctx, y))

	require.NoError(t, component.Finalise(ctx, y))
	connected, err := y.IsConnected(testutil.ConsumerPort("y"))
	require.NoError(t, err)
	assert.False(t, connected)
	assert.Empty(t, p.Peers())

	require.NoError(t, component.Shutdown(ctx, y))
	_, ok := y.Port("y/" + DefaultURI)
	assert.False(t, ok, "plugin ports removed on shutdown")
}
