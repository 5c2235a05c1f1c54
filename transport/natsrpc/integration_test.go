//go:build integration

package natsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/natsclient"
)

var valueCap = component.NewCapability("value",
	component.Op("provide", "int").Returning("int"),
	component.Op("fail"),
)

func TestIntegration_RemoteCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	tc := natsclient.NewTestClient(t)

	// site X serves x-in
	xrt := component.NewRuntime("site-x")
	x, err := component.NewBase(xrt, "x", 2, 0)
	require.NoError(t, err)
	_, err = x.NewOfferedPort("x-in", valueCap, component.Handlers{
		"provide": func(_ context.Context, args []json.RawMessage) (any, error) {
			v, err := component.Arg[int](args, 0)
			return v + 1, err
		},
		"fail": func(context.Context, []json.RawMessage) (any, error) {
			return nil, errors.WrapFatal(fmt.Errorf("no"), "X", "fail", "provide")
		},
	})
	require.NoError(t, err)
	require.NoError(t, component.Start(ctx, x))

	srv := NewServer(xrt, tc.Client)
	require.NoError(t, srv.Start(ctx))
	xrt.SetAdvertiser(srv.Advertise)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	// site Y calls through its own connection
	yrt := component.NewRuntime("site-y")
	yrt.RegisterTransport(Scheme, NewTransport(tc.NewPeer(t)))
	y, err := component.NewBase(yrt, "y", 1, 0)
	require.NoError(t, err)
	out, err := y.NewRequiredPort("y-out", valueCap)
	require.NoError(t, err)
	require.NoError(t, component.Start(ctx, y))

	addr := xrt.AddressOf("x-in")
	assert.Equal(t, "nats://x-in", addr)
	require.NoError(t, y.Connect(ctx, "y-out", addr))

	got, err := component.CallAs[int](ctx, out, "provide", 10)
	require.NoError(t, err)
	assert.Equal(t, 11, got)

	_, err = out.Call(ctx, "fail")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	// nobody serves this subject
	require.NoError(t, y.Disconnect(ctx, "y-out"))
	require.NoError(t, y.Connect(ctx, "y-out", "nats://nowhere-in"))
	_, err = out.Call(ctx, "provide", 1)
	assert.ErrorIs(t, err, errors.ErrUnreachable)
}
