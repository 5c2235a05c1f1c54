package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
)

func TestServe(t *testing.T) {
	ctx := context.Background()
	rt := component.NewRuntime("site")
	b, err := component.NewBase(rt, "echo", 1, 0)
	require.NoError(t, err)
	_, err = b.NewOfferedPort("echo-in", component.NewCapability("echo", component.Op("echo", "string")), component.Handlers{
		"echo": func(_ context.Context, args []json.RawMessage) (any, error) {
			return component.Arg[string](args, 0)
		},
	})
	require.NoError(t, err)
	require.NoError(t, component.Start(ctx, b))

	args, _ := component.EncodeArgs("hi")
	reply := Serve(ctx, rt, Request{ID: "1", Port: "echo-in", Operation: "echo", Args: args})
	require.Nil(t, reply.Error)
	v, err := reply.Result("echo-in", "echo")
	require.NoError(t, err)
	assert.JSONEq(t, `"hi"`, string(v))

	reply = Serve(ctx, rt, Request{ID: "2", Port: "missing", Operation: "echo"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, "invalid", reply.Error.Class)

	_, err = reply.Result("missing", "echo")
	assert.True(t, IsRemote(err))
	assert.True(t, errors.IsInvalid(err))
}

func TestServe_OnlyLocalInboundPorts(t *testing.T) {
	ctx := context.Background()
	rt := component.NewRuntime("site")
	relayed := 0
	rt.RegisterTransport("ws", dialerFunc(func(context.Context, string) (component.Endpoint, error) {
		relayed++
		return nil, errors.ErrUnreachable
	}))

	b, err := component.NewBase(rt, "user", 1, 0)
	require.NoError(t, err)
	_, err = b.NewRequiredPort("user-out", component.NewCapability("echo", component.Op("echo", "string")))
	require.NoError(t, err)

	tests := []struct {
		name string
		port string
		want error
	}{
		{"remote address", "ws://10.0.0.1:7001/x-in", errors.ErrPortNotFound},
		{"nats address", "nats://x-in", errors.ErrPortNotFound},
		{"required port", "user-out", errors.ErrWrongDirection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := Serve(ctx, rt, Request{ID: "1", Port: tt.port, Operation: "echo"})
			require.NotNil(t, reply.Error)
			assert.Equal(t, "invalid", reply.Error.Class)
			assert.Contains(t, reply.Error.Message, tt.want.Error())
		})
	}
	assert.Zero(t, relayed, "no transport is dialled on behalf of a peer")
}

type dialerFunc func(context.Context, string) (component.Endpoint, error)

func (f dialerFunc) Dial(ctx context.Context, address string) (component.Endpoint, error) {
	return f(ctx, address)
}
