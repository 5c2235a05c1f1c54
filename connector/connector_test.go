package connector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/metric"
)

var (
	requiredCap = component.NewCapability("counter",
		component.Op("increment", "int").Returning("int"),
		component.Op("reset"))
	offeredCap = component.NewCapability("counter",
		component.Op("addOne", "Request").Returning("Response"),
		component.Op("reset"))
)

type request struct {
	Value int `json:"value"`
}

type response struct {
	Sum int `json:"sum"`
}

func setup(t *testing.T, rt *component.Runtime) (*component.Base, *component.Port) {
	t.Helper()
	server, err := component.NewBase(rt, "server", 1, 0)
	require.NoError(t, err)
	_, err = server.NewOfferedPort("server-in", offeredCap, component.Handlers{
		"addOne": func(_ context.Context, args []json.RawMessage) (any, error) {
			req, err := component.Arg[request](args, 0)
			if err != nil {
				return nil, err
			}
			return response{Sum: req.Value + 1}, nil
		},
		"reset": func(context.Context, []json.RawMessage) (any, error) { return nil, nil },
	})
	require.NoError(t, err)

	client, err := component.NewBase(rt, "client", 1, 0)
	require.NoError(t, err)
	out, err := client.NewRequiredPort("client-out", requiredCap)
	require.NoError(t, err)

	require.NoError(t, component.Start(context.Background(), server))
	require.NoError(t, component.Start(context.Background(), client))
	return client, out
}

func incrementTranslation() map[string]Translation {
	return map[string]Translation{
		"increment": {
			Target: "addOne",
			Args: func(args []json.RawMessage) ([]json.RawMessage, error) {
				v, err := component.Arg[int](args, 0)
				if err != nil {
					return nil, err
				}
				return component.EncodeArgs(request{Value: v})
			},
			Result: func(result json.RawMessage) (json.RawMessage, error) {
				r, err := component.Decode[response](result)
				if err != nil {
					return nil, err
				}
				return json.Marshal(r.Sum)
			},
		},
	}
}

func TestTranslating(t *testing.T) {
	ctx := context.Background()
	rt := component.NewRuntime("site")
	client, out := setup(t, rt)

	require.NoError(t, client.Connect(ctx, "client-out", "server-in",
		component.WithConnector(Translate(incrementTranslation(), nil))))

	got, err := component.CallAs[int](ctx, out, "increment", 10)
	require.NoError(t, err)
	assert.Equal(t, 11, got)

	// untranslated operations pass through
	_, err = out.Call(ctx, "reset")
	assert.NoError(t, err)
}

func TestTranslating_UnknownTarget(t *testing.T) {
	ctx := context.Background()
	rt := component.NewRuntime("site")
	client, _ := setup(t, rt)

	err := client.Connect(ctx, "client-out", "server-in",
		component.WithConnector(Translate(Renames(map[string]string{"increment": "missing"}), nil)))
	assert.ErrorIs(t, err, errors.ErrCapabilityMismatch)
}

func TestTranslating_PayloadOnly(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps the operation name", func(t *testing.T) {
		rt := component.NewRuntime("site")
		client, out := setup(t, rt)
		adapted := 0
		translations := incrementTranslation()
		translations["reset"] = Translation{Args: func([]json.RawMessage) ([]json.RawMessage, error) {
			adapted++
			return nil, nil
		}}

		require.NoError(t, client.Connect(ctx, "client-out", "server-in",
			component.WithConnector(Translate(translations, nil))))
		_, err := out.Call(ctx, "reset")
		require.NoError(t, err)
		assert.Equal(t, 1, adapted)
	})

	t.Run("name must be offered", func(t *testing.T) {
		rt := component.NewRuntime("site")
		client, _ := setup(t, rt)
		translations := map[string]Translation{"increment": {Result: func(r json.RawMessage) (json.RawMessage, error) { return r, nil }}}

		err := client.Connect(ctx, "client-out", "server-in", component.WithConnector(Translate(translations, nil)))
		assert.ErrorIs(t, err, errors.ErrCapabilityMismatch)
	})
}

func TestMetered(t *testing.T) {
	ctx := context.Background()
	reg := metric.NewMetricsRegistry()
	rt := component.NewRuntime("site")
	client, out := setup(t, rt)

	factory := Meter(reg.CoreMetrics(), Translate(incrementTranslation(), nil))
	require.NoError(t, client.Connect(ctx, "client-out", "server-in", component.WithConnector(factory)))

	for i := 0; i < 3; i++ {
		_, err := out.Call(ctx, "increment", i)
		require.NoError(t, err)
	}

	calls := reg.CoreMetrics().PortCalls.WithLabelValues("connector:client-out", "increment", "success")
	assert.Equal(t, 3.0, testutil.ToFloat64(calls))
}
