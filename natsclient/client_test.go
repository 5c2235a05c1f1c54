package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cvmkit/config"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/metric"
)

func TestNewClient(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", client.URL())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.False(t, client.IsHealthy())
}

func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithRequestTimeout(0))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestFromConfig(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", FromConfig(config.NATSConfig{
		MaxReconnects: 3,
		ReconnectWait: 5 * time.Second,
		Username:      "site",
		Password:      "secret",
	})...)
	require.NoError(t, err)
	assert.Equal(t, 3, client.maxReconnects)
	assert.Equal(t, 5*time.Second, client.reconnectWait)
	assert.Equal(t, "site", client.username)
	assert.Empty(t, client.token)

	client, err = NewClient("nats://localhost:4222", FromConfig(config.NATSConfig{MaxReconnects: -1, Token: "t"})...)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, client.reconnectWait)
	assert.Equal(t, "t", client.token)
}

func TestNewClient_NegativeDuration(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithReconnectWait(-time.Second))
	assert.True(t, errors.IsInvalid(err))
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	client, err := NewClient("nats://invalid:4222")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		client.recordFailure()
	}
	assert.NotEqual(t, StatusCircuitOpen, client.Status())

	client.recordFailure()
	assert.Equal(t, StatusCircuitOpen, client.Status())
	assert.Equal(t, int32(5), client.Failures())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	require.Equal(t, StatusCircuitOpen, client.Status())

	client.resetCircuit()
	assert.Equal(t, int32(0), client.Failures())
	assert.Equal(t, StatusDisconnected, client.Status())
	assert.Equal(t, time.Second, client.Backoff())
}

func TestCircuitBreaker_ExponentialBackoff(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithMaxBackoff(8*time.Second))
	require.NoError(t, err)

	assert.Equal(t, time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 2*time.Second, client.Backoff())

	for i := 0; i < 5; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 4*time.Second, client.Backoff())

	for i := 0; i < 50; i++ {
		client.recordFailure()
	}
	assert.Equal(t, 8*time.Second, client.Backoff())
}

func TestCircuitBreaker_FailsFast(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	client.recordFailure()
	require.Equal(t, StatusCircuitOpen, client.Status())

	ctx := context.Background()
	assert.ErrorIs(t, client.Connect(ctx), errors.ErrCircuitOpen)

	_, err = client.Request(ctx, "cvm.port", nil)
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)

	_, err = client.GetKeyValueBucket(ctx, "directory")
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)
}

func TestNotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx := context.Background()

	_, err = client.Request(ctx, "cvm.port", []byte("{}"))
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	err = client.Publish(ctx, "cvm.port", []byte("{}"))
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	_, err = client.Serve(ctx, "cvm.port", "", func(context.Context, []byte) []byte { return nil })
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestConnect_Unreachable(t *testing.T) {
	client, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(200*time.Millisecond),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(1), client.Failures())
}

func TestConcurrentFailures(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(10))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.recordFailure()
			_ = client.Status()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), client.Failures())
	assert.Equal(t, StatusCircuitOpen, client.Status())
}

func TestWaitForConnection_Timeout(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = client.WaitForConnection(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestMetrics_StatusGauge(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := NewClient("nats://localhost:4222", WithMetrics(registry), WithCircuitBreakerThreshold(1))
	require.NoError(t, err)

	client.recordFailure()
	assert.Equal(t, float64(StatusCircuitOpen), testutil.ToFloat64(client.metrics.status))

	client.resetCircuit()
	assert.Equal(t, float64(StatusDisconnected), testutil.ToFloat64(client.metrics.status))

	// a second client on the same URL would collide
	_, err = NewClient("nats://localhost:4222", WithMetrics(registry))
	assert.Error(t, err)
}

func TestKeyEncoding(t *testing.T) {
	tests := []struct {
		key     string
		encoded string
	}{
		{"site/s1/site-x", "site.s1.site-x"},
		{"barrier/s1/StartDone/x", "barrier.s1.StartDone.x"},
		{"provider.port", "provider=2Eport"},
		{"a b=c", "a=20b=3Dc"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.encoded, EncodeKey(tt.key))
			assert.Equal(t, tt.key, DecodeKey(tt.encoded))
		})
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())

	tests := []struct {
		status Status
		want   string
	}{
		{Status{Status: StatusConnected, RTT: 2 * time.Millisecond}, "connected, rtt 2ms"},
		{Status{Status: StatusCircuitOpen, FailureCount: 5}, "circuit_open, 5 failures"},
		{Status{Status: StatusDisconnected}, "disconnected"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestGetStatus_NotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(2))
	require.NoError(t, err)

	status := client.GetStatus()
	assert.Equal(t, StatusDisconnected, status.Status)
	assert.Zero(t, status.RTT)
	assert.True(t, status.LastFailureTime.IsZero())
	assert.Equal(t, "disconnected", status.String())
}
