package directory

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/metric"
	"github.com/c360/cvmkit/pkg/retry"
)

func startServer(t *testing.T, opts ...ServerOption) (*Server, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	srv := NewServer(store, "127.0.0.1:0", opts...)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, store
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    Command
		wantErr bool
	}{
		{line: "lookup site-x", want: Command{Verb: VerbLookup, Key: "site-x"}},
		{line: "put k v", want: Command{Verb: VerbPut, Key: "k", Value: "v"}},
		{line: "put k ws://h:1/p with spaces", want: Command{Verb: VerbPut, Key: "k", Value: "ws://h:1/p with spaces"}},
		{line: "remove k\r\n", want: Command{Verb: VerbRemove, Key: "k"}},
		{line: "shutdown", want: Command{Verb: VerbShutdown}},
		{line: "", wantErr: true},
		{line: "lookup", wantErr: true},
		{line: "lookup a b", wantErr: true},
		{line: "put k", wantErr: true},
		{line: "shutdown now", wantErr: true},
		{line: "get k", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrProtocol)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "put k a b", Command{Verb: VerbPut, Key: "k", Value: "a b"}.String())
	assert.Equal(t, "lookup k", Command{Verb: VerbLookup, Key: "k"}.String())
	assert.Equal(t, "shutdown", Command{Verb: VerbShutdown}.String())
}

func TestRoundTrip(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv.Address())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", "v"))
	v, err := c.Lookup(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, c.Put(ctx, "addr", "ws://127.0.0.1:9000/x in"))
	v, err = c.Lookup(ctx, "addr")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000/x in", v)

	require.NoError(t, c.Remove(ctx, "k"))
	_, err = c.Lookup(ctx, "k")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	assert.True(t, errors.IsInvalid(err))
}

func TestClientRejectsBadTokens(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv.Address())
	ctx := context.Background()

	assert.ErrorIs(t, c.Put(ctx, "two words", "v"), errors.ErrProtocol)
	assert.ErrorIs(t, c.Put(ctx, "k", "line\nbreak"), errors.ErrProtocol)
	_, err := c.Lookup(ctx, "")
	assert.ErrorIs(t, err, errors.ErrProtocol)
}

func TestMalformedCommandKeepsConnection(t *testing.T) {
	srv, _ := startServer(t)

	conn, err := net.Dial("tcp", srv.Address())
	require.NoError(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	send := func(line string) string {
		_, err := fmt.Fprintf(conn, "%s\n", line)
		require.NoError(t, err)
		reply, err := r.ReadString('\n')
		require.NoError(t, err)
		return reply
	}

	assert.Contains(t, send("frobnicate x"), "error ")
	assert.Contains(t, send("lookup missing"), "error ")
	assert.Equal(t, "ok\n", send("put a b c"))
	assert.Equal(t, "ok b c\n", send("lookup a"))
}

func TestShutdownCommand(t *testing.T) {
	srv, _ := startServer(t)
	c := dial(t, srv.Address())

	require.NoError(t, c.Shutdown(context.Background()))

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("directory did not stop after shutdown")
	}
}

func TestDialUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = Dial(ctx, addr, WithDialRetry(retry.Config{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond}))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnreachable)
	assert.True(t, errors.IsTransient(err))
}

func TestConcurrentClients(t *testing.T) {
	srv, store := startServer(t)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			c, err := Dial(ctx, srv.Address())
			if err != nil {
				return err
			}
			defer c.Close()
			for j := 0; j < 20; j++ {
				if err := c.Put(ctx, fmt.Sprintf("k-%d-%d", i, j), "v"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 160, store.Len())
}

func TestServerMetrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	srv, _ := startServer(t, WithServerMetrics(reg.CoreMetrics()))
	c := dial(t, srv.Address())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "k", "v"))
	_, _ = c.Lookup(ctx, "missing")

	ops := reg.CoreMetrics().DirectoryOps
	assert.Equal(t, float64(1), testutil.ToFloat64(ops.WithLabelValues("put", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ops.WithLabelValues("lookup", "error")))
}

func TestMemoryStoreClosed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	err := s.Put(context.Background(), "k", "v")
	assert.ErrorIs(t, err, errors.ErrDirectoryClosed)
}

func TestLookupWait(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.Put(context.Background(), SiteKey("s1", "site-x"), "ws://127.0.0.1:1")
	}()

	v, err := LookupWait(ctx, store, SiteKey("s1", "site-x"))
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:1", v)
}

func TestLookupWait_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := LookupWait(ctx, NewMemoryStore(), "never")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDeploymentTimeout)
	assert.True(t, errors.IsFatal(err))
}

func TestLookupWait_DirectoryFailure(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := LookupWait(ctx, store, "k")
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrDirectoryClosed)
}

func TestBarrier(t *testing.T) {
	srv, _ := startServer(t)
	sites := []string{"site-a", "site-b", "site-c"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	passed := make(map[string]int)
	epochs := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	for i, site := range sites {
		site := site
		delay := time.Duration(i) * 50 * time.Millisecond
		g.Go(func() error {
			c, err := Dial(gctx, srv.Address())
			if err != nil {
				return err
			}
			defer c.Close()
			time.Sleep(delay)
			b := NewBarrier(c, "s1", site, sites, "Interconnected", "StartDone")
			for _, phase := range []string{"Interconnected", "StartDone"} {
				if err := b.Await(gctx, phase); err != nil {
					return err
				}
				mu.Lock()
				passed[site]++
				mu.Unlock()
			}
			mu.Lock()
			epochs[b.Epoch()] = true
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, map[string]int{"site-a": 2, "site-b": 2, "site-c": 2}, passed)
	assert.Len(t, epochs, 1, "every site joins the same epoch")
}

// awaitAll runs one barrier per site concurrently and returns them once all
// passed phase
func awaitAll(t *testing.T, store Directory, session, phase string, sites ...string) []*Barrier {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	barriers := make([]*Barrier, len(sites))
	g, gctx := errgroup.WithContext(ctx)
	for i, site := range sites {
		barriers[i] = NewBarrier(store, session, site, sites, phase)
		b := barriers[i]
		g.Go(func() error { return b.Await(gctx, phase) })
	}
	require.NoError(t, g.Wait())
	return barriers
}

func TestBarrier_Timeout(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	b := NewBarrier(store, "s1", "site-a", []string{"site-a", "site-b"})
	err := b.Await(ctx, "StartDone")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBarrierTimeout)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "site-b missing")
	assert.Empty(t, b.Epoch())
}

func TestBarrier_FollowerTimesOutWithoutLeader(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	b := NewBarrier(store, "s1", "site-b", []string{"site-a", "site-b"})
	err := b.Await(ctx, "StartDone")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrBarrierTimeout)
	assert.Contains(t, err.Error(), "site-a missing")

	nonce, err := store.Lookup(context.Background(), JoinKey("s1", "site-b"))
	require.NoError(t, err)
	assert.NotEmpty(t, nonce)
}

func TestBarrier_IgnoresEarlierEpoch(t *testing.T) {
	store := NewMemoryStore()
	sites := []string{"site-a", "site-b"}
	first := awaitAll(t, store, "s1", "Interconnected", sites...)
	old := first[0].Epoch()
	require.NotEmpty(t, old)
	require.NoError(t, store.Put(context.Background(), SiteKey("s1", "site-b"), "ws://old"))

	// the same session again, with site-b gone
	for _, site := range sites {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err := NewBarrier(store, "s1", site, sites, "Interconnected").Await(ctx, "Interconnected")
		cancel()
		require.Error(t, err, site)
		assert.ErrorIs(t, err, errors.ErrBarrierTimeout, site)
	}

	// the leader swept what the earlier run left behind
	for _, key := range []string{
		BarrierKey("s1", old, "Interconnected", "site-a"),
		BarrierKey("s1", old, "Interconnected", "site-b"),
		SiteKey("s1", "site-b"),
	} {
		_, err := store.Lookup(context.Background(), key)
		assert.ErrorIs(t, err, errors.ErrKeyNotFound, key)
	}

	second := awaitAll(t, store, "s1", "Interconnected", sites...)
	assert.NotEqual(t, old, second[0].Epoch())
	assert.Equal(t, second[0].Epoch(), second[1].Epoch())
}

func TestBarrier_MarksOutliveFastSites(t *testing.T) {
	store := NewMemoryStore()
	sites := []string{"site-a", "site-b"}
	barriers := awaitAll(t, store, "s1", "Finalise", sites...)

	// a site that passed and left does not strand a site still checking
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, barriers[1].Await(ctx, "Finalise"))
	_, err := store.Lookup(ctx, BarrierKey("s1", barriers[0].Epoch(), "Finalise", "site-a"))
	assert.NoError(t, err)
}
