//go:build integration

package cvm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/cvmkit/config"
	"github.com/c360/cvmkit/directory"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/natsclient"
	cvmtest "github.com/c360/cvmkit/testutil"
	"github.com/c360/cvmkit/transport/natsrpc"
)

// NATSDeploymentSuite deploys two sites that share nothing but a NATS
// server: invocations use request/reply and the directory is a KV bucket
// both sites open directly.
type NATSDeploymentSuite struct {
	suite.Suite
	testClient *natsclient.TestClient
	ctx        context.Context
	cancel     context.CancelFunc
	bucket     string
	seq        int
}

func (s *NATSDeploymentSuite) SetupSuite() {
	s.testClient = natsclient.NewTestClient(s.T(), natsclient.WithJetStream())
}

func (s *NATSDeploymentSuite) SetupTest() {
	s.seq++
	s.bucket = fmt.Sprintf("cvm-it-%d", s.seq)
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 30*time.Second)
}

func (s *NATSDeploymentSuite) TearDownTest() {
	s.cancel()
}

// site wires one site on its own NATS connection
func (s *NATSDeploymentSuite) site(name string, cfg *config.Config) (*Distributed, directory.Store) {
	t := s.T()
	client := s.testClient.NewPeer(t)
	rt := newRuntime(t, name)

	srv := natsrpc.NewServer(rt, client, natsrpc.WithPrefix(cfg.Session))
	s.Require().NoError(srv.Start(s.ctx))
	rt.SetAdvertiser(srv.Advertise)
	rt.RegisterTransport(natsrpc.Scheme, natsrpc.NewTransport(client, natsrpc.WithPrefix(cfg.Session)))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	store, err := directory.NewKVStore(s.ctx, client, s.bucket)
	s.Require().NoError(err)
	return DistributedFor(rt, cfg, store, natsrpc.Address(name)), store
}

func (s *NATSDeploymentSuite) config(discover bool) *config.Config {
	b := cvmtest.NewDeploymentBuilder("nats-it").
		Site("site-x", "127.0.0.1", 0).
		Site("site-y", "127.0.0.1", 0).
		Provider("x", "site-x", 1).
		Publish("x", "X", cvmtest.ProviderPort("x")).
		Publish("x", "X-component", "").
		Consumer("y", "site-y", 10).
		With(func(cfg *config.Config) {
			cfg.DeploymentTimeout = 10 * time.Second
			cfg.Transport.Kind = config.TransportNATS
			cfg.Directory.Backend = config.BackendNATSKV
		})
	if discover {
		return b.ConnectKey("y", cvmtest.ConsumerPort("y"), "X-component", true).Build()
	}
	return b.ConnectKey("y", cvmtest.ConsumerPort("y"), "X", false).Build()
}

func (s *NATSDeploymentSuite) TestFullLifecycle() {
	cfg := s.config(false)
	x, store := s.site("site-x", cfg)
	y, _ := s.site("site-y", cfg)
	sites := []*Distributed{x, y}

	steps := []func(*Distributed, context.Context) error{
		(*Distributed).Deploy,
		(*Distributed).Start,
		(*Distributed).Execute,
	}
	for _, step := range steps {
		s.Require().NoError(inParallel(s.ctx, sites, func(ctx context.Context, d *Distributed) error {
			return step(d, ctx)
		}))
	}

	published, err := store.Lookup(s.ctx, "X")
	s.Require().NoError(err)
	s.Equal(natsrpc.Address(cvmtest.ProviderPort("x")), published)
	s.Equal([]int{11}, consumer(s.T(), y.CVM, "y").Observed())

	s.Require().NoError(inParallel(s.ctx, sites, func(ctx context.Context, d *Distributed) error {
		return d.Finalise(ctx)
	}))
	s.Require().NoError(inParallel(s.ctx, sites, func(ctx context.Context, d *Distributed) error {
		return d.Shutdown(ctx)
	}))
	s.Equal(PhaseTerminated, x.Phase())
	s.Equal(PhaseTerminated, y.Phase())

	_, err = store.Lookup(s.ctx, directory.SiteKey(cfg.Session, "site-y"))
	s.ErrorIs(err, errors.ErrKeyNotFound)
}

func (s *NATSDeploymentSuite) TestDiscoveryOverNATS() {
	cfg := s.config(true)
	x, _ := s.site("site-x", cfg)
	y, _ := s.site("site-y", cfg)
	sites := []*Distributed{x, y}

	s.Require().NoError(inParallel(s.ctx, sites, func(ctx context.Context, d *Distributed) error {
		return d.Deploy(ctx)
	}))
	s.Require().NoError(inParallel(s.ctx, sites, func(ctx context.Context, d *Distributed) error {
		if err := d.Start(ctx); err != nil {
			return err
		}
		return d.Execute(ctx)
	}))
	s.Equal([]int{11}, consumer(s.T(), y.CVM, "y").Observed())

	s.Require().NoError(inParallel(s.ctx, sites, func(ctx context.Context, d *Distributed) error {
		if err := d.Finalise(ctx); err != nil {
			return err
		}
		return d.Shutdown(ctx)
	}))
}

func TestNATSDeploymentSuite(t *testing.T) {
	suite.Run(t, new(NATSDeploymentSuite))
}
