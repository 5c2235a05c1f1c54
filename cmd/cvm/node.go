package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/componentregistry"
	"github.com/c360/cvmkit/config"
	"github.com/c360/cvmkit/cvm"
	"github.com/c360/cvmkit/directory"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/health"
	"github.com/c360/cvmkit/metric"
	"github.com/c360/cvmkit/natsclient"
	"github.com/c360/cvmkit/pkg/retry"
	"github.com/c360/cvmkit/transport/natsrpc"
	"github.com/c360/cvmkit/transport/websocket"
)

// node holds the process-wide infrastructure of one cvm command: metrics,
// the NATS connection when one is needed, and everything to stop on exit.
type node struct {
	cli     *CLIConfig
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry

	nats    *natsclient.Client
	monitor *health.Monitor
	closers []func(context.Context) error
}

// loadConfig merges the configuration layers and applies flag overrides
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range cli.ConfigPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cli.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = cli.ShutdownTimeout
	}
	if cli.MetricsPort >= 0 {
		cfg.Metrics.Port = cli.MetricsPort
	}
	return cfg, nil
}

func newNode(cli *CLIConfig, cfg *config.Config, logger *slog.Logger) *node {
	return &node{
		cli:     cli,
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
	}
}

// serveMetrics starts the prometheus endpoint when a port is configured. A
// non-nil health handler answers /health.
func (n *node) serveMetrics(healthHandler http.Handler) error {
	if n.cfg.Metrics.Port <= 0 {
		return nil
	}
	var opts []metric.ServerOption
	if healthHandler != nil {
		opts = append(opts, metric.WithHandler("/health", healthHandler))
	}
	srv := metric.NewServer(net.JoinHostPort("", strconv.Itoa(n.cfg.Metrics.Port)), n.cfg.Metrics.Path, n.metrics, opts...)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	n.onClose(srv.Stop)
	n.logger.Info("Metrics server started", "address", srv.Address())
	return nil
}

// onClose registers a cleanup, run in reverse order by close
func (n *node) onClose(f func(context.Context) error) {
	n.closers = append(n.closers, f)
}

// close stops everything the node started, newest first
func (n *node) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ShutdownTimeout)
	defer cancel()

	var result *multierror.Error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	n.closers = nil
	return result.ErrorOrNil()
}

// runtime creates the component runtime of a site with every known class
func (n *node) runtime(site string) (*component.Runtime, error) {
	classes, err := componentregistry.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("register classes: %w", err)
	}
	n.logger.Debug("Component classes registered", "classes", classes.Classes())

	return component.NewRuntime(site,
		component.WithLogger(n.logger),
		component.WithMetricsRegistry(n.metrics),
		component.WithClassRegistry(classes),
		component.WithShutdownTimeout(n.cfg.ShutdownTimeout),
	), nil
}

// natsClient connects to NATS on first use
func (n *node) natsClient(ctx context.Context) (*natsclient.Client, error) {
	if n.nats != nil {
		return n.nats, nil
	}

	opts := append(natsclient.FromConfig(n.cfg.NATS),
		natsclient.WithLogger(n.logger),
		natsclient.WithName(appName),
		natsclient.WithMetrics(n.metrics),
	)
	if n.monitor != nil {
		opts = append(opts, natsclient.WithHealthChangeCallback(n.monitor.Track("nats")))
	}

	client, err := natsclient.NewClient(n.cfg.NATS.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	if n.monitor != nil {
		n.monitor.Describe("nats", func() string { return client.GetStatus().String() })
	}

	n.logger.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	n.nats = client
	n.onClose(client.Close)
	return client, nil
}

// serveSite opens the site's endpoint on the configured transport and
// registers the matching dialer. Created ports are exposed as the CVM
// advertises them.
func (n *node) serveSite(ctx context.Context, rt *component.Runtime) error {
	site := rt.Site()
	switch n.cfg.Transport.Kind {
	case config.TransportNATS:
		client, err := n.natsClient(ctx)
		if err != nil {
			return err
		}
		srv := natsrpc.NewServer(rt, client, natsrpc.WithPrefix(n.cfg.Transport.Prefix))
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start NATS endpoint: %w", err)
		}
		n.onClose(srv.Stop)
		rt.SetAdvertiser(srv.Advertise)
		rt.RegisterTransport(natsrpc.Scheme, natsrpc.NewTransport(client, natsrpc.WithPrefix(n.cfg.Transport.Prefix)))
		n.logger.Info("Site endpoint serving", "site", site, "transport", config.TransportNATS)

	default:
		var opts []websocket.ServerOption
		if host := n.cfg.Sites[site].AdvertisedHost; host != "" {
			opts = append(opts, websocket.WithAdvertisedHost(host))
		}
		srv := websocket.NewServer(rt, n.cfg.SiteAddress(site), opts...)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start websocket endpoint: %w", err)
		}
		n.onClose(srv.Stop)
		rt.SetAdvertiser(srv.Advertise)

		tr := websocket.NewTransport(n.logger)
		rt.RegisterTransport(websocket.Scheme, tr)
		n.onClose(func(context.Context) error { return tr.Close() })
		n.logger.Info("Site endpoint serving", "site", site, "address", srv.Address())
	}
	return nil
}

// openStore creates the storage behind the directory
func (n *node) openStore(ctx context.Context) (directory.Store, error) {
	if n.cfg.Directory.Backend != config.BackendNATSKV {
		return directory.NewMemoryStore(), nil
	}
	client, err := n.natsClient(ctx)
	if err != nil {
		return nil, err
	}
	store, err := directory.NewKVStore(ctx, client, n.cfg.Directory.Bucket)
	if err != nil {
		return nil, err
	}
	n.logger.Info("Directory bucket opened", "bucket", n.cfg.Directory.Bucket)
	return store, nil
}

// serveDirectory starts the line protocol server over a fresh store
func (n *node) serveDirectory(ctx context.Context) (*directory.Server, directory.Store, error) {
	store, err := n.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	srv := directory.NewServer(store, n.cfg.DirectoryAddress(),
		directory.WithServerLogger(n.logger),
		directory.WithServerMetrics(n.metrics.CoreMetrics()),
	)
	if err := srv.Start(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("start directory: %w", err)
	}
	n.onClose(func(context.Context) error { return store.Close() })
	n.onClose(srv.Stop)
	n.logger.Info("Directory serving", "address", srv.Address(), "backend", n.cfg.Directory.Backend)
	return srv, store, nil
}

// directory returns the directory a site deploys through. The hosting site
// serves it and uses its store in-process. Without a hosting site a nats-kv
// bucket is shared directly; otherwise the standalone server is dialed.
func (n *node) directory(ctx context.Context, site string) (directory.Directory, bool, error) {
	switch {
	case n.cfg.Directory.Site == site:
		_, store, err := n.serveDirectory(ctx)
		return store, true, err

	case n.cfg.Directory.Site == "" && n.cfg.Directory.Backend == config.BackendNATSKV:
		store, err := n.openStore(ctx)
		if err != nil {
			return nil, false, err
		}
		n.onClose(func(context.Context) error { return store.Close() })
		return store, false, nil

	default:
		dialCtx, cancel := context.WithTimeout(ctx, n.cfg.DeploymentTimeout)
		defer cancel()
		client, err := directory.Dial(dialCtx, n.cfg.DirectoryAddress(),
			directory.WithClientLogger(n.logger),
			directory.WithDialRetry(retry.UntilDeadline()),
		)
		if err != nil {
			return nil, false, fmt.Errorf("dial directory: %w", err)
		}
		n.onClose(func(context.Context) error { return client.Close() })
		return client, false, nil
	}
}

// cvmOptions returns the options every CVM of this process gets
func (n *node) cvmOptions() []cvm.Option {
	if n.cli.Metered {
		return []cvm.Option{cvm.WithMeteredConnections()}
	}
	return nil
}

// awaitPeersGone holds a hosting site until every other site withdrew its
// entry point, so peers still polling a barrier keep their directory.
func awaitPeersGone(ctx context.Context, dir directory.Directory, cfg *config.Config, site string) error {
	return retry.Poll(ctx, retry.UntilDeadline(), func() (bool, error) {
		for _, peer := range cfg.SiteNames() {
			if peer == site {
				continue
			}
			_, err := dir.Lookup(ctx, directory.SiteKey(cfg.Session, peer))
			if err == nil {
				return false, nil
			}
			if !stderrors.Is(err, errors.ErrKeyNotFound) {
				return false, err
			}
		}
		return true, nil
	})
}
