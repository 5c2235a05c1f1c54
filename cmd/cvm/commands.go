package main

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/config"
	"github.com/c360/cvmkit/creator"
	"github.com/c360/cvmkit/cvm"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/health"
)

// singleSite names the runtime of a single-process deployment
const singleSite = "local"

func newSiteCommand(cli *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "site NAME",
		Short: "Run one site of a distributed deployment",
		Long: `Run the components the configuration assigns to site NAME. The site
publishes its entry point in the directory, waits for every other site of
the session at each phase, and stays executing until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSite(cmd.Context(), cli, args[0])
		},
	}
}

func newSingleCommand(cli *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "single",
		Short: "Run every configured component in this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSingle(cmd.Context(), cli)
		},
	}
}

func newDirectoryCommand(cli *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "directory",
		Short: "Serve the bootstrap directory",
		Long: `Serve the bootstrap directory at directory.host:directory.port until
interrupted or until a client sends the shutdown command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDirectory(cmd.Context(), cli)
		},
	}
}

func newValidateCommand(cli *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print the deployment plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cli)
			if err != nil {
				return err
			}
			return printPlan(cmd, cfg)
		},
	}
}

func runSite(ctx context.Context, cli *CLIConfig, site string) error {
	logger := slog.Default().With("site", site)

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if _, ok := cfg.Sites[site]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: site %q is not declared", errors.ErrInvalidConfig, site),
			"cvm", "site", "site lookup")
	}

	n := newNode(cli, cfg, logger)
	defer func() {
		if err := n.close(); err != nil {
			logger.Warn("Cleanup failed", "error", err)
		}
	}()

	rt, err := n.runtime(site)
	if err != nil {
		return err
	}
	monitor := health.NewMonitor(rt)
	n.monitor = monitor
	if err := n.serveMetrics(monitor); err != nil {
		return err
	}
	if err := n.serveSite(ctx, rt); err != nil {
		return err
	}

	dcc, err := creator.New(rt)
	if err != nil {
		return fmt.Errorf("create component creator: %w", err)
	}
	if err := component.Start(ctx, dcc); err != nil {
		return fmt.Errorf("start component creator: %w", err)
	}
	n.onClose(func(context.Context) error { return stopCreated(rt, dcc) })

	dir, hosting, err := n.directory(ctx, site)
	if err != nil {
		return err
	}

	entry := rt.AddressOf(creator.Port(site))
	d := cvm.DistributedFor(rt, cfg, dir, entry, n.cvmOptions()...)
	monitor.Watch(d)
	logger.Info("Deploying site",
		"session", d.Session(),
		"sites", d.Sites(),
		"entry", entry,
		"components", len(cfg.ComponentsOn(site)))

	runCtx, stop := signalContext(ctx)
	defer stop()
	if err := d.Run(runCtx); err != nil {
		return err
	}
	logger.Info("Site terminated", "session", d.Session(), "peers", d.Peers())

	if hosting {
		waitCtx, cancel := context.WithTimeout(context.Background(), cfg.DeploymentTimeout)
		defer cancel()
		if err := awaitPeersGone(waitCtx, dir, cfg, site); err != nil {
			logger.Warn("Stopping directory with peers still registered", "error", err)
		}
	}
	return nil
}

// stopCreated terminates the creator and whatever it created that is still
// alive
func stopCreated(rt *component.Runtime, dcc *creator.Creator) error {
	for _, uri := range dcc.Instances() {
		if c, ok := rt.Component(uri); ok {
			_ = component.ShutdownNow(c)
		}
	}
	return component.ShutdownNow(dcc)
}

func runSingle(ctx context.Context, cli *CLIConfig) error {
	logger := slog.Default().With("site", singleSite)

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	n := newNode(cli, cfg, logger)
	defer func() {
		if err := n.close(); err != nil {
			logger.Warn("Cleanup failed", "error", err)
		}
	}()

	rt, err := n.runtime(singleSite)
	if err != nil {
		return err
	}
	monitor := health.NewMonitor(rt)
	n.monitor = monitor
	if err := n.serveMetrics(monitor); err != nil {
		return err
	}
	store, err := n.openStore(ctx)
	if err != nil {
		return err
	}
	n.onClose(func(context.Context) error { return store.Close() })

	opts := append([]cvm.Option{
		cvm.WithDirectory(store),
		cvm.WithDeploymentTimeout(cfg.DeploymentTimeout),
		cvm.WithForceShutdown(cfg.ForceShutdown),
	}, n.cvmOptions()...)
	c := cvm.New(rt, cvm.AssemblyFor(cfg, ""), opts...)
	monitor.Watch(c)
	logger.Info("Deploying", "session", cfg.Session, "components", len(cfg.Components))

	runCtx, stop := signalContext(ctx)
	defer stop()
	if err := c.Run(runCtx); err != nil {
		return err
	}
	logger.Info("Deployment terminated", "session", cfg.Session)
	return nil
}

func runDirectory(ctx context.Context, cli *CLIConfig) error {
	logger := slog.Default()

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	n := newNode(cli, cfg, logger)
	defer func() {
		if err := n.close(); err != nil {
			logger.Warn("Cleanup failed", "error", err)
		}
	}()

	if err := n.serveMetrics(nil); err != nil {
		return err
	}

	runCtx, stop := signalContext(ctx)
	defer stop()

	srv, _, err := n.serveDirectory(runCtx)
	if err != nil {
		return err
	}

	select {
	case <-runCtx.Done():
		logger.Info("Received shutdown signal")
	case <-srv.Done():
		logger.Info("Directory shut down by client")
	}
	return nil
}

// printPlan writes the sites with their components and connections
func printPlan(cmd *cobra.Command, cfg *config.Config) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "session\t%s\n", cfg.Session)
	_, _ = fmt.Fprintf(w, "transport\t%s\n", cfg.Transport.Kind)
	directoryAt := cfg.DirectoryAddress()
	if cfg.Directory.Site != "" {
		directoryAt += " (on " + cfg.Directory.Site + ")"
	}
	_, _ = fmt.Fprintf(w, "directory\t%s %s\n", cfg.Directory.Backend, directoryAt)

	for _, site := range cfg.SiteNames() {
		_, _ = fmt.Fprintf(w, "\nsite %s\t%s\n", site, cfg.SiteAddress(site))
		for _, comp := range cfg.ComponentsOn(site) {
			_, _ = fmt.Fprintf(w, "  %s\t%s %v\n", comp.URI, comp.Class, comp.Args)
		}
		for _, conn := range cfg.ConnectionsOn(site) {
			target := conn.To
			if conn.Key != "" {
				target = "key " + conn.Key
			}
			if conn.Discover {
				target += " (discover)"
			}
			_, _ = fmt.Fprintf(w, "  %s\t-> %s\n", conn.Port, target)
		}
	}
	return w.Flush()
}
