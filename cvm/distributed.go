package cvm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/config"
	"github.com/c360/cvmkit/directory"
	"github.com/c360/cvmkit/errors"
)

// Distributed is the CVM of one site in a multi-site deployment. On top of
// the single-process phases it publishes the site's entry point under
// site/<session>/<site>, waits for the entry points of every peer site
// before interconnecting, and meets the other sites at a barrier after
// every step up to Finalise.
type Distributed struct {
	*CVM

	dir     directory.Directory
	session string
	sites   []string
	entry   string
	barrier *directory.Barrier

	mu    sync.Mutex
	peers map[string]string
}

// NewDistributed creates the CVM of site rt.Site(). sites lists every site
// of the session, this one included. entry is the address other sites reach
// this one through.
func NewDistributed(rt *component.Runtime, assembly Assembly, dir directory.Directory,
	session string, sites []string, entry string, opts ...Option) *Distributed {
	opts = append([]Option{WithDirectory(dir)}, opts...)
	d := &Distributed{
		CVM:     New(rt, assembly, opts...),
		dir:     dir,
		session: session,
		sites:   append([]string(nil), sites...),
		entry:   entry,
		barrier: directory.NewBarrier(dir, session, rt.Site(), sites, barrierSteps...),
		peers:   make(map[string]string),
	}
	sort.Strings(d.sites)
	d.hooks.afterPublish = d.publishEntry
	d.hooks.afterStep = d.rendezvous
	return d
}

// DistributedFor creates the CVM of site from a deployment configuration.
// opts are applied after the ones derived from cfg.
func DistributedFor(rt *component.Runtime, cfg *config.Config, dir directory.Directory, entry string,
	opts ...Option) *Distributed {
	opts = append([]Option{
		WithDeploymentTimeout(cfg.DeploymentTimeout),
		WithForceShutdown(cfg.ForceShutdown),
	}, opts...)
	return NewDistributed(rt, AssemblyFor(cfg, rt.Site()), dir, cfg.Session, cfg.SiteNames(), entry, opts...)
}

// barrierSteps are the steps followed by a barrier
var barrierSteps = []string{
	"Initialise", "InstantiateAndPublish", "Interconnect", "Deploy", "Start", executed, "Finalise",
}

// Epoch returns the barrier epoch of this deployment, known once the
// Initialise barrier was joined
func (d *Distributed) Epoch() string { return d.barrier.Epoch() }

// Session returns the deployment session
func (d *Distributed) Session() string { return d.session }

// Sites returns every site of the session
func (d *Distributed) Sites() []string {
	return append([]string(nil), d.sites...)
}

// Peers returns the entry points of the other sites, known once
// InstantiateAndPublish is done
func (d *Distributed) Peers() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.peers))
	for site, entry := range d.peers {
		out[site] = entry
	}
	return out
}

func (d *Distributed) publishEntry(ctx context.Context) error {
	site := d.rt.Site()
	if err := d.dir.Put(ctx, directory.SiteKey(d.session, site), d.entry); err != nil {
		return errors.WrapFatal(err, "Distributed", "publishEntry", site)
	}
	d.logger.Info("Entry point published", "session", d.session, "entry", d.entry)

	wctx, cancel := context.WithTimeout(ctx, d.deploymentTimeout)
	defer cancel()
	for _, peer := range d.sites {
		if peer == site {
			continue
		}
		entry, err := directory.LookupWait(wctx, d.dir, directory.SiteKey(d.session, peer))
		if err != nil {
			return errors.WrapFatal(err, "Distributed", "lookupPeers", peer)
		}
		d.mu.Lock()
		d.peers[peer] = entry
		d.mu.Unlock()
		d.logger.Debug("Peer site found", "peer", peer, "entry", entry)
	}
	return nil
}

func (d *Distributed) rendezvous(ctx context.Context, step string) error {
	wctx, cancel := context.WithTimeout(ctx, d.deploymentTimeout)
	defer cancel()
	if err := d.barrier.Await(wctx, step); err != nil {
		return fmt.Errorf("barrier after %s: %w", step, err)
	}
	d.logger.Debug("Barrier passed", "step", step, "sites", len(d.sites))
	return nil
}

// Shutdown shuts the site down and withdraws its entry point. Withdrawal is
// best effort since peers may already have stopped the directory.
func (d *Distributed) Shutdown(ctx context.Context) error {
	if err := d.CVM.Shutdown(ctx); err != nil {
		return err
	}
	d.withdraw(ctx)
	return nil
}

// Run deploys, starts and executes the site, waits until ctx is done and
// then finalises and shuts down
func (d *Distributed) Run(ctx context.Context) error {
	if err := d.CVM.Run(ctx); err != nil {
		return err
	}
	d.withdraw(context.WithoutCancel(ctx))
	return nil
}

func (d *Distributed) withdraw(ctx context.Context) {
	if err := d.dir.Remove(ctx, directory.SiteKey(d.session, d.rt.Site())); err != nil {
		d.logger.Debug("Entry point not withdrawn", "error", err)
	}
}
