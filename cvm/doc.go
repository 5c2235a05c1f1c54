// Package cvm provides the component virtual machines that deploy component
// assemblies and drive them through their life-cycle.
//
// A CVM deploys into a single component.Runtime. Its steps run in a fixed
// order, each asserting that the previous one completed:
//
//	Created -> Initialised -> InstantiatedAndPublished -> Interconnected
//	        -> DeploymentDone -> StartDone -> FinaliseDone -> Shutdown -> Terminated
//
// Execute runs once between StartDone and Finalise without a phase of its
// own. A failing step returns an *errors.PhaseError naming the site and the
// step; after it only ShutdownNow is accepted.
//
// Distributed is the CVM of one site of a multi-site session. While
// instantiating it publishes the site's entry point under
// site/<session>/<site> and waits for every peer's entry point, and after
// each step up to Finalise it waits at a directory barrier until every site
// of the session has completed the same step. Every wait is bounded by the
// deployment timeout.
//
// Example:
//
//	cfg, _ := config.NewLoader().LoadFile("deployment.yaml")
//	rt := component.NewRuntime("site-x", component.WithClassRegistry(classes))
//	d := cvm.DistributedFor(rt, cfg, dirClient, endpoint.Address())
//	if err := d.Run(ctx); err != nil {
//	    var pe *errors.PhaseError
//	    ...
//	}
package cvm
