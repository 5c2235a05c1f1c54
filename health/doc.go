// Package health reports whether a site is serving.
//
// A report is a tree of Status values in one of three states:
//   - healthy: the part is serving calls
//   - degraded: the part is between states (deploying, finalising, draining)
//   - unhealthy: the part failed or was stopped abruptly
//
// Aggregate rolls children up, so a single unhealthy component marks the
// whole site unhealthy.
//
// Monitor builds the report of one runtime: a status per live component,
// derived from its lifecycle state, plus the deployment driving them once
// Watch is called. It implements http.Handler and answers 503 while the
// site is unhealthy, which makes it usable as a liveness probe:
//
//	mon := health.NewMonitor(rt)
//	mon.Watch(site)
//	srv := metric.NewServer(":9100", "/metrics", registry, metric.WithHandler("/health", mon))
//
// Failure messages are sanitized before they are reported: URLs, paths,
// addresses and credentials are replaced by placeholders.
package health
