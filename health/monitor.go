package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/cvm"
)

// Deployment is the part of a CVM the monitor reports on
type Deployment interface {
	Phase() cvm.Phase
	Err() error
}

// Monitor reports the health of a site: every component of its runtime and
// the deployment driving them. It serves the report over HTTP.
type Monitor struct {
	rt *component.Runtime

	mu           sync.RWMutex
	deployment   Deployment
	dependencies map[string]bool
	details      map[string]func() string
}

// NewMonitor creates a monitor of rt
func NewMonitor(rt *component.Runtime) *Monitor {
	return &Monitor{rt: rt}
}

// Watch adds the deployment to the report
func (m *Monitor) Watch(d Deployment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployment = d
}

// Track adds an external dependency to the report and returns the function
// that records its connectivity. A tracked dependency starts disconnected.
func (m *Monitor) Track(name string) func(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dependencies == nil {
		m.dependencies = make(map[string]bool)
	}
	m.dependencies[name] = false
	return func(healthy bool) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.dependencies[name] = healthy
	}
}

// Describe sets the function that words the report of a tracked
// dependency in place of the plain connected or disconnected.
func (m *Monitor) Describe(name string, detail func() string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.details == nil {
		m.details = make(map[string]func() string)
	}
	m.details[name] = detail
}

// Check builds the current report, named after the site
func (m *Monitor) Check() Status {
	type dependency struct {
		name    string
		healthy bool
		detail  func() string
	}
	var subs []Status

	m.mu.RLock()
	d := m.deployment
	deps := make([]dependency, 0, len(m.dependencies))
	for name, healthy := range m.dependencies {
		deps = append(deps, dependency{name: name, healthy: healthy, detail: m.details[name]})
	}
	m.mu.RUnlock()

	sort.Slice(deps, func(i, j int) bool { return deps[i].name < deps[j].name })
	for _, dep := range deps {
		message := "disconnected"
		if dep.healthy {
			message = "connected"
		}
		if dep.detail != nil {
			message = dep.detail()
		}
		if dep.healthy {
			subs = append(subs, NewHealthy(dep.name, message))
		} else {
			subs = append(subs, NewUnhealthy(dep.name, message))
		}
	}
	if d != nil {
		subs = append(subs, DeploymentStatus(d))
	}

	for _, uri := range m.rt.Components() {
		if c, ok := m.rt.Component(uri); ok {
			subs = append(subs, FromState(uri, c.Core().State()))
		}
	}
	return Aggregate(m.rt.Site(), subs)
}

// DeploymentStatus reports a deployment. A failed deployment is unhealthy;
// one still deploying or already shutting down is degraded.
func DeploymentStatus(d Deployment) Status {
	const name = "deployment"
	if err := d.Err(); err != nil {
		return FromError(name, err)
	}
	phase := d.Phase()
	switch {
	case phase < cvm.PhaseDeploymentDone:
		return NewDegraded(name, "deploying: "+phase.String())
	case phase >= cvm.PhaseShutdown:
		return NewDegraded(name, "shutting down: "+phase.String())
	default:
		return NewHealthy(name, phase.String())
	}
}

// ServeHTTP writes the report as JSON. Unhealthy sites answer 503.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := m.Check()
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
