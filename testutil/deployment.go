package testutil

import (
	"strconv"

	"github.com/c360/cvmkit/config"
)

// DeploymentBuilder builds deployment configurations for tests
type DeploymentBuilder struct {
	cfg *config.Config
}

// NewDeploymentBuilder starts from the loader defaults with the given session
func NewDeploymentBuilder(session string) *DeploymentBuilder {
	cfg := config.Defaults()
	cfg.Session = session
	cfg.Sites = make(map[string]config.SiteConfig)
	return &DeploymentBuilder{cfg: cfg}
}

// Site declares a site listening on host:port
func (b *DeploymentBuilder) Site(name, host string, port int) *DeploymentBuilder {
	b.cfg.Sites[name] = config.SiteConfig{Host: host, Port: port}
	return b
}

// Directory sets the directory address and the site serving it
func (b *DeploymentBuilder) Directory(host string, port int, site string) *DeploymentBuilder {
	b.cfg.Directory.Host = host
	b.cfg.Directory.Port = port
	b.cfg.Directory.Site = site
	return b
}

// Component declares a component
func (b *DeploymentBuilder) Component(uri, class, site string, args ...string) *DeploymentBuilder {
	b.cfg.Components = append(b.cfg.Components, config.ComponentConfig{
		URI: uri, Class: class, Site: site, Args: args,
	})
	return b
}

// Provider declares a value provider with the given increment
func (b *DeploymentBuilder) Provider(uri, site string, increment int) *DeploymentBuilder {
	return b.Component(uri, ProviderClass, site, strconv.Itoa(increment))
}

// Consumer declares a value consumer requesting the given value
func (b *DeploymentBuilder) Consumer(uri, site string, request int) *DeploymentBuilder {
	return b.Component(uri, ConsumerClass, site, strconv.Itoa(request))
}

// Publish publishes a port of a declared component under key. An empty
// port publishes the component's introspection port.
func (b *DeploymentBuilder) Publish(uri, key, port string) *DeploymentBuilder {
	for i := range b.cfg.Components {
		if b.cfg.Components[i].URI == uri {
			b.cfg.Components[i].Publish = append(b.cfg.Components[i].Publish, config.PublishConfig{Key: key, Port: port})
		}
	}
	return b
}

// Connect adds a connection to a local port URI or transport address
func (b *DeploymentBuilder) Connect(from, port, to string) *DeploymentBuilder {
	b.cfg.Connections = append(b.cfg.Connections, config.ConnectionConfig{From: from, Port: port, To: to})
	return b
}

// ConnectKey adds a connection to the address published under key
func (b *DeploymentBuilder) ConnectKey(from, port, key string, discover bool) *DeploymentBuilder {
	b.cfg.Connections = append(b.cfg.Connections, config.ConnectionConfig{
		From: from, Port: port, Key: key, Discover: discover,
	})
	return b
}

// With applies an arbitrary change
func (b *DeploymentBuilder) With(f func(*config.Config)) *DeploymentBuilder {
	f(b.cfg)
	return b
}

// Build returns the configuration. It is not validated.
func (b *DeploymentBuilder) Build() *config.Config {
	return b.cfg.Clone()
}
