package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cvmkit/errors"
)

const twoSitesYAML = `
session: lab-1
deployment_timeout: 20s
directory:
  host: 127.0.0.1
  port: 6001
  site: site-a
sites:
  site-a: {host: 127.0.0.1, port: 7001}
  site-b: {host: 127.0.0.1, port: 7002}
components:
  - uri: x
    class: value-provider
    site: site-a
    args: ["1"]
    publish:
      - key: X
        port: x-in
  - uri: y
    class: value-consumer
    site: site-b
    args: ["10"]
connections:
  - from: y
    port: y-out
    key: X
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func validConfig() *Config {
	cfg := Defaults()
	cfg.Session = "s1"
	cfg.Sites = map[string]SiteConfig{
		"site-a": {Host: "127.0.0.1", Port: 7001},
	}
	cfg.Components = []ComponentConfig{
		{URI: "x", Class: "value-provider", Site: "site-a", Publish: []PublishConfig{{Key: "X"}}},
	}
	return cfg
}

func TestLoader_LoadYAML(t *testing.T) {
	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(writeFile(t, "deploy.yaml", twoSitesYAML))
	require.NoError(t, err)

	assert.Equal(t, "lab-1", cfg.Session)
	assert.Equal(t, 20*time.Second, cfg.DeploymentTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout, "default kept")
	assert.Equal(t, "127.0.0.1:6001", cfg.DirectoryAddress())
	assert.Equal(t, BackendMemory, cfg.Directory.Backend)
	assert.Equal(t, TransportWebsocket, cfg.Transport.Kind)
	assert.Equal(t, []string{"site-a", "site-b"}, cfg.SiteNames())
	assert.Equal(t, "127.0.0.1:7002", cfg.SiteAddress("site-b"))

	onA := cfg.ComponentsOn("site-a")
	require.Len(t, onA, 1)
	assert.Equal(t, "x", onA[0].URI)
	assert.Equal(t, []PublishConfig{{Key: "X", Port: "x-in"}}, onA[0].Publish)

	assert.Empty(t, cfg.ConnectionsOn("site-a"))
	conns := cfg.ConnectionsOn("site-b")
	require.Len(t, conns, 1)
	assert.Equal(t, "X", conns[0].Key)
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.yaml", twoSitesYAML)
	override := writeFile(t, "override.json", `{
		"session": "lab-2",
		"transport": {"kind": "nats"},
		"nats": {"urls": ["nats://nats:4222"], "reconnect_wait": "500ms"},
		"directory": {"backend": "nats-kv"}
	}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	loader.EnableValidation(true)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "lab-2", cfg.Session)
	assert.Equal(t, TransportNATS, cfg.Transport.Kind)
	assert.Equal(t, "cvm", cfg.Transport.Prefix, "nested default survives the merge")
	assert.Equal(t, []string{"nats://nats:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait)
	assert.Equal(t, BackendNATSKV, cfg.Directory.Backend)
	assert.Equal(t, 6001, cfg.Directory.Port, "base layer kept")
	assert.Len(t, cfg.Components, 2)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("CVM_SESSION", "from-env")
	t.Setenv("CVM_DIRECTORY_PORT", "6100")
	t.Setenv("CVM_DEPLOYMENT_TIMEOUT", "3s")
	t.Setenv("CVM_NATS_URLS", "nats://a:4222,nats://b:4222")

	cfg, err := NewLoader().LoadFile(writeFile(t, "deploy.yaml", twoSitesYAML))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Session)
	assert.Equal(t, 6100, cfg.Directory.Port)
	assert.Equal(t, 3*time.Second, cfg.DeploymentTimeout)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
}

func TestLoader_BadEnvOverride(t *testing.T) {
	t.Setenv("CVM_DIRECTORY_PORT", "not-a-port")

	_, err := NewLoader().LoadFile(writeFile(t, "deploy.yaml", twoSitesYAML))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "deploy.toml", "session = 1"},
		{"malformed json", "deploy.json", `{"session": `},
		{"malformed yaml", "deploy.yaml", "session: [unclosed"},
		{"bad duration", "deploy.json", `{"deployment_timeout": "soon"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoader_ValidationFailure(t *testing.T) {
	loader := NewLoader()
	loader.EnableValidation(true)
	_, err := loader.LoadFile(writeFile(t, "deploy.json", `{"session": "s1"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		sentinel error
	}{
		{"missing session", func(c *Config) { c.Session = "" }, errors.ErrMissingConfig},
		{"session with slash", func(c *Config) { c.Session = "a/b" }, errors.ErrInvalidConfig},
		{"zero deployment timeout", func(c *Config) { c.DeploymentTimeout = 0 }, errors.ErrInvalidConfig},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, errors.ErrInvalidConfig},
		{"nats transport without urls", func(c *Config) {
			c.Transport.Kind = TransportNATS
			c.NATS.URLs = nil
		}, errors.ErrMissingConfig},
		{"unknown backend", func(c *Config) { c.Directory.Backend = "etcd" }, errors.ErrInvalidConfig},
		{"directory port", func(c *Config) { c.Directory.Port = 0 }, errors.ErrInvalidConfig},
		{"directory site undeclared", func(c *Config) { c.Directory.Site = "site-z" }, errors.ErrInvalidConfig},
		{"no sites", func(c *Config) {
			c.Sites = nil
			c.Components = nil
		}, errors.ErrMissingConfig},
		{"component on unknown site", func(c *Config) { c.Components[0].Site = "site-z" }, errors.ErrInvalidConfig},
		{"duplicate component", func(c *Config) {
			c.Components = append(c.Components, c.Components[0])
		}, errors.ErrInvalidConfig},
		{"publish key with space", func(c *Config) { c.Components[0].Publish[0].Key = "a b" }, errors.ErrInvalidConfig},
		{"connection from undeclared", func(c *Config) {
			c.Connections = []ConnectionConfig{{From: "nobody", Port: "p", To: "x"}}
		}, errors.ErrInvalidConfig},
		{"connection with to and key", func(c *Config) {
			c.Connections = []ConnectionConfig{{From: "x", Port: "p", To: "y", Key: "Y"}}
		}, errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Session = ""
	cfg.Transport.Kind = "smoke-signals"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidate_DefaultsPublishPort(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "x", cfg.Components[0].Publish[0].Port)
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	for _, name := range []string{"out.json", "out.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, cfg.SaveToFile(path))

			loaded, err := NewLoader().LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, cfg.Session, loaded.Session)
			assert.Equal(t, cfg.DeploymentTimeout, loaded.DeploymentTimeout)
			assert.Equal(t, cfg.Components, loaded.Components)
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	cfg := validConfig()
	clone := cfg.Clone()
	clone.Components[0].URI = "changed"
	assert.Equal(t, "x", cfg.Components[0].URI)
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": [1, {"b": "}"}]}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [}`)))

	deep := make([]byte, 0, 2*(maxJSONDepth+1))
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, '[')
	}
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, ']')
	}
	assert.Error(t, validateJSONDepth(deep))
}

func TestReadLayer(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "site.yaml")
	require.NoError(t, os.WriteFile(good, []byte("session: s\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	data, err := readLayer(good)
	require.NoError(t, err)
	assert.Equal(t, "session: s\n", string(data))

	// relative paths may leave the working directory
	rel, err := filepath.Rel(mustGetwd(t), good)
	require.NoError(t, err)
	_, err = readLayer(rel)
	assert.NoError(t, err)

	for _, path := range []string{"", filepath.Join(dir, "notes.txt"), dir + "/missing.yaml"} {
		_, err := readLayer(path)
		assert.Error(t, err, path)
	}

	sub := filepath.Join(dir, "layer.json")
	require.NoError(t, os.Mkdir(sub, 0o700))
	_, err = readLayer(sub)
	assert.ErrorContains(t, err, "not a regular file")
}

func TestWriteLayer_OwnerOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, writeLayer(path, []byte("{}")))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Error(t, writeLayer(path+".txt", []byte("{}")))
}

func mustGetwd(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	return wd
}
