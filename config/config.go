package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/c360/cvmkit/errors"
)

// Transport kinds
const (
	TransportWebsocket = "websocket"
	TransportNATS      = "nats"
)

// Directory store backends
const (
	BackendMemory = "memory"  // in-process map, lost when the directory stops
	BackendNATSKV = "nats-kv" // JetStream KV bucket
)

// Config is the resolved deployment description every site of a session
// shares. Each site selects its own components and connections from it.
type Config struct {
	Session           string                `json:"session"`
	DeploymentTimeout time.Duration         `json:"deployment_timeout"`
	ShutdownTimeout   time.Duration         `json:"shutdown_timeout"`
	ForceShutdown     bool                  `json:"force_shutdown,omitempty"`
	Directory         DirectoryConfig       `json:"directory"`
	Transport         TransportConfig       `json:"transport"`
	NATS              NATSConfig            `json:"nats"`
	Metrics           MetricsConfig         `json:"metrics"`
	Sites             map[string]SiteConfig `json:"sites"`
	Components        []ComponentConfig     `json:"components"`
	Connections       []ConnectionConfig    `json:"connections,omitempty"`
}

// DirectoryConfig locates the bootstrap directory. Site names the site that
// serves it; when empty the directory runs as its own process, or, with the
// nats-kv backend, every site talks to the bucket directly.
type DirectoryConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Site    string `json:"site,omitempty"`
	Backend string `json:"backend"`
	Bucket  string `json:"bucket,omitempty"`
}

// TransportConfig selects how invocations cross sites
type TransportConfig struct {
	Kind   string `json:"kind"`
	Prefix string `json:"prefix,omitempty"` // NATS subject prefix
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// MetricsConfig configures the prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `json:"port,omitempty"`
	Path string `json:"path,omitempty"`
}

// SiteConfig is the entry point of one site
type SiteConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AdvertisedHost string `json:"advertised_host,omitempty"`
}

// ComponentConfig binds a component URI to a class and its constructor
// arguments on one site.
type ComponentConfig struct {
	URI     string          `json:"uri"`
	Class   string          `json:"class"`
	Site    string          `json:"site"`
	Args    []string        `json:"args,omitempty"`
	Publish []PublishConfig `json:"publish,omitempty"`
}

// PublishConfig writes the address of one of the component's ports into the
// directory under Key. Port defaults to the component URI, its
// introspection port.
type PublishConfig struct {
	Key  string `json:"key"`
	Port string `json:"port,omitempty"`
}

// ConnectionConfig connects an outbound port of a declared component.
// Exactly one of To (a local port URI or transport address) and Key (a
// directory key) names the target. With Discover the target is a component
// address and the inbound port is found through its introspection port.
type ConnectionConfig struct {
	From     string            `json:"from"`
	Port     string            `json:"port"`
	To       string            `json:"to,omitempty"`
	Key      string            `json:"key,omitempty"`
	Discover bool              `json:"discover,omitempty"`
	Renames  map[string]string `json:"renames,omitempty"`
}

// Validate checks the configuration and fills in defaults derived from
// other fields. Every problem found is reported.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(sentinel error, format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...)))
	}

	if c.Session == "" {
		fail(errors.ErrMissingConfig, "session is required")
	} else if !isValidName(c.Session) {
		fail(errors.ErrInvalidConfig, "session %q must be alphanumeric with dots, dashes, underscores", c.Session)
	}
	if c.DeploymentTimeout <= 0 {
		fail(errors.ErrInvalidConfig, "deployment_timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		fail(errors.ErrInvalidConfig, "shutdown_timeout must be positive")
	}

	switch c.Transport.Kind {
	case TransportWebsocket:
	case TransportNATS:
		if len(c.NATS.URLs) == 0 {
			fail(errors.ErrMissingConfig, "nats.urls is required by the nats transport")
		}
	default:
		fail(errors.ErrInvalidConfig, "transport.kind %q (must be %q or %q)", c.Transport.Kind, TransportWebsocket, TransportNATS)
	}

	switch c.Directory.Backend {
	case BackendMemory:
		if c.Directory.Host == "" {
			fail(errors.ErrMissingConfig, "directory.host is required")
		}
		if c.Directory.Port <= 0 || c.Directory.Port > 65535 {
			fail(errors.ErrInvalidConfig, "directory.port %d out of range", c.Directory.Port)
		}
	case BackendNATSKV:
		if len(c.NATS.URLs) == 0 {
			fail(errors.ErrMissingConfig, "nats.urls is required by the nats-kv directory")
		}
		if c.Directory.Bucket == "" {
			fail(errors.ErrMissingConfig, "directory.bucket is required by the nats-kv directory")
		}
	default:
		fail(errors.ErrInvalidConfig, "directory.backend %q (must be %q or %q)", c.Directory.Backend, BackendMemory, BackendNATSKV)
	}
	if c.Directory.Site != "" {
		if _, ok := c.Sites[c.Directory.Site]; !ok {
			fail(errors.ErrInvalidConfig, "directory.site %q is not a declared site", c.Directory.Site)
		}
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		fail(errors.ErrInvalidConfig, "metrics.port %d out of range", c.Metrics.Port)
	}

	if len(c.Sites) == 0 {
		fail(errors.ErrMissingConfig, "at least one site is required")
	}
	for _, name := range c.SiteNames() {
		site := c.Sites[name]
		if !isValidName(name) {
			fail(errors.ErrInvalidConfig, "site name %q must be alphanumeric with dots, dashes, underscores", name)
		}
		if site.Host == "" {
			fail(errors.ErrMissingConfig, "sites.%s.host is required", name)
		}
		if site.Port < 0 || site.Port > 65535 {
			fail(errors.ErrInvalidConfig, "sites.%s.port %d out of range", name, site.Port)
		}
	}

	declared := make(map[string]bool, len(c.Components))
	for i := range c.Components {
		comp := &c.Components[i]
		if comp.URI == "" {
			fail(errors.ErrMissingConfig, "components[%d].uri is required", i)
			continue
		}
		if declared[comp.URI] {
			fail(errors.ErrInvalidConfig, "component %s declared twice", comp.URI)
		}
		declared[comp.URI] = true
		if comp.Class == "" {
			fail(errors.ErrMissingConfig, "component %s: class is required", comp.URI)
		}
		if _, ok := c.Sites[comp.Site]; !ok {
			fail(errors.ErrInvalidConfig, "component %s: site %q is not a declared site", comp.URI, comp.Site)
		}
		for j := range comp.Publish {
			pub := &comp.Publish[j]
			if !isValidKey(pub.Key) {
				fail(errors.ErrInvalidConfig, "component %s: publish key %q must be a non-empty token", comp.URI, pub.Key)
			}
			if pub.Port == "" {
				pub.Port = comp.URI
			}
		}
	}

	for i, conn := range c.Connections {
		if !declared[conn.From] {
			fail(errors.ErrInvalidConfig, "connections[%d]: component %q is not declared", i, conn.From)
		}
		if conn.Port == "" {
			fail(errors.ErrMissingConfig, "connections[%d]: port is required", i)
		}
		if (conn.To == "") == (conn.Key == "") {
			fail(errors.ErrInvalidConfig, "connections[%d]: exactly one of to and key is required", i)
		}
		if conn.Key != "" && !isValidKey(conn.Key) {
			fail(errors.ErrInvalidConfig, "connections[%d]: key %q must be a non-empty token", i, conn.Key)
		}
	}

	return result.ErrorOrNil()
}

// isValidName checks a name used in directory keys and NATS subjects:
// alphanumeric, dots, dashes and underscores.
func isValidName(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// isValidKey checks a directory key, a single token of the line protocol
func isValidKey(s string) bool {
	return s != "" && strings.IndexFunc(s, unicode.IsSpace) < 0
}

// SiteNames returns the declared sites, sorted
func (c *Config) SiteNames() []string {
	names := make([]string, 0, len(c.Sites))
	for name := range c.Sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ComponentsOn returns the components assigned to a site, in declaration order
func (c *Config) ComponentsOn(site string) []ComponentConfig {
	var out []ComponentConfig
	for _, comp := range c.Components {
		if comp.Site == site {
			out = append(out, comp)
		}
	}
	return out
}

// ConnectionsOn returns the connections whose outbound side lives on a site
func (c *Config) ConnectionsOn(site string) []ConnectionConfig {
	sites := make(map[string]string, len(c.Components))
	for _, comp := range c.Components {
		sites[comp.URI] = comp.Site
	}
	var out []ConnectionConfig
	for _, conn := range c.Connections {
		if sites[conn.From] == site {
			out = append(out, conn)
		}
	}
	return out
}

// SiteAddress returns the listen address of a site, host:port
func (c *Config) SiteAddress(site string) string {
	s := c.Sites[site]
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DirectoryAddress returns the address of the directory server, host:port
func (c *Config) DirectoryAddress() string {
	return net.JoinHostPort(c.Directory.Host, strconv.Itoa(c.Directory.Port))
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "CVM",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the prefix of environment overrides
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers, then applies environment
// overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", path))
		}
		if cfg, err = mergeFromMap(cfg, raw); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", path))
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "validate")
		}
	}
	return cfg, nil
}

// Defaults returns the configuration every layer is merged onto
func Defaults() *Config {
	return &Config{
		DeploymentTimeout: 60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Directory: DirectoryConfig{
			Host:    "127.0.0.1",
			Port:    5555,
			Backend: BackendMemory,
			Bucket:  "cvm-directory",
		},
		Transport: TransportConfig{
			Kind:   TransportWebsocket,
			Prefix: "cvm",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// formatOf returns "json" or "yaml" by file extension, "" otherwise
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".json5":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	default:
		return ""
	}
}

// loadRaw loads a JSON or YAML file as a map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readLayer(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch formatOf(path) {
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations converts duration strings to nanoseconds for json
// unmarshaling
func parseDurations(data map[string]any) error {
	convert := func(m map[string]any, key string) error {
		s, ok := m[key].(string)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		m[key] = d.Nanoseconds()
		return nil
	}

	if err := convert(data, "deployment_timeout"); err != nil {
		return err
	}
	if err := convert(data, "shutdown_timeout"); err != nil {
		return err
	}
	if nats, ok := data["nats"].(map[string]any); ok {
		if err := convert(nats, "reconnect_wait"); err != nil {
			return err
		}
	}
	return nil
}

// mergeFromMap merges a raw layer into base, only overriding the fields
// present in the layer. Lists are replaced, not appended.
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var result *multierror.Error
	env := func(name string) (string, bool) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if val == "" {
			return "", false
		}
		if err := validateEnvVar(key, val); err != nil {
			result = multierror.Append(result, err)
			return "", false
		}
		return val, true
	}
	duration := func(name string, dst *time.Duration) {
		if val, ok := env(name); ok {
			d, err := time.ParseDuration(val)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s_%s: %w", l.envPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	port := func(name string, dst *int) {
		if val, ok := env(name); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s_%s: %w", l.envPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	if val, ok := env("SESSION"); ok {
		cfg.Session = val
	}
	duration("DEPLOYMENT_TIMEOUT", &cfg.DeploymentTimeout)
	duration("SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)

	if val, ok := env("DIRECTORY_HOST"); ok {
		cfg.Directory.Host = val
	}
	port("DIRECTORY_PORT", &cfg.Directory.Port)
	if val, ok := env("DIRECTORY_BACKEND"); ok {
		cfg.Directory.Backend = val
	}

	if val, ok := env("TRANSPORT"); ok {
		cfg.Transport.Kind = val
	}

	if val, ok := env("NATS_URLS"); ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val, ok := env("NATS_USERNAME"); ok {
		cfg.NATS.Username = val
	}
	if val, ok := env("NATS_PASSWORD"); ok {
		cfg.NATS.Password = val
	}
	if val, ok := env("NATS_TOKEN"); ok {
		cfg.NATS.Token = val
	}

	port("METRICS_PORT", &cfg.Metrics.Port)

	return result.ErrorOrNil()
}

// SaveToFile saves the configuration as JSON or YAML depending on the
// file extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch formatOf(path) {
	case "yaml":
		data, err = c.toYAML()
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return writeLayer(path, data)
}

// toYAML goes through JSON so the YAML keys match the json tags. Durations
// are written as strings.
func (c *Config) toYAML() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	raw["deployment_timeout"] = c.DeploymentTimeout.String()
	raw["shutdown_timeout"] = c.ShutdownTimeout.String()
	if nats, ok := raw["nats"].(map[string]any); ok && c.NATS.ReconnectWait > 0 {
		nats["reconnect_wait"] = c.NATS.ReconnectWait.String()
	}
	return yaml.Marshal(raw)
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
