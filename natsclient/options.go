package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/cvmkit/config"
	"github.com/c360/cvmkit/metric"
)

// ClientOption configures a Client before it connects
type ClientOption func(*Client) error

// FromConfig translates the nats section of a deployment into options.
// A zero reconnect wait keeps the client default.
func FromConfig(cfg config.NATSConfig) []ClientOption {
	opts := []ClientOption{WithMaxReconnects(cfg.MaxReconnects)}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Username != "" {
		opts = append(opts, WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, WithToken(cfg.Token))
	}
	return opts
}

// WithLogger sets the logger; nil selects slog.Default
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			logger = slog.Default()
		}
		c.logger = logger
		return nil
	}
}

// WithName sets the connection name shown by the server
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.clientName = name
		return nil
	}
}

// WithCredentials authenticates with a user and password
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username, c.password = username, password
		return nil
	}
}

// WithToken authenticates with a token
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithMaxReconnects bounds reconnection attempts; -1 retries forever
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnection attempts
func WithReconnectWait(d time.Duration) ClientOption {
	return setDuration(func(c *Client) *time.Duration { return &c.reconnectWait }, d)
}

// WithTimeout bounds the initial connection attempt
func WithTimeout(d time.Duration) ClientOption {
	return setDuration(func(c *Client) *time.Duration { return &c.timeout }, d)
}

// WithHealthInterval sets how often the connection is probed. Zero
// disables probing.
func WithHealthInterval(d time.Duration) ClientOption {
	return setDuration(func(c *Client) *time.Duration { return &c.healthInterval }, d)
}

func setDuration(field func(*Client) *time.Duration, d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("duration must not be negative, got %v", d)
		}
		*field(c) = d
		return nil
	}
}

// WithRequestTimeout bounds requests and handler contexts that carry no
// deadline of their own
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("request timeout must be positive, got %v", d)
		}
		c.requestTimeout = d
		return nil
	}
}

// WithCircuitBreakerThreshold sets the consecutive connection failures that
// open the circuit. Values below one select the default of five.
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(c *Client) error {
		if threshold < 1 {
			threshold = 5
		}
		c.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff caps the wait of an open circuit. Values below a second
// select one minute.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = time.Minute
		}
		c.maxBackoff = d
		return nil
	}
}

// WithHealthChangeCallback reports every change of connectivity, from
// disconnect and reconnect events as well as from health probes
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error {
		c.onHealthChange = fn
		return nil
	}
}

// WithMetrics registers connection status and request metrics with registry.
// A nil registry disables metrics.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry == nil {
			return nil
		}
		m, err := newClientMetrics(registry, c.url)
		if err != nil {
			return err
		}
		c.metrics = m
		return nil
	}
}
