package directory

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/pkg/retry"
)

// Client talks to a directory Server over one TCP connection. Requests are
// serialized; a broken connection is re-dialled on the next request.
type Client struct {
	addr      string
	logger    *slog.Logger
	timeout   time.Duration
	dialRetry retry.Config
	opRetry   retry.Config

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientLogger sets the client logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRequestTimeout bounds each request when the context has no deadline
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithDialRetry sets the backoff used while the directory is not yet up
func WithDialRetry(cfg retry.Config) ClientOption {
	return func(c *Client) {
		c.dialRetry = cfg
	}
}

// Dial connects to the directory at addr (host:port), retrying while it is
// not yet listening.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		addr:      addr,
		logger:    slog.Default(),
		timeout:   5 * time.Second,
		dialRetry: retry.Quick(),
		opRetry:   retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("directory", addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect requires c.mu
func (c *Client) connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := retry.DoWithResult(ctx, c.dialRetry, func() (net.Conn, error) {
		return d.DialContext(ctx, "tcp", c.addr)
	})
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrUnreachable, err), "Client", "Dial", c.addr)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

// dropConn requires c.mu
func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.reader = nil
}

// Put stores value under key
func (c *Client) Put(ctx context.Context, key, value string) error {
	_, err := c.do(ctx, Command{Verb: VerbPut, Key: key, Value: value})
	return err
}

// Lookup returns the value under key
func (c *Client) Lookup(ctx context.Context, key string) (string, error) {
	return c.do(ctx, Command{Verb: VerbLookup, Key: key})
}

// Remove deletes key
func (c *Client) Remove(ctx context.Context, key string) error {
	_, err := c.do(ctx, Command{Verb: VerbRemove, Key: key})
	return err
}

// Shutdown asks the directory process to stop
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, Command{Verb: VerbShutdown})
	return err
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.dropConn()
	return nil
}

// do sends one command, retrying transport failures. Error replies are
// returned without retry.
func (c *Client) do(ctx context.Context, cmd Command) (string, error) {
	if cmd.Verb != VerbShutdown {
		if err := validateToken(cmd.Key); err != nil {
			return "", err
		}
	}
	if strings.ContainsAny(cmd.Value, "\r\n") {
		return "", errors.WrapInvalid(fmt.Errorf("%w: value must fit on one line", errors.ErrProtocol),
			"Client", string(cmd.Verb), cmd.Key)
	}

	var reply string
	err := retry.Do(ctx, c.opRetry, func() error {
		var err error
		reply, err = c.roundTrip(ctx, cmd)
		if err != nil && !errors.IsTransient(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			return "", nre.Err
		}
		return "", errors.WrapTransient(err, "Client", string(cmd.Verb), cmd.Key)
	}
	return reply, nil
}

func (c *Client) roundTrip(ctx context.Context, cmd Command) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", errors.WrapInvalid(errors.ErrDirectoryClosed, "Client", string(cmd.Verb), "closed check")
	}
	if c.conn == nil {
		if err := c.connect(ctx); err != nil {
			return "", err
		}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	_ = c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write([]byte(cmd.String() + "\n")); err != nil {
		c.dropConn()
		return "", errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "Client", string(cmd.Verb), "write request")
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.dropConn()
		return "", errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "Client", string(cmd.Verb), "read reply")
	}

	payload, ok := parseReply(line)
	if !ok {
		return "", errorFromReply(cmd, payload)
	}
	return payload, nil
}

// errorFromReply maps an error reply to a classified error. Missing keys map to
// errors.ErrKeyNotFound; everything else is reported as a protocol failure
// carrying the server's message.
func errorFromReply(cmd Command, msg string) error {
	sentinel := errors.ErrProtocol
	if strings.Contains(msg, errors.ErrKeyNotFound.Error()) {
		sentinel = errors.ErrKeyNotFound
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", sentinel, msg), "Client", string(cmd.Verb), cmd.Key)
}

func validateToken(key string) error {
	if key == "" || strings.ContainsAny(key, " \t\r\n") {
		return errors.WrapInvalid(fmt.Errorf("%w: key %q must be a single non-empty token", errors.ErrProtocol, key),
			"Client", "validate", "key check")
	}
	return nil
}
