// Package natsrpc carries remote invocations over NATS request/reply. A port
// is reachable at nats://<portURI>; requests travel on subject
// <prefix>.<portURI> in the same frames the websocket transport uses.
package natsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/natsclient"
	"github.com/c360/cvmkit/transport"
)

// Scheme is the address scheme served by this transport
const Scheme = "nats"

// DefaultPrefix is the subject prefix used when none is configured
const DefaultPrefix = "cvm"

// Subject returns the subject a port listens on
func Subject(prefix, portURI string) string {
	return prefix + "." + portURI
}

// Address returns the address of a port
func Address(portURI string) string {
	return Scheme + "://" + portURI
}

// Option configures a Server or Transport
type Option func(*options)

type options struct {
	prefix string
	queue  string
}

// WithPrefix sets the subject prefix
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithQueueGroup makes replicas of a port share requests through a queue group
func WithQueueGroup(queue string) Option {
	return func(o *options) {
		o.queue = queue
	}
}

func buildOptions(opts []Option) options {
	o := options{prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Server exposes a site's inbound ports on NATS. Each exposed port gets its
// own subscription, so requests for ports no site serves fail with no
// responders instead of timing out.
type Server struct {
	rt     *component.Runtime
	client *natsclient.Client
	opts   options
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	subs    map[string]*nats.Subscription
	running bool
}

// NewServer creates the NATS entry point of a site
func NewServer(rt *component.Runtime, client *natsclient.Client, opts ...Option) *Server {
	return &Server{
		rt:     rt,
		client: client,
		opts:   buildOptions(opts),
		logger: rt.Logger().With("transport", "nats"),
		subs:   make(map[string]*nats.Subscription),
	}
}

// Start exposes every inbound port already published in the runtime. Ports
// created later are exposed when they are advertised.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.WrapInvalid(fmt.Errorf("server already running"), "Server", "Start", "running check")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	for _, uri := range s.rt.Ports() {
		if err := s.Expose(uri); err != nil && !errors.IsInvalid(err) {
			return err
		}
	}
	s.logger.Info("NATS site endpoint serving", "prefix", s.opts.prefix)
	return nil
}

// Stop removes every subscription
func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.cancel()

	var firstErr error
	for uri, sub := range s.subs {
		if err := s.client.Unsubscribe(sub); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.subs, uri)
	}
	return firstErr
}

// Expose subscribes the subject of a local inbound port. Exposing a port
// twice is a no-op.
func (s *Server) Expose(portURI string) error {
	p, ok := s.rt.Port(portURI)
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrPortNotFound, portURI), "Server", "Expose", "local lookup")
	}
	if !p.Direction().Inbound() {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrWrongDirection, portURI), "Server", "Expose", "direction check")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return errors.WrapInvalid(fmt.Errorf("server not running"), "Server", "Expose", "running check")
	}
	if _, ok := s.subs[portURI]; ok {
		return nil
	}

	subject := Subject(s.opts.prefix, portURI)
	sub, err := s.client.Serve(s.ctx, subject, s.opts.queue, s.handle)
	if err != nil {
		return errors.WrapTransient(err, "Server", "Expose", subject)
	}
	s.subs[portURI] = sub
	s.logger.Debug("Port exposed", "port", portURI, "subject", subject)
	return nil
}

// Advertise exposes a local port and returns its address. It is installed
// as the runtime advertiser by the site.
func (s *Server) Advertise(portURI string) string {
	if _, local := s.rt.Port(portURI); local {
		if err := s.Expose(portURI); err != nil && !errors.IsInvalid(err) {
			s.logger.Warn("Failed to expose port", "port", portURI, "error", err)
		}
	}
	return Address(portURI)
}

func (s *Server) handle(ctx context.Context, data []byte) []byte {
	var req transport.Request
	var reply transport.Reply
	if err := json.Unmarshal(data, &req); err != nil {
		reply = transport.ErrorReply("", errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrProtocol, err),
			"Server", "handle", "decode request"))
	} else {
		reply = transport.Serve(ctx, s.rt, req)
	}

	out, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Failed to encode reply", "id", reply.ID, "error", err)
		return nil
	}
	return out
}

// Transport dials ports exposed by other sites on the same NATS cluster.
type Transport struct {
	client *natsclient.Client
	opts   options
}

// NewTransport creates a NATS transport over client
func NewTransport(client *natsclient.Client, opts ...Option) *Transport {
	return &Transport{client: client, opts: buildOptions(opts)}
}

// Dial returns an endpoint for nats://<portURI>. No traffic is sent until
// the first invocation.
func (t *Transport) Dial(_ context.Context, address string) (component.Endpoint, error) {
	scheme, ok := component.Scheme(address)
	if !ok || scheme != Scheme {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownScheme, address), "Transport", "Dial", "address parsing")
	}
	port := component.PortPath(address)
	if port == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("empty port in %q", address), "Transport", "Dial", "address parsing")
	}
	if !t.client.IsHealthy() {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Transport", "Dial", address)
	}
	return &endpoint{client: t.client, port: port, subject: Subject(t.opts.prefix, port)}, nil
}

type endpoint struct {
	client  *natsclient.Client
	port    string
	subject string
}

// Accept sends the invocation and waits for the reply
func (e *endpoint) Accept(ctx context.Context, inv *component.Invocation) (json.RawMessage, error) {
	req := transport.NewRequest(inv)
	req.Port = e.port

	data, err := json.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Endpoint", "Accept", "encode request")
	}

	out, err := e.client.Request(ctx, e.subject, data)
	if err != nil {
		return nil, err
	}

	var reply transport.Reply
	if err := json.Unmarshal(out, &reply); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrProtocol, err), "Endpoint", "Accept", "decode reply")
	}
	return reply.Result(e.port, inv.Operation)
}
