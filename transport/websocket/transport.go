package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/transport"
)

// Transport dials peer sites. Connections are shared per site and reference
// counted by the endpoints that use them.
type Transport struct {
	dialer *websocket.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewTransport creates a websocket transport
func NewTransport(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.With("transport", "websocket"),
		sessions: make(map[string]*session),
	}
}

// Dial returns an endpoint for the port at address, ws://host:port/<portURI>
func (t *Transport) Dial(ctx context.Context, address string) (component.Endpoint, error) {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("bad websocket address %q", address), "Transport", "Dial", "address parsing")
	}
	site := fmt.Sprintf("%s://%s/", u.Scheme, u.Host)

	s, err := t.session(ctx, site)
	if err != nil {
		return nil, err
	}
	return &endpoint{session: s, port: component.PortPath(address)}, nil
}

func (t *Transport) session(ctx context.Context, site string) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[site]; ok && !s.isClosed() {
		s.refs++
		return s, nil
	}

	conn, _, err := t.dialer.DialContext(ctx, site, nil)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrUnreachable, err), "Transport", "Dial", site)
	}

	s := &session{
		site:    site,
		conn:    conn,
		pending: make(map[string]chan transport.Reply),
		done:    make(chan struct{}),
		refs:    1,
		owner:   t,
		logger:  t.logger.With("peer", site),
	}
	t.sessions[site] = s
	go s.readLoop()
	return s, nil
}

func (t *Transport) release(s *session) {
	t.mu.Lock()
	s.refs--
	last := s.refs <= 0
	if last && t.sessions[s.site] == s {
		delete(t.sessions, s.site)
	}
	t.mu.Unlock()
	if last {
		s.close()
	}
}

// Close closes every open session
func (t *Transport) Close() error {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	return nil
}

// session is one multiplexed connection to a peer site
type session struct {
	site   string
	conn   *websocket.Conn
	owner  *Transport
	logger *slog.Logger
	refs   int

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan transport.Reply
	closed  bool
	done    chan struct{}
}

func (s *session) readLoop() {
	defer s.close()
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("Session read ended", "error", err)
			return
		}
		var reply transport.Reply
		if err := json.Unmarshal(message, &reply); err != nil {
			s.logger.Warn("Malformed reply frame", "error", err)
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[reply.ID]
		delete(s.pending, reply.ID)
		s.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

func (s *session) call(ctx context.Context, req transport.Request) (transport.Reply, error) {
	ch := make(chan transport.Reply, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.Reply{}, errors.WrapTransient(errors.ErrConnectionLost, "Session", "call", s.site)
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()

	s.writeMu.Lock()
	err := s.conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		s.forget(req.ID)
		return transport.Reply{}, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "Session", "call", "write request")
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-s.done:
		return transport.Reply{}, errors.WrapTransient(errors.ErrConnectionLost, "Session", "call", s.site)
	case <-ctx.Done():
		s.forget(req.ID)
		return transport.Reply{}, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err()), "Session", "call", req.Operation)
	}
}

func (s *session) forget(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// endpoint stands for one remote port
type endpoint struct {
	session *session
	port    string
	once    sync.Once
}

// Accept sends the invocation and waits for the reply. Remote failures come
// back as *errors.RemoteError with their class preserved.
func (e *endpoint) Accept(ctx context.Context, inv *component.Invocation) (json.RawMessage, error) {
	req := transport.NewRequest(inv)
	req.Port = e.port
	reply, err := e.session.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return reply.Result(e.port, inv.Operation)
}

// Close releases the shared session
func (e *endpoint) Close() error {
	e.once.Do(func() {
		e.session.owner.release(e.session)
	})
	return nil
}
