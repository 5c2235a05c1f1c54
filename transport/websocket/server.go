// Package websocket carries remote invocations between sites over
// gorilla/websocket. Each site runs one Server; peers share one multiplexed
// connection per site, opened lazily by the Transport.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/cvmkit/component"
	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/transport"
)

// Scheme is the address scheme served by this transport
const Scheme = "ws"

// Server is a site's entry point: it accepts websocket connections from
// peer sites and dispatches their requests to local inbound ports.
type Server struct {
	rt       *component.Runtime
	addr     string
	host     string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	conns    map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithAdvertisedHost sets the host written into advertised addresses when it
// differs from the listen address, e.g. when listening on 0.0.0.0.
func WithAdvertisedHost(host string) ServerOption {
	return func(s *Server) {
		s.host = host
	}
}

// NewServer creates the entry point of a site listening on addr
func NewServer(rt *component.Runtime, addr string, opts ...ServerOption) *Server {
	s := &Server{
		rt:     rt,
		addr:   addr,
		logger: rt.Logger().With("transport", "websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(fmt.Errorf("server already running"), "Server", "Start", "running check")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listener = ln
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Websocket server stopped", "error", err)
		}
	}(s.server)

	s.logger.Info("Site endpoint listening", "address", s.Address())
	return nil
}

// Stop closes the listener and every peer connection
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return nil
	}
	srv := s.server
	s.server = nil
	s.cancel()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	err := srv.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown http server")
	}
	return nil
}

// Address returns the base address peers dial, ws://host:port
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	host, port, _ := net.SplitHostPort(s.listener.Addr().String())
	if s.host != "" {
		host = s.host
	}
	return fmt.Sprintf("%s://%s", Scheme, net.JoinHostPort(host, port))
}

// Advertise returns the address of a local port, ws://host:port/<portURI>.
// It is installed as the runtime advertiser by the site.
func (s *Server) Advertise(portURI string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Address() + "/" + portURI
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Debug("Peer connected", "remote", r.RemoteAddr)
	go s.serveConn(ctx, conn)
}

// serveConn reads requests until the connection closes. Each request is
// served on its own goroutine; replies share the connection under a write
// lock.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				s.logger.Debug("Peer connection closed", "error", err)
			}
			return
		}

		var req transport.Request
		if err := json.Unmarshal(message, &req); err != nil {
			s.logger.Warn("Malformed request frame", "error", err)
			continue
		}

		inflight.Add(1)
		go func(req transport.Request) {
			defer inflight.Done()
			reply := transport.Serve(ctx, s.rt, req)
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(reply); err != nil {
				s.logger.Debug("Reply write failed", "id", req.ID, "error", err)
			}
		}(req)
	}
}
