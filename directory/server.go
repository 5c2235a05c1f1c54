package directory

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/c360/cvmkit/errors"
	"github.com/c360/cvmkit/metric"
)

// maxLineSize bounds one protocol line
const maxLineSize = 64 * 1024

// Server serves a Store over the line protocol. Each connection carries any
// number of commands; a malformed command gets an error reply and the
// connection stays open.
type Server struct {
	store   Store
	addr    string
	logger  *slog.Logger
	metrics *metric.Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the server logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerMetrics records every request in the core metrics
func WithServerMetrics(m *metric.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a directory server for store, listening on addr
func NewServer(store Store, addr string, opts ...ServerOption) *Server {
	s := &Server{
		store:  store,
		addr:   addr,
		logger: slog.Default(),
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "directory")
	return s
}

// Start binds the listener and accepts connections in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.WrapInvalid(fmt.Errorf("directory already listening on %s", s.listener.Addr()),
			"Server", "Start", "running check")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	s.logger.Info("Directory listening", "address", ln.Addr().String())
	return nil
}

// Address returns the bound host:port
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Done is closed once the server has stopped, either through Stop or a
// shutdown command.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Server", "Stop", "drain connections")
	}

	s.stopOnce.Do(func() {
		close(s.done)
		s.logger.Info("Directory stopped")
	})
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !isClosedError(err) {
				s.logger.Warn("Accept failed", "error", err)
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("Directory client connected", "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	w := bufio.NewWriter(conn)

	for scanner.Scan() {
		reply, shutdown := s.handle(ctx, scanner.Text())
		if _, err := w.WriteString(reply + "\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
		if shutdown {
			s.logger.Info("Shutdown requested", "remote", remote)
			go func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = s.Stop(stopCtx)
			}()
			return
		}
	}
	if err := scanner.Err(); err != nil && !isClosedError(err) {
		s.logger.Debug("Directory connection ended", "remote", remote, "error", err)
	}
}

// handle executes one request line and returns the reply line
func (s *Server) handle(ctx context.Context, line string) (string, bool) {
	cmd, err := ParseCommand(line)
	if err != nil {
		s.metrics.RecordDirectoryOp("invalid", err)
		return errorLine(err), false
	}

	var value string
	switch cmd.Verb {
	case VerbLookup:
		value, err = s.store.Lookup(ctx, cmd.Key)
	case VerbPut:
		err = s.store.Put(ctx, cmd.Key, cmd.Value)
	case VerbRemove:
		err = s.store.Remove(ctx, cmd.Key)
	case VerbShutdown:
	}
	s.metrics.RecordDirectoryOp(string(cmd.Verb), err)

	if err != nil {
		s.logger.Debug("Directory request failed", "command", cmd.Verb, "key", cmd.Key, "error", err)
		return errorLine(err), false
	}
	return okLine(value), cmd.Verb == VerbShutdown
}

func isClosedError(err error) bool {
	return stderrors.Is(err, net.ErrClosed)
}
