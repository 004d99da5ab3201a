// Package transport provides the blocking socket primitives shared by the
// proxy and file servers: a bounded TCP accept pool, a UDP datagram
// listener and the periodic heartbeat sender.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxConns        = 64
	defaultShutdownTimeout = 5 * time.Second
)

// ConnHandler serves one accepted connection for its whole lifetime.
// The connection is closed by the server after ServeConn returns.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc adapts a function to ConnHandler.
type ConnHandlerFunc func(ctx context.Context, conn net.Conn)

func (f ConnHandlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// ServerOption configures a TCPServer.
type ServerOption func(*TCPServer)

// WithMaxConnections bounds the number of connections served at once.
// Connections accepted beyond the bound are closed immediately.
func WithMaxConnections(n int) ServerOption {
	return func(s *TCPServer) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// WithShutdownTimeout bounds how long Close waits for connection handlers.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *TCPServer) {
		s.shutdownTimeout = d
	}
}

// TCPServer accepts connections and hands each to a ConnHandler on its own
// goroutine, up to a fixed number of concurrent connections.
type TCPServer struct {
	name    string
	handler ConnHandler
	logger  *zap.Logger

	listener        net.Listener
	sem             chan struct{}
	shutdownTimeout time.Duration

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewTCPServer creates a server; call Listen then Serve.
func NewTCPServer(name string, handler ConnHandler, logger *zap.Logger, opts ...ServerOption) *TCPServer {
	s := &TCPServer{
		name:            name,
		handler:         handler,
		logger:          logger,
		sem:             make(chan struct{}, defaultMaxConns),
		shutdownTimeout: defaultShutdownTimeout,
		conns:           make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the TCP listener.
func (s *TCPServer) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = lis
	s.logger.Info("TCP listening", zap.String("server", s.name), zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the listener is closed. It returns nil
// after Close.
func (s *TCPServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("transport: Serve called before Listen")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.logger.Warn("Connection pool exhausted, rejecting",
				zap.String("server", s.name),
				zap.String("remote", conn.RemoteAddr().String()),
			)
			conn.Close()
			continue
		}

		if !s.track(conn) {
			<-s.sem
			conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.untrack(conn)
			defer conn.Close()
			s.handler.ServeConn(ctx, conn)
		}()
	}
}

// Close stops accepting, closes open connections so blocked readers return,
// and waits up to the shutdown timeout for handlers to finish.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("Shutdown timeout exceeded", zap.String("server", s.name), zap.Duration("timeout", s.shutdownTimeout))
	}
	return err
}

func (s *TCPServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers c and its handler with Close. It fails once Close has begun.
func (s *TCPServer) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *TCPServer) untrack(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}
