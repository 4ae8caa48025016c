package socks5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds listener configuration
type Config struct {
	ListenAddr string

	// HandshakeTimeout bounds the greeting and request phases. Zero
	// disables the deadline.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the default listener configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:1080",
	}
}

// Server accepts SOCKS5 clients and runs one Session per connection
type Server struct {
	config  *Config
	dialer  Dialer
	metrics *Metrics
	log     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	readyOne sync.Once

	sessions sync.WaitGroup
}

// NewServer creates a server. A nil config uses DefaultConfig and a nil
// dialer dials directly with the system resolver.
func NewServer(config *Config, dialer Dialer, metrics *Metrics) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if dialer == nil {
		dialer = NewDirectDialer(nil)
	}

	return &Server{
		config:  config,
		dialer:  dialer,
		metrics: metrics,
		log:     zap.L().Named("socks5"),
		ready:   make(chan struct{}),
	}
}

// ListenAndServe binds the configured address and serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// Other accept errors are logged and retried with backoff. It returns once
// the listener is closed; sessions still in flight keep running and can be
// joined with Wait.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOne.Do(func() { close(s.ready) })

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	s.log.Info("SOCKS5 proxy listening", zap.String("addr", ln.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.log.Info("SOCKS5 listener stopped")
				return nil
			}
			backoff = nextBackoff(backoff)
			s.log.Warn("accept error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				s.log.Info("SOCKS5 listener stopped")
				return nil
			}
			continue
		}
		backoff = 0

		s.sessions.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection runs one session and contains any panic it raises
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.sessions.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panic",
				zap.Any("panic", r),
				zap.String("remote", conn.RemoteAddr().String()),
			)
			_ = conn.Close()
		}
	}()

	session := NewSession(conn, s.dialer, s.metrics)
	session.handshakeTimeout = s.config.HandshakeTimeout
	session.Run(ctx)
}

// Ready is closed once the server has a listener
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the listening address, or nil before Serve is called
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting new connections
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Wait blocks until all sessions have finished or ctx is done
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sessions still active: %w", ctx.Err())
	}
}

// Stats returns the proxy counters
func (s *Server) Stats() StatsSnapshot {
	return s.metrics.Snapshot()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
