// Package api serves the local status API: overlay state, peers,
// registration history, proxy counters and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ZentaChain/socktail/pkg/overlay"
	"github.com/ZentaChain/socktail/pkg/socks5"
	"github.com/ZentaChain/socktail/pkg/storage"
)

// Config holds server configuration
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:9090",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// ProxyStats reports proxy counters
type ProxyStats interface {
	Stats() socks5.StatsSnapshot
}

// History lists recorded registrations
type History interface {
	ListRegistrations(limit int) ([]storage.Snapshot, error)
}

// Deps are the components the API reports on. Only Backend is required.
type Deps struct {
	Backend  overlay.Backend
	Proxy    ProxyStats
	History  History
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
}

// Server represents the HTTP status API
type Server struct {
	config  *Config
	deps    Deps
	router  *gin.Engine
	started time.Time
	log     *zap.Logger

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// NewServer creates the API server
func NewServer(config *Config, deps Deps) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if deps.Backend == nil {
		deps.Backend = overlay.NewDisabledBackend("")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config:  config,
		deps:    deps,
		router:  gin.New(),
		started: time.Now(),
		log:     zap.L().Named("api"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Peer keys may carry an escaped '/'
	s.router.UseRawPath = true

	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		ov := v1.Group("/overlay")
		{
			ov.GET("/status", s.handleOverlayStatus)
			ov.GET("/peers", s.handlePeers)
			ov.GET("/peers/:key", s.handlePeer)
			ov.POST("/reregister", s.handleReregister)
			ov.GET("/history", s.handleHistory)
		}

		proxy := v1.Group("/proxy")
		{
			proxy.GET("/stats", s.handleProxyStats)
		}
	}

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once Start is listening
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.log.Info("status API listening", zap.Stringer("addr", ln.Addr()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down status API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// Stop stops the HTTP server
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}
