package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/xcpgate/internal/config"
	"github.com/muurk/xcpgate/internal/discovery"
	"github.com/muurk/xcpgate/internal/logging"
	"github.com/muurk/xcpgate/internal/protocol"
	"github.com/muurk/xcpgate/internal/registry"
	"go.uber.org/zap"
)

// Endpoint paths.
const (
	ClientPath = "/ws"
	DevicePath = "/device"
	HealthPath = "/healthz"
)

// Options wires a Server.
type Options struct {
	Config   config.ServerConfig
	Registry *registry.Registry
	Engine   *protocol.Engine
	Observer logging.Observer
	Version  string
}

// Server hosts the client and device WebSocket endpoints.
type Server struct {
	config   config.ServerConfig
	registry *registry.Registry
	engine   *protocol.Engine
	observer logging.Observer
	version  string

	upgrader   websocket.Upgrader
	httpServer *http.Server
	tlsConfig  *tls.Config
	advertiser *discovery.Advertiser
	started    time.Time

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a server. TLS is enabled when the config names a
// certificate and key.
func New(opts Options) (*Server, error) {
	if opts.Registry == nil || opts.Engine == nil {
		return nil, fmt.Errorf("server needs a registry and a protocol engine")
	}
	observer := opts.Observer
	if observer == nil {
		observer = logging.NopObserver{}
	}

	cfg := opts.Config
	def := config.Default().Server
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	s := &Server{
		config:   cfg,
		registry: opts.Registry,
		engine:   opts.Engine,
		observer: observer,
		version:  opts.Version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Operators and device gateways connect from arbitrary hosts.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		started: time.Now(),
	}

	if cfg.TLS() {
		tlsConfig, err := NewTLSConfig(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		s.tlsConfig = tlsConfig
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(ClientPath, s.serveRole(registry.RoleClient))
	mux.HandleFunc(DevicePath, s.serveRole(registry.RoleDevice))
	mux.HandleFunc(HealthPath, s.serveHealth)
	return mux
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	addr := s.config.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logging.Info("Server listening for connections",
		zap.String("addr", ln.Addr().String()),
		zap.Any("tls_info", GetTLSInfo(s.tlsConfig)),
	)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens, optionally advertises via mDNS, and serves until ctx is
// cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	if s.config.Advertise {
		port := s.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(discovery.Advertisement{
			Instance: s.config.Instance,
			Port:     port,
			TLS:      s.tlsConfig != nil,
			Version:  s.version,
		})
		if err != nil {
			logging.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			s.advertiser = adv
		}
	}

	errChan := make(chan error, 1)
	go func() {
		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errChan <- err
	}()

	select {
	case <-ctx.Done():
		logging.Info("Shutdown requested, stopping server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		s.advertiser.Shutdown()
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	}
}

// Shutdown stops accepting connections, closes every peer and waits for
// their read loops to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down server...")
	s.advertiser.Shutdown()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("Error closing listener", zap.Error(err))
	}

	// Upgraded connections are hijacked, so the HTTP server does not track them.
	s.registry.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("All connections closed gracefully")
	case <-ctx.Done():
		logging.Warn("Shutdown timeout, forcing close")
	}

	logging.Sync()
	return nil
}

// GetActiveConnections returns the number of registered peers.
func (s *Server) GetActiveConnections() int {
	return len(s.registry.Peers())
}
