// Package server exposes the local HTTP API on a unix socket and a TCP
// address.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"snowbird/pkg/config"
	"snowbird/pkg/media"
	"snowbird/pkg/metrics"
	"snowbird/pkg/node"
	"snowbird/pkg/reconcile"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Version is reported by /status. Set at link time.
var Version = "dev"

type Server struct {
	cfg     *config.Config
	handle  *node.Handle
	engine  *reconcile.Engine
	media   *media.Gateway
	metrics *metrics.Metrics
	logger  *zap.Logger
	router  chi.Router

	mu        sync.Mutex
	servers   []*http.Server
	listeners []net.Listener
}

func New(cfg *config.Config, handle *node.Handle, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	s := &Server{
		cfg:    cfg,
		handle: handle,
		engine: reconcile.NewEngine(handle, reconcile.Options{
			Concurrency:  cfg.RefreshConcurrency,
			FetchTimeout: cfg.FetchTimeoutDuration(),
		}, m, logger.Named("reconcile")),
		media:   media.NewGateway(handle, m, logger.Named("media")),
		metrics: m,
		logger:  logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the unix socket and on the TCP address and serves both
// in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.servers) > 0 {
		return nil
	}
	s.handle.Status().Set(node.StatusWebServerInitializing)

	socket := s.cfg.SocketFile()
	unixLn, err := listenUnix(socket)
	if err != nil {
		s.handle.Status().Set(node.StatusError)
		return err
	}

	tcpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		unixLn.Close()
		s.handle.Status().Set(node.StatusError)
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}

	for _, ln := range []net.Listener{unixLn, tcpLn} {
		srv := &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(s.logger),
		}
		s.servers = append(s.servers, srv)
		s.listeners = append(s.listeners, ln)

		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server failed", zap.String("addr", ln.Addr().String()), zap.Error(err))
			}
		}(srv, ln)
	}

	s.handle.Status().Set(node.StatusWebServerRunning)
	s.logger.Info("HTTP API listening",
		zap.String("socket", socket),
		zap.String("addr", tcpLn.Addr().String()))
	return nil
}

// Addr is the bound TCP address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) < 2 {
		return ""
	}
	return s.listeners[1].Addr().String()
}

// Stop drains in-flight requests and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.servers = nil
	s.listeners = nil
	os.Remove(s.cfg.SocketFile())

	s.logger.Info("HTTP API stopped")
	return errors.Join(errs...)
}

// listenUnix binds path, removing a socket left over by a previous run.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	return ln, nil
}
