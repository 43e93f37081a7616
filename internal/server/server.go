// Package server runs the vhost-user sound device backend for one configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/rbright/vhost-device-sound/internal/audio"
	"github.com/rbright/vhost-device-sound/internal/config"
	"github.com/rbright/vhost-device-sound/internal/sound"
	"github.com/rbright/vhost-device-sound/internal/vhostuser"
)

// acquireRetries bounds stale-socket recovery on startup.
const acquireRetries = 8

// Server opens the audio backend and serves vhost-user frontends on the configured socket.
type Server struct {
	logger     *slog.Logger
	newBackend func(audio.BackendType, *slog.Logger) (audio.Backend, error)
	ready      func(*net.UnixListener)
}

// New returns a server that logs to logger.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{logger: logger, newBackend: audio.New}
}

// Run serves cfg until the frontend disconnects, or, in multi-client mode, until accepting
// fails. Failures are logged, not returned: the caller decides whether to run again.
func (s *Server) Run(cfg config.SoundConfig) {
	logger := s.logger.With("socket", cfg.SocketPath(), "backend", string(cfg.AudioBackend()))
	if err := s.serve(context.Background(), cfg, logger); err != nil {
		logger.Error("backend server failed", "error", err)
		return
	}
	logger.Info("backend server stopped")
}

func (s *Server) serve(ctx context.Context, cfg config.SoundConfig, logger *slog.Logger) error {
	backend, err := s.newBackend(cfg.AudioBackend(), logger)
	if err != nil {
		return err
	}
	if err := backend.Open(ctx); err != nil {
		return fmt.Errorf("open %s audio backend: %w", cfg.AudioBackend(), err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("close audio backend failed", "error", err)
		}
	}()

	listener, err := vhostuser.Acquire(ctx, cfg.SocketPath(), acquireRetries)
	if err != nil {
		return err
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(cfg.SocketPath())
	}()

	logger.Info("waiting for vhost-user frontend", "multi_client", cfg.MultiClient())
	if s.ready != nil {
		s.ready(listener)
	}

	if !cfg.MultiClient() {
		conn, err := listener.AcceptUnix()
		if err != nil {
			return fmt.Errorf("accept vhost-user connection: %w", err)
		}
		defer conn.Close()
		device := sound.NewDevice(backend, logger)
		logger.Info("frontend connected", "streams", device.Config().Streams)
		return vhostuser.Serve(conn, device, logger)
	}

	return s.serveMany(listener, backend, logger)
}

// serveMany accepts frontends until the listener fails. Each connection gets its own device
// over the shared backend.
func (s *Server) serveMany(listener *net.UnixListener, backend audio.Backend, logger *slog.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for id := 1; ; id++ {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept vhost-user connection: %w", err)
		}

		connLogger := logger.With("connection", id)
		device := sound.NewDevice(backend, connLogger)
		connLogger.Info("frontend connected", "streams", device.Config().Streams)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := vhostuser.Serve(conn, device, connLogger); err != nil {
				connLogger.Warn("vhost-user session failed", "error", err)
			}
		}()
	}
}
