// Package server runs the TCP accept loop that turns connections over to
// the protocol front-end, grounded on the teacher's cmd/superagent/main.go
// run() (a server-error channel raced against a shutdown signal, followed
// by a bounded graceful-shutdown window).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ratcache/ratmemcached/internal/cache"
	"github.com/ratcache/ratmemcached/internal/protocol"
	"github.com/ratcache/ratmemcached/internal/rerr"
)

// Config is the server binary's own knobs (spec.md §6's CLI surface), as
// distinct from the facade's storage/eviction configuration.
type Config struct {
	BindAddr        string
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{BindAddr: "127.0.0.1:11211", ShutdownTimeout: 30 * time.Second}
}

// Server accepts memcached-protocol TCP connections and dispatches each to
// its own protocol.Conn, tracked in a WaitGroup so shutdown can drain them.
type Server struct {
	cfg    Config
	cache  *cache.Facade
	logger *logrus.Logger

	ln net.Listener
	wg sync.WaitGroup
}

func New(cfg Config, c *cache.Facade, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{cfg: cfg, cache: c, logger: logger}
}

// Listen binds the listener without accepting yet, so callers (tests, or a
// CLI reporting its bound port) can learn the actual address when
// BindAddr's port is "0".
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddrControl(s.logger)}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.BindAddr)
	if err != nil {
		return rerr.IO("binding listener", err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address; valid only after Listen or ListenAndServe
// has started.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe binds the listener and accepts connections until ctx is
// canceled, then drains in-flight connections within ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(ctx); err != nil {
			return err
		}
	}
	s.logger.WithField("addr", s.ln.Addr().String()).Info("server: listening")

	serverErr := make(chan error, 1)
	go s.acceptLoop(ctx, serverErr)

	select {
	case err := <-serverErr:
		return fmt.Errorf("accept loop failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.drain(shutdownCtx)
}

func (s *Server) acceptLoop(ctx context.Context, serverErr chan<- error) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return // listener closed as part of an intentional shutdown
			default:
			}
			serverErr <- err
			return
		}
		s.applyTCPOptions(conn)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			protocol.NewConn(conn, s.cache, s.logger).Serve()
		}()
	}
}

func (s *Server) drain(ctx context.Context) error {
	s.ln.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server: shutdown complete")
		return nil
	case <-ctx.Done():
		return rerr.IO("shutdown timed out waiting for connections to drain", ctx.Err())
	}
}

// applyTCPOptions sets TCP_NODELAY and SO_KEEPALIVE best-effort, per
// spec.md §6: warn, never fail, when a platform doesn't support one.
func (s *Server) applyTCPOptions(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tc.SetNoDelay(true); err != nil {
		s.logger.WithError(err).Warn("server: TCP_NODELAY unsupported on this platform")
	}
	if err := tc.SetKeepAlive(true); err != nil {
		s.logger.WithError(err).Warn("server: SO_KEEPALIVE unsupported on this platform")
	}
}

// reuseAddrControl returns a net.ListenConfig.Control hook that sets
// SO_REUSEADDR on the listening socket before bind, best-effort. Targets
// Unix-like platforms, where the deployment target for this server runs.
func reuseAddrControl(logger *logrus.Logger) func(string, string, syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		})
		if err != nil {
			logger.WithError(err).Warn("server: could not reach socket control for SO_REUSEADDR")
			return nil
		}
		if sockErr != nil {
			logger.WithError(sockErr).Warn("server: SO_REUSEADDR unsupported on this platform")
		}
		return nil
	}
}
