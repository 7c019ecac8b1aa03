package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/yanggf8/cct-sub007/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
	// shutdownGrace bounds how long in-flight requests may run once the
	// listener starts draining.
	shutdownGrace = 5 * time.Second
)

// Server owns the HTTP listener lifecycle: bind, serve, drain.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	once       sync.Once
}

// New binds the listener settings from config to the provided handler.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	return &Server{
		logger: logger.With(slog.String("agent", "lifecycle")),
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
		},
	}, nil
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to shutdownGrace before returning the cancellation cause.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener starting", slog.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		if err := s.drain(); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// drain runs at most once so cascading cancellations cannot race the
// shutdown.
func (s *Server) drain() error {
	var err error
	s.once.Do(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.logger.Info("http listener draining", slog.String("address", s.httpServer.Addr))
		err = s.httpServer.Shutdown(drainCtx)
	})
	return err
}
