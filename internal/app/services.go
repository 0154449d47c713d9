package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"
)

const defaultShutdownTimeout = 10 * time.Second

// NewSupervisor builds the root supervisor with suture events routed to zerolog.
func NewSupervisor(name string, shutdownTimeout time.Duration) *suture.Supervisor {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return suture.New(name, suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Str("module", "app").Fields(e.Map()).Msg(e.String())
		},
		Timeout: shutdownTimeout,
	})
}

// ComponentService adapts a Start/Shutdown component to suture.Service.
type ComponentService struct {
	name    string
	start   func(context.Context)
	stop    func(context.Context) error
	timeout time.Duration
}

func NewComponentService(name string, start func(context.Context), stop func(context.Context) error, timeout time.Duration) *ComponentService {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &ComponentService{name: name, start: start, stop: stop, timeout: timeout}
}

func (s *ComponentService) Serve(ctx context.Context) error {
	s.start(ctx)
	log.Info().Str("module", "app").Str("service", s.name).Msg("service started")
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.stop(sctx); err != nil {
		return fmt.Errorf("%s shutdown: %w", s.name, err)
	}
	log.Info().Str("module", "app").Str("service", s.name).Msg("service stopped")
	return ctx.Err()
}

func (s *ComponentService) String() string { return s.name }

// RunService supervises a blocking run loop.
type RunService struct {
	name string
	run  func(context.Context) error
}

func NewRunService(name string, run func(context.Context) error) *RunService {
	return &RunService{name: name, run: run}
}

func (s *RunService) Serve(ctx context.Context) error {
	if err := s.run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return ctx.Err()
}

func (s *RunService) String() string { return s.name }

type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server until the supervisor stops it.
type HTTPService struct {
	server  HTTPServer
	timeout time.Duration
}

func NewHTTPService(server HTTPServer, timeout time.Duration) *HTTPService {
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	return &HTTPService{server: server, timeout: timeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()
		if err := h.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		log.Info().Str("module", "app").Msg("http server stopped")
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }
