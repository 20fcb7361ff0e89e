package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/johndauphine/catalog-etl/internal/etl"
	"github.com/johndauphine/catalog-etl/internal/logging"
)

// Runner is the part of etl.Coordinator the supervisor drives.
type Runner interface {
	Run(ctx context.Context) error
	State() etl.State
	LockLost() bool
	Owner() string
}

// CoordinatorService runs a coordinator as a supervised service. Losing
// the lock or finding another instance at startup terminates the whole
// tree; any other failure is restarted by the supervisor.
type CoordinatorService struct {
	runner Runner

	mu    sync.Mutex
	fatal error
}

// NewCoordinatorService wraps r.
func NewCoordinatorService(r Runner) *CoordinatorService {
	return &CoordinatorService{runner: r}
}

// Serve implements suture.Service.
func (s *CoordinatorService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	switch {
	case err == nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	case errors.Is(err, etl.ErrDuplicateInstance), errors.Is(err, etl.ErrLockLost):
		s.mu.Lock()
		s.fatal = err
		s.mu.Unlock()
		logging.Error("Coordinator stopped: %v", err)
		return suture.ErrTerminateSupervisorTree
	}
	return fmt.Errorf("coordinator: %w", err)
}

// Err returns the error that terminated the tree, if any.
func (s *CoordinatorService) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Health reports the coordinator state for the health endpoint.
func (s *CoordinatorService) Health() Health {
	state := s.runner.State()
	h := Health{
		State: state.String(),
		Owner: s.runner.Owner(),
	}
	switch state {
	case etl.StateLockAcquired, etl.StateRunning, etl.StateSleeping:
		h.LockHeld = !s.runner.LockLost()
	}
	h.Healthy = h.LockHeld || state == etl.StateStarting
	return h
}

func (s *CoordinatorService) String() string { return "coordinator" }

// HTTPServer matches the lifecycle methods of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a supervised service.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
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
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "metrics-http" }
