// Package supervisor runs the coordinator and the metrics endpoint under a
// suture supervisor so a crashed service is restarted with backoff.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/johndauphine/catalog-etl/internal/logging"
)

// TreeConfig holds supervisor restart tuning.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	// Default: 5
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	// Default: 30
	FailureDecay float64

	// FailureBackoff is the duration to wait when threshold is exceeded.
	// Default: 15s
	FailureBackoff time.Duration

	// ShutdownTimeout is the maximum time to wait for a service to stop.
	// Default: 15s, longer than the coordinator's shutdown grace.
	ShutdownTimeout time.Duration
}

// Tree is the process supervisor.
type Tree struct {
	root *suture.Supervisor
}

// New creates a supervisor tree. Zero config fields take defaults.
func New(cfg TreeConfig) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	return &Tree{
		root: suture.New("catalog-etl", suture.Spec{
			EventHook:        eventHook,
			FailureThreshold: cfg.FailureThreshold,
			FailureDecay:     cfg.FailureDecay,
			FailureBackoff:   cfg.FailureBackoff,
			Timeout:          cfg.ShutdownTimeout,
		}),
	}
}

// Add registers a service.
func (t *Tree) Add(svc suture.Service) suture.ServiceToken {
	return t.root.Add(svc)
}

// Serve runs all services until ctx is cancelled or a service terminates
// the tree. Cancellation is not an error.
func (t *Tree) Serve(ctx context.Context) error {
	err := t.root.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func eventHook(ev suture.Event) {
	log := logging.With("supervisor")
	switch e := ev.(type) {
	case suture.EventServiceTerminate:
		log.Warn().
			Str("service", e.ServiceName).
			Float64("failures", e.CurrentFailures).
			Bool("restarting", e.Restarting).
			Interface("error", e.Err).
			Msg("service terminated")
	case suture.EventServicePanic:
		log.Error().
			Str("service", e.ServiceName).
			Str("panic", e.PanicMsg).
			Str("stack", e.Stacktrace).
			Msg("service panicked")
	case suture.EventBackoff:
		log.Warn().Str("supervisor", e.SupervisorName).Msg("too many failures; backing off")
	case suture.EventResume:
		log.Info().Str("supervisor", e.SupervisorName).Msg("resuming after backoff")
	case suture.EventStopTimeout:
		log.Error().Str("service", e.ServiceName).Msg("service did not stop in time")
	default:
		log.Debug().Msg(ev.String())
	}
}
