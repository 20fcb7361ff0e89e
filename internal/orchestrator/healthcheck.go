package orchestrator

import (
	"context"
	"sync"
	"time"
)

// ComponentHealth is the outcome of one connectivity check.
type ComponentHealth struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthCheckResult aggregates all component checks.
type HealthCheckResult struct {
	Timestamp  string            `json:"timestamp"`
	Healthy    bool              `json:"healthy"`
	Components []ComponentHealth `json:"components"`
}

// checkTimeout bounds each component check independently.
var checkTimeout = 30 * time.Second

// HealthCheck pings PostgreSQL, Elasticsearch and the state store.
// Checks run in parallel with independent timeouts so one slow backend
// cannot starve the others.
func (o *Orchestrator) HealthCheck(ctx context.Context) *HealthCheckResult {
	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"postgres", o.source.Ping},
		{"elasticsearch", o.sink.Ping},
		{"state:" + o.config.State.Backend, o.state.Ping},
	}

	result := &HealthCheckResult{
		Timestamp:  time.Now().Format(time.RFC3339),
		Components: make([]ComponentHealth, len(checks)),
	}

	var wg sync.WaitGroup
	for i, c := range checks {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			h := ComponentHealth{Name: c.name}
			if err := c.ping(checkCtx); err != nil {
				h.Error = err.Error()
			} else {
				h.Connected = true
			}
			h.LatencyMs = time.Since(start).Milliseconds()
			result.Components[i] = h
		}()
	}
	wg.Wait()

	result.Healthy = true
	for _, h := range result.Components {
		result.Healthy = result.Healthy && h.Connected
	}
	return result
}
