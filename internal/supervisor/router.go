package supervisor

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health is the body of /healthz.
type Health struct {
	Healthy  bool   `json:"healthy"`
	State    string `json:"state"`
	LockHeld bool   `json:"lock_held"`
	Owner    string `json:"owner"`
}

// NewRouter serves Prometheus metrics on /metrics and health on /healthz.
// health may be nil, in which case /healthz always reports healthy.
func NewRouter(health func() Health) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := Health{Healthy: true, State: "unknown"}
		if health != nil {
			h = health()
		}
		w.Header().Set("Content-Type", "application/json")
		if !h.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	return r
}
