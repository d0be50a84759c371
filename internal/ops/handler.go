// Package ops serves the operational HTTP endpoints: Prometheus metrics,
// liveness and a JSON status document.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dnbwatch/internal/metrics"
)

// Deps are the read-only views the endpoints expose. Any of them may be nil.
type Deps struct {
	Metrics *metrics.Metrics
	// Health returns nil when the process is healthy.
	Health func(ctx context.Context) error
	// Status returns a JSON-encodable document.
	Status func(ctx context.Context) any
	// Profiling mounts net/http/pprof under /debug.
	Profiling bool
}

const handlerTimeout = 10 * time.Second

// NewRouter builds the ops routes.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(handlerTimeout))
		r.Get("/healthz", healthHandler(d.Health))
		r.Get("/status", statusHandler(d.Status))
	})
	if d.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	if d.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func healthHandler(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func statusHandler(status func(context.Context) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status == nil {
			writeJSON(w, http.StatusOK, struct{}{})
			return
		}
		writeJSON(w, http.StatusOK, status(r.Context()))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
