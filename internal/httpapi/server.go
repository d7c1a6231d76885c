// Package httpapi exposes the fleet's observation surface: current status,
// liveness and readiness endpoints, and Prometheus metrics. It is read-only;
// lifecycle changes only happen through the CLI.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"fleetd/pkg/types"
)

// StatusSource produces fleet status snapshots. health.Aggregator satisfies it.
type StatusSource interface {
	Collect(ctx context.Context) types.FleetStatus
	Last() (types.FleetStatus, bool)
}

// Options configures the mux. State reports the controller's current fleet
// state; CORS is opt-in and disabled unless origins are given.
type Options struct {
	State       func() types.FleetState
	CORSOrigins []string
	Log         zerolog.Logger
}

type statusResponse struct {
	State types.FleetState `json:"state"`
	types.FleetStatus
}

func NewMux(src StatusSource, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
		}))
	}
	r.Use(RequestLogger(opts.Log))
	r.Use(MetricsMiddleware)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{FleetStatus: src.Collect(r.Context())}
		if opts.State != nil {
			resp.State = opts.State()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		last, ok := src.Last()
		if ok && last.Healthy() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("degraded"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// Serve runs the status server until ctx is cancelled, then shuts it down
// gracefully with a short drain window.
func Serve(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("status server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return <-errc
}
