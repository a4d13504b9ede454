// Package metricsserver exposes /metrics and a liveness probe on the port
// named by pkg/config.MetricsConfig.
package metricsserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/internal/tracing"
)

// New builds the HTTP server for the runtime's metrics endpoint, listening
// on port. Call Shutdown on the returned server to drain it; it is not
// started until the caller runs it (typically in its own goroutine).
func New(port int) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Use(requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", tracing.Handler().ServeHTTP)

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
// Returns nil on a clean shutdown, or the listen error otherwise.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("metrics request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
