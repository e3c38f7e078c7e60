// Package api exposes a running screen's health, subscription counters, view
// state and Prometheus metrics over a small local HTTP server.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"medqueue/internal/api/handlers"
	apimw "medqueue/internal/api/middleware"
)

func NewRouter(status *handlers.Status, gatherer prometheus.Gatherer, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(apimw.Logging(log))

	r.Get("/healthz", status.Health)
	r.Get("/readyz", status.Ready)

	r.Group(func(limited chi.Router) {
		limited.Use(apimw.NewRateLimiter(600, 60).Middleware)
		limited.Get("/status/subscriptions", status.Subscriptions)
		limited.Get("/status/view", status.ViewState)
		if gatherer != nil {
			limited.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		}
	})
	return r
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	log.Info().Str("addr", ln.Addr().String()).Msg("status server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
