// Package server exposes the HTTP API: health, readiness, metrics, and the
// account endpoints used by the chat front end to inspect managers, resolve
// short references, post statuses, edit rules and follow notifications over
// Server-Sent Events. It injects correlation IDs into request contexts for
// consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/feedmaid/ingest"
	"github.com/onnwee/feedmaid/notify"
)

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Accounts is the view of running managers the API needs.
type Accounts interface {
	Get(id int64) (*ingest.Manager, bool)
	Managers() []*ingest.Manager
	Reload(ctx context.Context, id int64) error
}

// Deps are the handler dependencies. Hub may be nil, which disables the
// event stream.
type Deps struct {
	DB       Pinger
	Accounts Accounts
	Hub      *notify.Hub
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	h := NewHandlers(deps)

	protected := func(fn http.HandlerFunc) http.Handler { return adminAuth(fn, authCfg) }
	limited := func(fn http.HandlerFunc) http.Handler {
		return adminAuth(rateLimitMiddleware(fn, limiter), authCfg)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	mux.Handle("GET /accounts", protected(h.HandleAccountsList))
	mux.Handle("GET /accounts/{id}", protected(h.HandleAccountStatus))
	mux.Handle("GET /accounts/{id}/refs/{token}", protected(h.HandleResolveReference))
	mux.Handle("POST /accounts/{id}/statuses", limited(h.HandleUpdateStatus))
	mux.Handle("PUT /accounts/{id}/rules", limited(h.HandleUpdateRules))
	mux.Handle("POST /accounts/{id}/reload", limited(h.HandleReload))
	mux.Handle("GET /accounts/{id}/events", protected(h.HandleEvents))
	mux.Handle("GET /events", protected(h.HandleEvents))

	traced := otelhttp.NewHandler(mux, "http-server",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/metrics" }),
	)
	return withCORSConfig(withCorrelation(traced), corsCfg)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Event streams clear their own write deadline.
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values while letting shutdown complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err), slog.String("component", "http"))
		return err
	}
	return nil
}
