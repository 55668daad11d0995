package server

import (
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/feedmaid/telemetry"
)

const correlationHeader = "X-Correlation-ID"

// corsConfig is either permissive (any origin, no credentials) or an allow
// list whose entries may be exact origins or "*.domain" patterns.
type corsConfig struct {
	permissive bool
	origins    []string
}

// loadCORSConfig defaults to permissive outside production-like ENV values.
// CORS_PERMISSIVE overrides the default either way.
func loadCORSConfig() *corsConfig {
	cfg := &corsConfig{}
	switch strings.ToLower(os.Getenv("ENV")) {
	case "", "dev", "development":
		cfg.permissive = true
	}
	if v := os.Getenv("CORS_PERMISSIVE"); v != "" {
		cfg.permissive = v == "1" || v == "true"
	}
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.origins = append(cfg.origins, o)
		}
	}
	if !cfg.permissive && len(cfg.origins) == 0 {
		slog.Warn("CORS allow list is empty, cross-origin requests will get no CORS headers", slog.String("component", "http"))
	}
	return cfg
}

func (c *corsConfig) allows(origin string) bool {
	return slices.ContainsFunc(c.origins, func(pattern string) bool {
		if pattern == origin {
			return true
		}
		domain, ok := strings.CutPrefix(pattern, "*.")
		if !ok {
			return false
		}
		host := origin
		if _, rest, found := strings.Cut(origin, "://"); found {
			host = rest
		}
		return host == domain || strings.HasSuffix(host, "."+domain)
	})
}

func withCORSConfig(next http.Handler, cfg *corsConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		switch {
		case cfg.permissive:
			h.Set("Access-Control-Allow-Origin", "*")
		case origin != "" && cfg.allows(origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if h.Get("Access-Control-Allow-Origin") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Admin-Token, "+correlationHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCorrelation tags the request context with the caller's correlation id
// (or a fresh UUID) and logs the outcome once the handler returns.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		ctx := telemetry.WithCorrelation(r.Context(), id)

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		began := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		level := slog.LevelDebug
		if rec.statusCode >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		telemetry.LoggerWithCorr(ctx).Log(ctx, level, "request done",
			slog.String("component", "http"),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.statusCode),
			slog.Duration("took", time.Since(began)))
	})
}

// statusRecorder remembers the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
