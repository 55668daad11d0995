package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterConfig sizes the per-client token buckets on write endpoints.
type rateLimiterConfig struct {
	enabled bool
	rps     rate.Limit
	burst   int
	idle    time.Duration
}

const (
	defaultWritesPerMinute = 10
	defaultWriteBurst      = 10
	limiterIdle            = 2 * time.Minute
	limiterSweep           = time.Minute
)

func loadRateLimiterConfig() *rateLimiterConfig {
	perMinute := positiveEnv("RATE_LIMIT_REQUESTS_PER_MINUTE", defaultWritesPerMinute)
	return &rateLimiterConfig{
		enabled: os.Getenv("RATE_LIMIT_ENABLED") != "0",
		rps:     rate.Limit(float64(perMinute) / 60),
		burst:   positiveEnv("RATE_LIMIT_BURST", defaultWriteBurst),
		idle:    limiterIdle,
	}
}

// positiveEnv parses key as a positive integer, falling back to def.
func positiveEnv(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter holds one bucket per client address and forgets idle ones.
type ipRateLimiter struct {
	cfg *rateLimiterConfig

	mu       sync.Mutex
	visitors map[string]*visitor
}

// newIPRateLimiter starts the sweeper, which exits with ctx.
func newIPRateLimiter(ctx context.Context, cfg *rateLimiterConfig) *ipRateLimiter {
	rl := &ipRateLimiter{cfg: cfg, visitors: map[string]*visitor{}}
	go rl.sweep(ctx)
	return rl
}

func (rl *ipRateLimiter) sweep(ctx context.Context) {
	t := time.NewTicker(limiterSweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			rl.cleanup(now)
		}
	}
}

func (rl *ipRateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := now.Add(-rl.cfg.idle)
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, ip)
		}
	}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	if !rl.cfg.enabled {
		return true
	}
	rl.mu.Lock()
	v := rl.visitors[ip]
	if v == nil {
		v = &visitor{limiter: rate.NewLimiter(rl.cfg.rps, rl.cfg.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

// clientIP is the first X-Forwarded-For hop when present, else the peer
// address, without port or brackets.
func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		addr = strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
}

func rateLimitMiddleware(next http.Handler, limiter *ipRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if limiter.allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("write rate limit hit",
			slog.String("component", "http"),
			slog.String("ip", ip),
			slog.String("path", r.URL.Path))
		w.Header().Set("Retry-After", strconv.Itoa(int(limiterSweep/time.Second)))
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	})
}
