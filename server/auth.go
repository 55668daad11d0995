package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

const adminRealm = `Basic realm="feedmaid admin"`

// authConfig is the operator credential set. An empty set leaves the
// account endpoints open.
type authConfig struct {
	token    string
	user     string
	password string
}

func loadAuthConfig() *authConfig {
	cfg := &authConfig{
		token:    os.Getenv("ADMIN_TOKEN"),
		user:     os.Getenv("ADMIN_USERNAME"),
		password: os.Getenv("ADMIN_PASSWORD"),
	}
	if !cfg.configured() {
		slog.Warn("admin credentials not set, account endpoints accept any caller",
			slog.String("component", "http"), slog.String("hint", "set ADMIN_TOKEN or ADMIN_USERNAME and ADMIN_PASSWORD"))
	}
	return cfg
}

func (c *authConfig) basicEnabled() bool { return c.user != "" && c.password != "" }

func (c *authConfig) configured() bool { return c.token != "" || c.basicEnabled() }

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// presentedToken reads X-Admin-Token, falling back to a bearer Authorization.
func presentedToken(r *http.Request) string {
	if t := r.Header.Get("X-Admin-Token"); t != "" {
		return t
	}
	t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return t
}

func (c *authConfig) permits(r *http.Request) bool {
	if !c.configured() {
		return true
	}
	if c.token != "" {
		if t := presentedToken(r); t != "" && secureEqual(t, c.token) {
			return true
		}
	}
	if c.basicEnabled() {
		if u, p, ok := r.BasicAuth(); ok {
			// evaluate both so timing does not reveal which half matched
			userOK, passOK := secureEqual(u, c.user), secureEqual(p, c.password)
			return userOK && passOK
		}
	}
	return false
}

// adminAuth rejects callers without a valid admin token or basic credential.
func adminAuth(next http.Handler, cfg *authConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.permits(r) {
			next.ServeHTTP(w, r)
			return
		}
		slog.Warn("rejected unauthenticated request",
			slog.String("component", "http"),
			slog.String("path", r.URL.Path),
			slog.String("ip", clientIP(r)))
		w.Header().Set("WWW-Authenticate", adminRealm)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
}
