// Package server exposes the HTTP API handlers.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/feedmaid/ingest"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// manager resolves the {id} path value to a running manager, writing the
// error response when it cannot.
func (h *Handlers) manager(w http.ResponseWriter, r *http.Request) (*ingest.Manager, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	if h.deps.Accounts == nil {
		http.Error(w, "ingestion not running", http.StatusServiceUnavailable)
		return nil, false
	}
	m, ok := h.deps.Accounts.Get(id)
	if !ok {
		http.Error(w, "unknown account", http.StatusNotFound)
		return nil, false
	}
	return m, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err), slog.String("component", "http"))
	}
}
