package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/onnwee/feedmaid/notify"
)

const sseHeartbeat = 15 * time.Second

// HandleEvents streams notifications as Server-Sent Events. Under
// /accounts/{id}/events only that account's messages are sent; /events
// carries every account.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Hub == nil {
		http.Error(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}
	var accountID int64
	if r.PathValue("id") != "" {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		accountID = id
	}
	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	msgs, cancel := h.deps.Hub.Subscribe(accountID, parseIntQuery(r, "buffer", notify.DefaultBuffer))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		slog.Warn("event stream cannot flush", slog.Any("err", err), slog.String("component", "http"))
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case m, ok := <-msgs:
			if !ok {
				return
			}
			data, err := json.Marshal(m)
			if err != nil {
				slog.Warn("failed to encode event", slog.String("id", m.ID), slog.Any("err", err), slog.String("component", "http"))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", m.ID, m.Kind, data); err != nil {
				slog.Warn("failed to write event", slog.Any("err", err), slog.String("component", "http"))
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
