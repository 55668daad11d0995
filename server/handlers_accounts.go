package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/db"
	"github.com/onnwee/feedmaid/ingest"
	"github.com/onnwee/feedmaid/shortref"
	"github.com/onnwee/feedmaid/telemetry"
	"github.com/onnwee/feedmaid/twitterapi"
)

const maxBodyBytes = 64 << 10

// HandleAccountsList returns a snapshot of every running manager.
func (h *Handlers) HandleAccountsList(w http.ResponseWriter, r *http.Request) {
	out := make([]ingest.Snapshot, 0)
	if h.deps.Accounts != nil {
		for _, m := range h.deps.Accounts.Managers() {
			out = append(out, m.Snapshot())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleAccountStatus returns one manager's snapshot.
func (h *Handlers) HandleAccountStatus(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Snapshot())
}

type referenceResponse struct {
	Token string `json:"token"`
	Kind  string `json:"kind"`
	ID    int64  `json:"id"`
	IDStr string `json:"id_str"`
}

// HandleResolveReference turns a short reference (or raw id) into the id it
// stands for. ?dm=1 resolves against the direct message table.
func (h *Handlers) HandleResolveReference(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	token := r.PathValue("token")
	kind, resolve := "item", m.ResolveReference
	if dm, _ := strconv.ParseBool(r.URL.Query().Get("dm")); dm {
		kind, resolve = "direct_message", m.ResolveDirectMessage
	}
	id, err := resolve(token)
	if err != nil {
		writeReferenceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, referenceResponse{Token: token, Kind: kind, ID: id, IDStr: strconv.FormatInt(id, 10)})
}

func writeReferenceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shortref.ErrInvalidReference):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, shortref.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type statusRequest struct {
	Text         string `json:"text"`
	ReplyTo      string `json:"reply_to,omitempty"`
	WithLocation bool   `json:"with_location,omitempty"`
}

// HandleUpdateStatus posts a status on behalf of the account. reply_to may be
// a short reference or a raw item id.
func (h *Handlers) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	it, err := m.UpdateStatus(r.Context(), req.Text, req.ReplyTo, req.WithLocation)
	if err != nil {
		log := telemetry.LoggerWithCorr(r.Context())
		var apiErr *twitterapi.Error
		switch {
		case errors.Is(err, ingest.ErrRevoked):
			http.Error(w, "account access revoked", http.StatusConflict)
		case errors.Is(err, shortref.ErrInvalidReference), errors.Is(err, shortref.ErrNotFound):
			writeReferenceError(w, err)
		case errors.As(err, &apiErr):
			log.Warn("status update rejected", slog.Int64("account", m.ID()), slog.Int("status", apiErr.StatusCode), slog.String("component", "http"))
			http.Error(w, "upstream rejected status update", http.StatusBadGateway)
		default:
			log.Error("status update failed", slog.Int64("account", m.ID()), slog.Any("err", err), slog.String("component", "http"))
			http.Error(w, "status update failed", http.StatusBadGateway)
		}
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

// HandleUpdateRules replaces the account's rules.
func (h *Handlers) HandleUpdateRules(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}
	var rules account.Rules
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rules); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	for i, c := range rules.Notifications {
		parsed, err := account.ParseCategory(string(c))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rules.Notifications[i] = parsed
	}
	if err := m.UpdateRules(r.Context(), rules); err != nil {
		if errors.Is(err, ingest.ErrRevoked) {
			http.Error(w, "account access revoked", http.StatusConflict)
			return
		}
		telemetry.LoggerWithCorr(r.Context()).Error("rules update failed", slog.Int64("account", m.ID()), slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "rules update failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReload restarts an account's manager from its stored document.
func (h *Handlers) HandleReload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if h.deps.Accounts == nil {
		http.Error(w, "ingestion not running", http.StatusServiceUnavailable)
		return
	}
	if err := h.deps.Accounts.Reload(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			http.Error(w, "unknown account", http.StatusNotFound)
		case errors.Is(err, ingest.ErrRevoked):
			http.Error(w, "account not authorized", http.StatusConflict)
		default:
			telemetry.LoggerWithCorr(r.Context()).Error("account reload failed", slog.Int64("account", id), slog.Any("err", err), slog.String("component", "http"))
			http.Error(w, "reload failed", http.StatusInternalServerError)
		}
		return
	}
	m, ok := h.deps.Accounts.Get(id)
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusAccepted, m.Snapshot())
}
