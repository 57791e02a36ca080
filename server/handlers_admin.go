package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/emote-tender/db"
	"github.com/onnwee/emote-tender/telemetry"
)

// HandleEmoteStats returns the most used emotes, optionally for one channel.
func (h *Handlers) HandleEmoteStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	if h.deps.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	limit := parseIntQuery(r, "limit", 25)
	if limit <= 0 || limit > 100 {
		limit = 25
	}
	channel := strings.TrimPrefix(strings.ToLower(r.URL.Query().Get("channel")), "#")
	top, err := db.TopEmotes(r.Context(), h.deps.DB, channel, limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("emote stats query failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, top)
}

type blacklistRequest struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// HandleAdminBlacklist adds (POST {id, reason}) or removes (DELETE ?id=) a
// persisted blacklist entry and reloads the live blacklist. Emotes already
// cached keep the representation they resolved to.
func (h *Handlers) HandleAdminBlacklist(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost, http.MethodDelete) {
		return
	}
	if h.deps.DB == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence disabled")
		return
	}
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "admin"))

	var id string
	if r.Method == http.MethodPost {
		var req blacklistRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		id = strings.TrimSpace(req.ID)
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		if err := db.AddBlacklist(ctx, h.deps.DB, id, req.Reason); err != nil {
			log.Error("blacklist add failed", slog.String("emote", id), slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "blacklist update failed")
			return
		}
	} else {
		id = strings.TrimSpace(r.URL.Query().Get("id"))
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		removed, err := db.RemoveBlacklist(ctx, h.deps.DB, id)
		if err != nil {
			log.Error("blacklist remove failed", slog.String("emote", id), slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "blacklist update failed")
			return
		}
		if !removed {
			writeError(w, http.StatusNotFound, "id not blacklisted")
			return
		}
	}
	log.Info("blacklist updated", slog.String("method", r.Method), slog.String("emote", id))

	resp := map[string]any{"id": id}
	if h.deps.ReloadBlacklist != nil {
		n, err := h.deps.ReloadBlacklist(ctx)
		if err != nil {
			log.Error("blacklist reload failed", slog.Any("err", err))
			writeError(w, http.StatusInternalServerError, "blacklist reload failed")
			return
		}
		resp["blacklisted"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAdminBlacklistReload rebuilds the live blacklist from its sources.
func (h *Handlers) HandleAdminBlacklistReload(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}
	if h.deps.ReloadBlacklist == nil {
		writeError(w, http.StatusServiceUnavailable, "blacklist reload disabled")
		return
	}
	n, err := h.deps.ReloadBlacklist(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("blacklist reload failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "blacklist reload failed")
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("blacklist reloaded", slog.Int("count", n))
	writeJSON(w, http.StatusOK, map[string]int{"blacklisted": n})
}
