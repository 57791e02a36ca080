package server

import (
	"bytes"
	"image"
	"image/png"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/onnwee/emote-tender/emote"
	"github.com/onnwee/emote-tender/telemetry"
)

const (
	resourceOutput = "output.png"
	resourceAtlas  = "atlas.png"
)

// emotePath splits /emotes/{id}[/output.png|/atlas.png]. The id is read from
// the escaped path so identifiers that are URLs can be sent percent-encoded.
func emotePath(r *http.Request) (id, resource string, ok bool) {
	rest, found := strings.CutPrefix(r.URL.EscapedPath(), "/emotes/")
	if !found {
		return "", "", false
	}
	for _, res := range []string{resourceOutput, resourceAtlas} {
		if s, cut := strings.CutSuffix(rest, "/"+res); cut {
			rest, resource = s, res
			break
		}
	}
	if rest == "" || strings.Contains(rest, "/") {
		return "", "", false
	}
	id, err := url.PathUnescape(rest)
	if err != nil || id == "" {
		return "", "", false
	}
	return id, resource, true
}

// HandleEmotesList returns the status of every cached emote.
func (h *Handlers) HandleEmotesList(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	out := make([]emote.Status, 0)
	for _, id := range h.deps.Registry.IDs() {
		if e, ok := h.deps.Registry.Lookup(id); ok {
			out = append(out, e.Status())
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleEmotesDispatcher routes /emotes/{id} and its PNG resources.
func (h *Handlers) HandleEmotesDispatcher(w http.ResponseWriter, r *http.Request) {
	id, resource, ok := emotePath(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	switch resource {
	case resourceOutput, resourceAtlas:
		if !allowMethods(w, r, http.MethodGet) {
			return
		}
		h.handleEmotePNG(w, r, id, resource)
	default:
		if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
			return
		}
		if r.Method == http.MethodPost {
			h.handleEmoteCreate(w, r, id)
			return
		}
		e, found := h.deps.Registry.Lookup(id)
		if !found {
			writeError(w, http.StatusNotFound, "emote not found")
			return
		}
		writeJSON(w, http.StatusOK, e.Status())
	}
}

// handleEmoteCreate starts resolving id and answers before resolution finishes.
// Direct URLs must point at a configured emote host unless chat already
// registered them.
func (h *Handlers) handleEmoteCreate(w http.ResponseWriter, r *http.Request, id string) {
	if e, found := h.deps.Registry.Lookup(id); found {
		writeJSON(w, http.StatusAccepted, e.Status())
		return
	}
	if emote.IsDirectURL(id) && !h.hostAllowed(id) {
		telemetry.LoggerWithCorr(r.Context()).Warn("direct emote url rejected", slog.String("emote", id), slog.String("component", "http"))
		writeError(w, http.StatusForbidden, "emote host not allowed")
		return
	}
	e := h.deps.Registry.Get(id)
	if e == nil {
		writeError(w, http.StatusServiceUnavailable, "emote registry closed")
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("emote requested", slog.String("emote", id), slog.String("component", "http"))
	writeJSON(w, http.StatusAccepted, e.Status())
}

func (h *Handlers) hostAllowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range h.deps.EmoteHosts {
		if host == allowed {
			return true
		}
	}
	return false
}

// handleEmotePNG encodes the output or atlas buffer. Reading a buffer consumes
// its dirty flag, reported in X-Emote-Dirty.
func (h *Handlers) handleEmotePNG(w http.ResponseWriter, r *http.Request, id, resource string) {
	e, found := h.deps.Registry.Lookup(id)
	if !found {
		writeError(w, http.StatusNotFound, "emote not found")
		return
	}

	var (
		img   image.Image
		dirty bool
	)
	if resource == resourceAtlas {
		if buf := e.AtlasBuffer(); buf != nil {
			img, dirty = buf, e.IsAtlasDirty()
		}
	} else {
		if buf := e.OutputBuffer(); buf != nil {
			img, dirty = buf, e.IsOutputDirty()
		}
	}
	if img == nil {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "emote not ready")
		return
	}

	var body bytes.Buffer
	if err := png.Encode(&body, img); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("png encode failed", slog.String("emote", id), slog.Any("err", err))
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
	w.Header().Set("X-Emote-Dirty", strconv.FormatBool(dirty))
	w.Header().Set("X-Emote-State", e.Status().State)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body.Bytes())
}
