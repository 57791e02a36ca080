package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/emote-tender/chat"
	"github.com/onnwee/emote-tender/telemetry"
)

// HandleEvents streams chat emote events as Server-Sent Events. The optional
// channel query parameter restricts the stream to one Twitch channel.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	if h.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	channel := strings.TrimPrefix(strings.ToLower(r.URL.Query().Get("channel")), "#")
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "sse"))

	// The stream outlives the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Debug("could not clear write deadline", slog.Any("err", err))
	}

	events, unsubscribe := h.deps.Dispatcher.Subscribe(32)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	flusher.Flush()
	log.Debug("event stream opened", slog.String("channel", channel))

	heartbeat := time.NewTicker(h.deps.Heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream closed")
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if channel != "" && ev.Channel != channel {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				log.Warn("failed to write SSE event", slog.Any("err", err))
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE frame: id, event name and a single JSON data line.
func writeEvent(w http.ResponseWriter, ev chat.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: emote\ndata: %s\n\n", ev.ID, b)
	return err
}
