// Package server exposes the HTTP API: health, metrics, emote status and PNG
// buffers, the live emote event stream, usage stats and blacklist admin.
// Every request carries a correlation ID in its context for consistent logging.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/emote-tender/chat"
	"github.com/onnwee/emote-tender/emote"
	"github.com/onnwee/emote-tender/telemetry"
)

// Deps are the collaborators the handlers serve from.
type Deps struct {
	Registry   *emote.Registry
	Dispatcher *chat.Dispatcher

	// DB is optional. Without it the stats and blacklist write routes answer 503.
	DB *sql.DB

	// ReloadBlacklist rebuilds the live blacklist and returns its size.
	// Nil disables the reload route.
	ReloadBlacklist func(ctx context.Context) (int, error)

	// EmoteHosts lists the hosts a direct-URL emote may be created from over
	// HTTP. Empty rejects every direct URL not already in the registry.
	EmoteHosts []string

	// Heartbeat is the SSE keep-alive interval. Zero selects 15s.
	Heartbeat time.Duration
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	corsCfg := loadCORSConfig()
	rateLimiter := newIPRateLimiter(ctx, loadRateLimiterConfig())

	handlers := NewHandlers(deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	mux.HandleFunc("/emotes", handlers.HandleEmotesList)
	mux.HandleFunc("/emotes/", handlers.HandleEmotesDispatcher)
	mux.HandleFunc("/events", handlers.HandleEvents)
	mux.HandleFunc("/stats/emotes", handlers.HandleEmoteStats)

	mux.HandleFunc("/admin/blacklist", handlers.HandleAdminBlacklist)
	mux.HandleFunc("/admin/blacklist/reload", handlers.HandleAdminBlacklistReload)

	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
			return
		}
		// Creating an emote starts upstream fetches, so it is rate limited too.
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/emotes/") {
			rateLimitMiddleware(mux, rateLimiter).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(routeOf(r.URL.Path)),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", rec.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// routeOf collapses emote ids out of the path so span routes stay low-cardinality.
func routeOf(path string) string {
	rest, ok := strings.CutPrefix(path, "/emotes/")
	if !ok || rest == "" {
		return path
	}
	switch {
	case strings.HasSuffix(rest, "/output.png"):
		return "/emotes/{id}/output.png"
	case strings.HasSuffix(rest, "/atlas.png"):
		return "/emotes/{id}/atlas.png"
	}
	return "/emotes/{id}"
}

// statusRecorder wraps ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,

		// Request contexts end with ctx so long-lived event streams release on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown complete.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
