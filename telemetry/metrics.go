// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EmotesCreated    prometheus.Counter
	ResolveOutcomes  *prometheus.CounterVec // outcome=animated|static|direct|blacklisted|error
	FrameLoads       *prometheus.CounterVec // outcome=ok|failed|unavailable
	Ticks            prometheus.Counter
	Draws            prometheus.Counter
	RestoreFailures  prometheus.Counter
	AtlasesCompleted prometheus.Counter
	ChatMessages     prometheus.Counter
	EmoteEvents      prometheus.Counter
	SinkFailures     prometheus.Counter

	// Histograms (seconds)
	FetchDuration *prometheus.HistogramVec // kind=frames|image|channel

	// Gauges
	ActiveEmotes prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EmotesCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_sources_created_total", Help: "Number of emote sources created"})
		ResolveOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "emote_resolve_total", Help: "Emote resolutions by outcome"}, []string{"outcome"})
		FrameLoads = promauto.NewCounterVec(prometheus.CounterOpts{Name: "emote_frame_loads_total", Help: "Frame image loads by outcome"}, []string{"outcome"})
		Ticks = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_ticks_total", Help: "Compositor ticks"})
		Draws = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_draws_total", Help: "Frames composited into an output buffer"})
		RestoreFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_restore_failures_total", Help: "Restore-to-previous draws skipped for a missing snapshot"})
		AtlasesCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_atlases_completed_total", Help: "Sprite atlases that reached completion"})
		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_total", Help: "Chat messages received"})
		EmoteEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_emote_events_total", Help: "Emote events dispatched"})
		SinkFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sink_failures_total", Help: "Events an external sink failed to publish"})
		FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "gifapi_fetch_duration_seconds", Help: "Decoding service request duration seconds", Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}}, []string{"kind"})
		ActiveEmotes = promauto.NewGauge(prometheus.GaugeOpts{Name: "emote_sources_active", Help: "Emote sources held by the registry"})
	})
}

// IncEmotesCreated counts a new emote source.
func IncEmotesCreated() {
	if EmotesCreated != nil {
		EmotesCreated.Inc()
	}
}

// ObserveResolve counts a resolution outcome.
func ObserveResolve(outcome string) {
	if ResolveOutcomes != nil {
		ResolveOutcomes.WithLabelValues(outcome).Inc()
	}
}

// ObserveFrameLoad counts a frame image load outcome.
func ObserveFrameLoad(outcome string) {
	if FrameLoads != nil {
		FrameLoads.WithLabelValues(outcome).Inc()
	}
}

func IncTicks() {
	if Ticks != nil {
		Ticks.Inc()
	}
}

func IncDraws() {
	if Draws != nil {
		Draws.Inc()
	}
}

func IncRestoreFailures() {
	if RestoreFailures != nil {
		RestoreFailures.Inc()
	}
}

func IncAtlasCompleted() {
	if AtlasesCompleted != nil {
		AtlasesCompleted.Inc()
	}
}

func IncChatMessages() {
	if ChatMessages != nil {
		ChatMessages.Inc()
	}
}

func IncEmoteEvents() {
	if EmoteEvents != nil {
		EmoteEvents.Inc()
	}
}

func IncSinkFailures() {
	if SinkFailures != nil {
		SinkFailures.Inc()
	}
}

// ObserveFetch records a decoding service request duration.
func ObserveFetch(kind string, d time.Duration) {
	if FetchDuration != nil {
		FetchDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// FetchObserver returns the fetch duration observer for kind, or nil before Init.
func FetchObserver(kind string) prometheus.Observer {
	if FetchDuration == nil {
		return nil
	}
	return FetchDuration.WithLabelValues(kind)
}

// SetActiveEmotes records the registry size.
func SetActiveEmotes(n int) {
	if ActiveEmotes != nil {
		ActiveEmotes.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
