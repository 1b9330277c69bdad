// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Poller
	PollCycles         *prometheus.CounterVec
	PollFetchFailures  *prometheus.CounterVec
	NotificationsSent  *prometheus.CounterVec
	NotificationErrors *prometheus.CounterVec
	ItemsSkipped       *prometheus.CounterVec
	PollCycleDuration  *prometheus.HistogramVec

	// Token manager
	TokenAcquisitions *prometheus.CounterVec
	TokenRefreshes    *prometheus.CounterVec
	AuthExhausted     *prometheus.CounterVec

	// Platform API
	APIResponses *prometheus.CounterVec

	// Chat
	ChatReconnects prometheus.Counter
	ChatCommands   *prometheus.CounterVec
	ChatConnected  prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sprinkles_poll_cycles_total", Help: "Number of notification poll cycles run"}, []string{"source"})
		PollFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sprinkles_poll_fetch_failures_total", Help: "Number of per-target fetch failures"}, []string{"source"})
		NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sprinkles_notifications_sent_total", Help: "Number of notification events delivered"}, []string{"source"})
		NotificationErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sprinkles_notification_errors_total", Help: "Number of notification events that failed to send"}, []string{"source"})
		ItemsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sprinkles_items_skipped_total", Help: "Fetched items dropped before notification"}, []string{"source", "reason"})
		PollCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "sprinkles_poll_cycle_duration_seconds", Help: "Poll cycle duration seconds", Buckets: prometheus.DefBuckets}, []string{"source"})
		TokenAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sprinkles_token_acquisitions_total", Help: "Token acquisitions by flow and result"}, []string{"identity", "result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sprinkles_token_refreshes_total", Help: "Refresh-token grants by result"}, []string{"identity", "result"})
		AuthExhausted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sprinkles_auth_exhausted_total", Help: "Requests that failed authentication after the retry budget"}, []string{"identity"})
		APIResponses = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sprinkles_api_responses_total", Help: "Platform API responses by status code"}, []string{"platform", "code"})
		ChatReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "sprinkles_chat_reconnects_total", Help: "Scheduled chat reconnect attempts"})
		ChatCommands = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sprinkles_chat_commands_total", Help: "Chat commands dispatched by result"}, []string{"result"})
		ChatConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "sprinkles_chat_connected", Help: "Chat connection up=1 down=0"})
	})
}

func inc(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
	}
}

// ObservePoll records one finished poll cycle for source.
func ObservePoll(source string, d time.Duration) {
	inc(PollCycles, source)
	if PollCycleDuration != nil {
		PollCycleDuration.WithLabelValues(source).Observe(d.Seconds())
	}
}

func FetchFailed(source string)       { inc(PollFetchFailures, source) }
func NotificationSent(source string)  { inc(NotificationsSent, source) }
func NotificationError(source string) { inc(NotificationErrors, source) }

// ItemSkipped counts an item dropped for reason ("stale" or "seen").
func ItemSkipped(source, reason string) { inc(ItemsSkipped, source, reason) }

func TokenAcquired(identity, result string)  { inc(TokenAcquisitions, identity, result) }
func TokenRefreshed(identity, result string) { inc(TokenRefreshes, identity, result) }
func AuthRetriesExhausted(identity string)   { inc(AuthExhausted, identity) }

// APIResponse counts a platform response by HTTP status code.
func APIResponse(platform string, code int) { inc(APIResponses, platform, strconv.Itoa(code)) }

func ChatReconnectScheduled() {
	if ChatReconnects != nil {
		ChatReconnects.Inc()
	}
}

func ChatCommand(result string) { inc(ChatCommands, result) }

// SetChatConnected flips the chat gauge.
func SetChatConnected(up bool) {
	if ChatConnected == nil {
		return
	}
	if up {
		ChatConnected.Set(1)
	} else {
		ChatConnected.Set(0)
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

// NewCorrelation embeds a freshly generated correlation id.
func NewCorrelation(ctx context.Context) context.Context {
	return WithCorrelation(ctx, uuid.NewString())
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
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
