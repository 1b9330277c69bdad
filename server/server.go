// Package server exposes the operational HTTP surface: liveness, readiness,
// component status, Prometheus metrics and an admin trigger for one-off poll
// cycles. Requests carry a correlation ID in their context for logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/sprinkles/chat"
	"github.com/onnwee/sprinkles/notify"
	"github.com/onnwee/sprinkles/oauth"
	"github.com/onnwee/sprinkles/telemetry"
)

// Identity is a token manager as seen by the status endpoints.
type Identity interface {
	Snapshot() oauth.Snapshot
}

// Chat is the chat session as seen by the status endpoints.
type Chat interface {
	State() chat.State
	Snapshot() chat.Snapshot
}

// Poller is a notification poller that can report and run a cycle on demand.
type Poller interface {
	Name() string
	Status() notify.Status
	Cycle(ctx context.Context) []notify.Event
}

// Deps are the components the HTTP surface reports on. Chat is nil when the
// chat session is disabled.
type Deps struct {
	Version    string
	Identities []Identity
	Chat       Chat
	Pollers    []Poller
	Redis      *redis.Client // rate limiter store for RATE_LIMIT_BACKEND=redis
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	rlCfg := loadRateLimiterConfig()

	var limiter RateLimiter
	if rlCfg.backend == "redis" && deps.Redis != nil {
		slog.Info("initializing distributed rate limiter", slog.String("backend", "redis"))
		limiter = newRedisRateLimiter(deps.Redis, rlCfg)
	} else {
		if rlCfg.backend == "redis" {
			slog.Warn("redis rate limiter requested without a redis client, falling back to memory")
		}
		slog.Info("initializing in-memory rate limiter", slog.String("backend", "memory"))
		limiter = newIPRateLimiter(ctx, rlCfg)
	}

	h := NewHandlers(deps)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.Handle("/admin/poll", adminAuth(rateLimitMiddleware(http.HandlerFunc(h.HandleAdminPoll), limiter), authCfg))

	var handler http.Handler = withCorrelation(mux)
	if telemetry.IsTracingEnabled() {
		handler = otelhttp.NewHandler(handler, "http-server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}))
	}
	return handler
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
