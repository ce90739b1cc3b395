// Package server exposes the HTTP API: health, readiness, metrics, Twitch
// account linking and a small admin surface over the chat gateway. It
// injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/streamkit/telemetry"
)

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	limiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	h := NewHandlers(deps)

	limited := func(fn http.HandlerFunc) http.Handler { return rateLimitMiddleware(fn, limiter) }
	admin := func(fn http.HandlerFunc) http.Handler { return adminAuth(limited(fn), authCfg) }

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// Linking is public but rate limited per client IP.
	mux.Handle("GET /auth/twitch/start", limited(h.HandleTwitchOAuthStart))
	mux.Handle("GET /auth/twitch/callback", limited(h.HandleTwitchOAuthCallback))

	mux.HandleFunc("GET /accounts/{id}/rewards", h.HandleAccountRewards)

	mux.Handle("GET /admin/gateway", admin(h.HandleAdminGatewayStatus))
	mux.Handle("POST /admin/gateway/reconnect", admin(h.HandleAdminGatewayReconnect))

	return withCORSConfig(withRequestContext(mux), loadCORSConfig())
}

// withRequestContext attaches a correlation id and a server span to every
// request. The span is renamed to the matched route once the mux has run so
// path parameters do not blow up span cardinality.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", corr)
		ctx := telemetry.WithCorrelation(r.Context(), corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method, telemetry.HTTPMethodAttr(r.Method))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		req := r.WithContext(ctx)
		start := time.Now()
		next.ServeHTTP(rec, req)

		route := req.Pattern
		if route == "" {
			route = "unmatched"
		}
		span.SetName(route)
		span.SetAttributes(telemetry.HTTPRouteAttr(route))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)

		if route != "GET /metrics" {
			telemetry.LoggerWithCorr(ctx).Debug("request done",
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("took", time.Since(start)),
				slog.String("component", "http"))
		}
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values while letting shutdown finish
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
