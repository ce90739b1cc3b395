// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
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
	GatewayReconnects   prometheus.Counter
	ChannelJoins        prometheus.Counter
	ChannelJoinFailures prometheus.Counter
	AccountsCreated     prometheus.Counter
	AccountsUpdated     prometheus.Counter
	LedgerFailures      prometheus.Counter

	// Per event kind (cheer, subscription, resubscription, gifted_subscription)
	EventsDispatched *prometheus.CounterVec
	HandlerFailures  *prometheus.CounterVec
	RewardUnits      *prometheus.CounterVec

	// Histograms (seconds)
	HandlerDuration prometheus.Observer

	// Gauges
	GatewayStateGauge prometheus.Gauge // 0=disconnected,1=connecting,2=connected
	JoinedChannels    prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		GatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "streamkit_gateway_reconnects_total", Help: "Number of chat connection cycles started"})
		ChannelJoins = promauto.NewCounter(prometheus.CounterOpts{Name: "streamkit_channel_joins_total", Help: "Number of channel joins attempted"})
		ChannelJoinFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "streamkit_channel_join_failures_total", Help: "Number of channel joins that failed"})
		AccountsCreated = promauto.NewCounter(prometheus.CounterOpts{Name: "streamkit_accounts_created_total", Help: "Number of linked accounts created"})
		AccountsUpdated = promauto.NewCounter(prometheus.CounterOpts{Name: "streamkit_accounts_updated_total", Help: "Number of linked accounts re-linked"})
		LedgerFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "streamkit_ledger_failures_total", Help: "Number of reward writes that failed"})
		EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamkit_events_dispatched_total", Help: "Chat events delivered to handlers"}, []string{"kind"})
		HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamkit_handler_failures_total", Help: "Handler invocations that returned an error or panicked"}, []string{"kind"})
		RewardUnits = promauto.NewCounterVec(prometheus.CounterOpts{Name: "streamkit_reward_units_total", Help: "Reward units forwarded to the ledger"}, []string{"kind"})
		HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streamkit_handler_duration_seconds", Help: "Handler invocation duration seconds", Buckets: prometheus.DefBuckets})
		GatewayStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamkit_gateway_state", Help: "Chat gateway state 0=disconnected 1=connecting 2=connected"})
		JoinedChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "streamkit_joined_channels", Help: "Channels joined on the current connection"})
	})
}

// Inc increments c when metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncKind increments the kind label of vec when metrics are initialized.
func IncKind(vec *prometheus.CounterVec, kind string) {
	if vec != nil {
		vec.WithLabelValues(kind).Inc()
	}
}

// AddRewardUnits records units forwarded for kind.
func AddRewardUnits(kind string, units int) {
	if RewardUnits != nil && units > 0 {
		RewardUnits.WithLabelValues(kind).Add(float64(units))
	}
}

// SetGatewayState records the numeric gateway state.
func SetGatewayState(v int) {
	if GatewayStateGauge != nil {
		GatewayStateGauge.Set(float64(v))
	}
}

// SetJoinedChannels records the joined channel count.
func SetJoinedChannels(n int) {
	if JoinedChannels != nil {
		JoinedChannels.Set(float64(n))
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

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
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
