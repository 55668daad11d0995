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
	StreamFrames         *prometheus.CounterVec // kind
	StreamReconnects     *prometheus.CounterVec // reason
	StreamMaxReconnects  prometheus.Counter
	ItemsProcessed       *prometheus.CounterVec // channel, kind
	ReferenceAssignments *prometheus.CounterVec // table
	PollRequests         *prometheus.CounterVec // pull, result
	Notifications        *prometheus.CounterVec // category, result
	TokenRefreshes       *prometheus.CounterVec // result
	Revocations          *prometheus.CounterVec // credential

	// Histograms (seconds)
	PollDuration prometheus.Observer

	// Gauges
	ActiveStreams  prometheus.Gauge
	ActiveAccounts prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		StreamFrames = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedmaid_stream_frames_total", Help: "Stream frames received by payload kind"}, []string{"kind"})
		StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedmaid_stream_reconnects_total", Help: "Stream reconnect attempts by reason"}, []string{"reason"})
		StreamMaxReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "feedmaid_stream_max_reconnects_total", Help: "Streams that gave up after exhausting reconnect attempts"})
		ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedmaid_items_processed_total", Help: "Items routed through the pipeline by channel and kind"}, []string{"channel", "kind"})
		ReferenceAssignments = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedmaid_reference_assignments_total", Help: "Short references resolved or assigned by table"}, []string{"table"})
		PollRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedmaid_poll_requests_total", Help: "REST polling pulls by pull and result"}, []string{"pull", "result"})
		Notifications = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedmaid_notifications_total", Help: "Notifications handed to the notifier by category and result"}, []string{"category", "result"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedmaid_token_refreshes_total", Help: "Location credential refreshes by result"}, []string{"result"})
		Revocations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "feedmaid_credential_revocations_total", Help: "Credentials invalidated after an unauthorized response"}, []string{"credential"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "feedmaid_poll_duration_seconds", Help: "Duration of one polling round", Buckets: []float64{0.5, 1, 5, 10, 20, 30, 60, 120}})
		ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{Name: "feedmaid_active_streams", Help: "Currently open stream connections"})
		ActiveAccounts = promauto.NewGauge(prometheus.GaugeOpts{Name: "feedmaid_active_accounts", Help: "Accounts with a running ingestion manager"})
	})
}

func inc(v *prometheus.CounterVec, labels ...string) {
	if v != nil {
		v.WithLabelValues(labels...).Inc()
	}
}

// RecordFrame counts a decoded stream frame.
func RecordFrame(kind string) { inc(StreamFrames, kind) }

// RecordReconnect counts a reconnect attempt.
func RecordReconnect(reason string) { inc(StreamReconnects, reason) }

// RecordMaxReconnects counts a stream giving up.
func RecordMaxReconnects() {
	if StreamMaxReconnects != nil {
		StreamMaxReconnects.Inc()
	}
}

// RecordItem counts an item routed through the pipeline.
func RecordItem(channel, kind string) { inc(ItemsProcessed, channel, kind) }

// RecordReference counts a reference table lookup-or-assign.
func RecordReference(table string) { inc(ReferenceAssignments, table) }

// RecordPoll counts a polling pull outcome.
func RecordPoll(pull, result string) { inc(PollRequests, pull, result) }

// RecordNotification counts a notifier hand-off.
func RecordNotification(category, result string) { inc(Notifications, category, result) }

// RecordRefresh counts a credential refresh outcome.
func RecordRefresh(result string) { inc(TokenRefreshes, result) }

// RecordRevocation counts an invalidated credential.
func RecordRevocation(credential string) { inc(Revocations, credential) }

// AddActiveStreams adjusts the open stream gauge.
func AddActiveStreams(delta int) {
	if ActiveStreams != nil {
		ActiveStreams.Add(float64(delta))
	}
}

// SetActiveAccounts records the number of running managers.
func SetActiveAccounts(n int) {
	if ActiveAccounts != nil {
		ActiveAccounts.Set(float64(n))
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
