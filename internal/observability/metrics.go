package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	httpRequestsTotal     *prometheus.CounterVec
	httpLatencySeconds    *prometheus.HistogramVec
	httpErrorsTotal       *prometheus.CounterVec
	chatConnectionsActive prometheus.Gauge
	chatMessagesSent      *prometheus.CounterVec
	chatSeenTransitions   prometheus.Counter
	chatReactionUpdates   *prometheus.CounterVec
	chatTypingSignals     prometheus.Counter
	historyCacheLookups   *prometheus.CounterVec
	uploadRequestsTotal   *prometheus.CounterVec
	uploadRejectedTotal   *prometheus.CounterVec
	uploadLatencySeconds  prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors used by the API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		chatConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_chat_connections_active",
			Help: "Currently open delivery-channel connections.",
		})

		chatMessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_chat_messages_sent_total",
			Help: "Messages persisted and fanned out, by type tag.",
		}, []string{"type"})

		chatSeenTransitions = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_chat_seen_transitions_total",
			Help: "Messages transitioned to seen status.",
		})

		chatReactionUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_chat_reaction_updates_total",
			Help: "Reaction set mutations, by operation.",
		}, []string{"op"})

		chatTypingSignals = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parley_chat_typing_signals_total",
			Help: "Typing signals relayed across the delivery channel.",
		})

		historyCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_history_cache_lookups_total",
			Help: "History cache lookups, by outcome.",
		}, []string{"outcome"})

		uploadRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_upload_requests_total",
			Help: "Accepted media uploads, by detected MIME type.",
		}, []string{"mime"})

		uploadRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_upload_rejected_total",
			Help: "Rejected media uploads, by reason.",
		}, []string{"reason"})

		uploadLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_upload_latency_seconds",
			Help:    "Latency distribution for media uploads.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			chatConnectionsActive, chatMessagesSent, chatSeenTransitions,
			chatReactionUpdates, chatTypingSignals, historyCacheLookups,
			uploadRequestsTotal, uploadRejectedTotal, uploadLatencySeconds,
		)
	})
}

// Requests exposes the counter for API requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// Latency exposes the latency histogram for API requests.
func Latency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// Errors exposes the counter for API error responses.
func Errors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// ChatConnectionsActive exposes the delivery-channel connection gauge.
func ChatConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatConnectionsActive
}

// ChatMessagesSent exposes the per-type message counter.
func ChatMessagesSent() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesSent
}

// SeenTransitions exposes the seen-transition counter.
func SeenTransitions() prometheus.Counter {
	RegisterMetrics()
	return chatSeenTransitions
}

// ReactionUpdates exposes the reaction mutation counter.
func ReactionUpdates() *prometheus.CounterVec {
	RegisterMetrics()
	return chatReactionUpdates
}

// TypingSignals exposes the typing signal counter.
func TypingSignals() prometheus.Counter {
	RegisterMetrics()
	return chatTypingSignals
}

// HistoryCacheLookups exposes the cache outcome counter.
func HistoryCacheLookups() *prometheus.CounterVec {
	RegisterMetrics()
	return historyCacheLookups
}

// UploadRequests exposes the accepted upload counter.
func UploadRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRequestsTotal
}

// UploadRejected exposes the rejected upload counter.
func UploadRejected() *prometheus.CounterVec {
	RegisterMetrics()
	return uploadRejectedTotal
}

// UploadLatency exposes the upload latency histogram.
func UploadLatency() prometheus.Histogram {
	RegisterMetrics()
	return uploadLatencySeconds
}
