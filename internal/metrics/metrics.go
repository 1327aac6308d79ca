package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracks the number of outbound marketplace API calls.
	MarketRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_market_requests_total",
			Help: "Total number of marketplace API requests (by endpoint, method and status).",
		},
		[]string{"endpoint", "method", "status"},
	)

	MarketRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "p2p_market_request_duration_seconds",
			Help:    "Duration of marketplace API requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"endpoint", "method"},
	)

	// Tracks NATS messages processed by subject and result.
	NATSMessageCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nats_messages_total",
			Help: "Total number of NATS messages processed.",
		},
		[]string{"subject", "result"}, // result = "ok" | "error"
	)

	NATSMessageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nats_message_latency_seconds",
			Help:    "Time taken to publish NATS messages",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subject"},
	)

	SecretsCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secrets_cache_access_total",
			Help: "Number of cache hits/misses in secret cache.",
		},
		[]string{"result"}, // hit | miss
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_errors_total",
			Help: "Count of errors by component.",
		},
		[]string{"component", "reason"},
	)

	// Unix seconds of the last completed loop iteration.
	LastPollTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "p2p_last_poll_timestamp",
			Help: "Timestamp (unix seconds) of the last completed cycle per component.",
		},
		[]string{"component"},
	)

	PricingCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_pricing_cycles_total",
			Help: "Pricing cycles run by each ad manager.",
		},
		[]string{"side", "result"},
	)

	PricingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_pricing_decisions_total",
			Help: "Target prices computed, by strategy and whether a fallback was used.",
		},
		[]string{"side", "strategy", "fallback"},
	)

	PriceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_price_updates_total",
			Help: "Ad price update calls by result (updated | skipped | failed).",
		},
		[]string{"side", "asset", "result"},
	)

	ManagedAds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "p2p_managed_ads",
			Help: "Active ads owned by each ad manager.",
		},
		[]string{"side"},
	)

	PaymentsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_bank_payments_total",
			Help: "Bank payments received, by intake source and match result.",
		},
		[]string{"source", "result"},
	)

	ReleaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_release_transitions_total",
			Help: "Auto-release state transitions by stage and reason code.",
		},
		[]string{"stage", "reason"},
	)

	StatsCacheAccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "p2p_counterparty_stats_cache_total",
			Help: "Counterparty stats cache lookups.",
		},
		[]string{"result"}, // hit | miss
	)

	TrustedCounterparties = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "p2p_trusted_counterparties",
			Help: "Active trusted counterparties after the last registry refresh.",
		},
	)
)

// ObserveDuration records the time taken for a function and updates the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	default:
		// silently ignore counters; they're not meant for duration tracking
	}
}

func IncMarketRequest(endpoint, method, status string) {
	MarketRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
}

func IncNATSMessage(subject, result string) {
	NATSMessageCount.WithLabelValues(subject, result).Inc()
}

func IncCacheHit(result string) {
	SecretsCacheHits.WithLabelValues(result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastPoll(component string, t time.Time) {
	LastPollTimestamp.WithLabelValues(component).Set(float64(t.Unix()))
}

func IncPricingCycle(side, result string) {
	PricingCycles.WithLabelValues(side, result).Inc()
}

func IncPricingDecision(side, strategy string, fallback bool) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	PricingDecisions.WithLabelValues(side, strategy, fb).Inc()
}

func IncPriceUpdate(side, asset, result string) {
	PriceUpdates.WithLabelValues(side, asset, result).Inc()
}

func SetManagedAds(side string, n int) {
	ManagedAds.WithLabelValues(side).Set(float64(n))
}

func IncPayment(source, result string) {
	PaymentsReceived.WithLabelValues(source, result).Inc()
}

func IncReleaseTransition(stage, reason string) {
	ReleaseTransitions.WithLabelValues(stage, reason).Inc()
}

func IncStatsCache(result string) {
	StatsCacheAccess.WithLabelValues(result).Inc()
}

func SetTrustedCounterparties(n int) {
	TrustedCounterparties.Set(float64(n))
}
