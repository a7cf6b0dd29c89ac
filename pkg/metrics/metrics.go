package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks oracle, proof-of-work and repair activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Oracle metrics
	OracleRequests *prometheus.CounterVec
	OracleLatency  *prometheus.HistogramVec
	OracleRetries  prometheus.Counter
	HashCacheHits  prometheus.Counter

	// Proof-of-work metrics
	TokensMinted prometheus.Counter
	PoWFailures  prometheus.Counter
	PoWAttempts  prometheus.Counter
	PoWSolveTime prometheus.Histogram

	// Repair metrics
	CorruptBlocks  prometheus.Counter
	RepairedBlocks prometheus.Counter
	FailedBlocks   prometheus.Counter
	WindowsScanned prometheus.Counter
}

// NewMetrics creates and registers the metrics. A nil registry uses the default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		OracleRequests: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "hashmend_oracle_requests_total",
			Help: "Total number of oracle requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		OracleLatency: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hashmend_oracle_request_seconds",
			Help:    "Oracle request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		OracleRetries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hashmend_oracle_retries_total",
			Help: "Total number of retried oracle requests",
		}),
		HashCacheHits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hashmend_hash_cache_hits_total",
			Help: "Range hash lookups answered from the local cache",
		}),

		TokensMinted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hashmend_pow_tokens_minted_total",
			Help: "Total number of proof-of-work tokens minted",
		}),
		PoWFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hashmend_pow_failures_total",
			Help: "Proof-of-work searches that exhausted their budget or were cancelled",
		}),
		PoWAttempts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hashmend_pow_attempts_total",
			Help: "Total number of hashed proof-of-work candidates",
		}),
		PoWSolveTime: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "hashmend_pow_solve_seconds",
			Help:    "Time spent solving a proof-of-work challenge",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}),

		CorruptBlocks: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hashmend_corrupt_blocks_total",
			Help: "Atomic blocks found corrupted",
		}),
		RepairedBlocks: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hashmend_repaired_blocks_total",
			Help: "Atomic blocks overwritten with oracle data",
		}),
		FailedBlocks: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hashmend_failed_blocks_total",
			Help: "Corrupted blocks whose corrected data could not be fetched",
		}),
		WindowsScanned: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "hashmend_windows_scanned_total",
			Help: "Top-level windows checked by bisection",
		}),
	}
}

func (m *Metrics) ObserveOracle(endpoint, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OracleRequests.WithLabelValues(endpoint, outcome).Inc()
	m.OracleLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.OracleRetries.Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.HashCacheHits.Inc()
}

func (m *Metrics) TokenMinted(attempts uint64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TokensMinted.Inc()
	m.PoWAttempts.Add(float64(attempts))
	m.PoWSolveTime.Observe(elapsed.Seconds())
}

func (m *Metrics) PoWFailed() {
	if m == nil {
		return
	}
	m.PoWFailures.Inc()
}

func (m *Metrics) WindowScanned(corrupt int) {
	if m == nil {
		return
	}
	m.WindowsScanned.Inc()
	m.CorruptBlocks.Add(float64(corrupt))
}

func (m *Metrics) BlockRepaired() {
	if m == nil {
		return
	}
	m.RepairedBlocks.Inc()
}

func (m *Metrics) BlockFailed() {
	if m == nil {
		return
	}
	m.FailedBlocks.Inc()
}

// Handler serves gatherer under /metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Serve exposes the registry on addr under /metrics until the server is closed.
func Serve(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           Handler(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Serving metrics", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
