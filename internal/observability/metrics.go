package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// --- Ledger ---
	TradesApplied     *prometheus.CounterVec
	TradesRejected    *prometheus.CounterVec
	ApplyDuration     prometheus.Histogram
	MutationRetries   prometheus.Counter
	PositionsOpened   prometheus.Counter
	PositionsClosed   prometheus.Counter
	RealizedPnL       *prometheus.CounterVec
	HaltedKeys        prometheus.Gauge
	RecomputeRuns     *prometheus.CounterVec
	RecomputeDuration prometheus.Histogram
	RecomputeTrades   prometheus.Gauge

	// --- Engine ---
	DedupHits        *prometheus.CounterVec
	DedupLRUSize     prometheus.Gauge
	OutOfOrderTrades *prometheus.CounterVec
	ShardQueueDepth  *prometheus.GaugeVec
	PublishDrops     prometheus.Counter

	// --- Query ---
	PriceLookupMisses prometheus.Counter
	QueryErrors       *prometheus.CounterVec

	// --- HTTP ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg uses
// the default registerer; tests pass a fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	applyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		TradesApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_trades_applied_total",
			Help: "Trade legs applied to positions",
		}, []string{"action"}),

		TradesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_trades_rejected_total",
			Help: "Trades rejected (validation, conflict, halted key)",
		}, []string{"reason"}),

		ApplyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_apply_duration_seconds",
			Help:    "Time to apply and commit one trade",
			Buckets: applyBuckets,
		}),

		MutationRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_mutation_retries_total",
			Help: "Optimistic concurrency retries",
		}),

		PositionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_positions_opened_total",
			Help: "Positions created",
		}),

		PositionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_positions_closed_total",
			Help: "Positions closed",
		}),

		RealizedPnL: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_realized_pnl_abs_total",
			Help: "Absolute realized P&L by sign",
		}, []string{"sign"}),

		HaltedKeys: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_halted_keys",
			Help: "Books halted by a consistency violation",
		}),

		RecomputeRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_recompute_runs_total",
			Help: "Full recomputations by outcome",
		}, []string{"outcome"}),

		RecomputeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_recompute_duration_seconds",
			Help:    "Duration of a full recomputation",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),

		RecomputeTrades: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_recompute_trades",
			Help: "Trades replayed by the last recompute",
		}),

		DedupHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_dedup_hits_total",
			Help: "Duplicate trades detected by tier",
		}, []string{"tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		OutOfOrderTrades: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_out_of_order_trades_total",
			Help: "Trades older than the last applied trade on their book",
		}, []string{"asset"}),

		ShardQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_shard_queue_depth",
			Help: "Pending trades per engine shard",
		}, []string{"shard"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_publish_drops_total",
			Help: "Effects dropped because the output channel was full",
		}),

		PriceLookupMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledger_price_lookup_misses_total",
			Help: "Open positions without a price proxy",
		}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "path", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),
	}
}

// SetQueueDepth updates the pending trade gauge for a shard.
func (m *Metrics) SetQueueDepth(shard int, depth int) {
	m.ShardQueueDepth.WithLabelValues(strconv.Itoa(shard)).Set(float64(depth))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency. routeOf maps a request to a
// low-cardinality route label; nil uses the raw path.
func (m *Metrics) Middleware(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			path := r.URL.Path
			if routeOf != nil {
				if route := routeOf(r); route != "" {
					path = route
				}
			}
			m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
