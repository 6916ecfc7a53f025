package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tunnelbay",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunnelbay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tunnelbay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	orderOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunnelbay",
			Subsystem: "orders",
			Name:      "placed_total",
			Help:      "Total number of order placements, by terminal outcome.",
		},
		[]string{"protocol", "outcome"},
	)

	provisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tunnelbay",
			Subsystem: "orders",
			Name:      "provision_duration_seconds",
			Help:      "End-to-end duration of order provisioning.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17m
		},
		[]string{"protocol"},
	)

	peerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunnelbay",
			Subsystem: "peers",
			Name:      "operations_total",
			Help:      "Total number of peer credential operations.",
		},
		[]string{"op", "success"},
	)

	depositsConfirmed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunnelbay",
			Subsystem: "deposits",
			Name:      "confirmed_total",
			Help:      "Total number of confirmed deposit intents.",
		},
		[]string{"channel"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunnelbay",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Total number of background sweep runs.",
		},
		[]string{"job", "success"},
	)

	sweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tunnelbay",
			Subsystem: "sweep",
			Name:      "run_duration_seconds",
			Help:      "Duration of background sweep runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"job"},
	)

	lockHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tunnelbay",
			Subsystem: "locks",
			Name:      "order_handles",
			Help:      "Current number of per-order lock handles held in memory.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		orderOutcomes,
		provisionDuration,
		peerOps,
		depositsConfirmed,
		sweepRuns,
		sweepDuration,
		lockHandles,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordOrderOutcome records a finished order placement.
func RecordOrderOutcome(protocol, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	orderOutcomes.WithLabelValues(protocol, outcome).Inc()
	provisionDuration.WithLabelValues(protocol).Observe(duration.Seconds())
}

// RecordPeerOperation records a peer add or remove.
func RecordPeerOperation(op string, success bool) {
	peerOps.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}

// RecordDepositConfirmed records a confirmed deposit intent.
func RecordDepositConfirmed(channel string) {
	depositsConfirmed.WithLabelValues(channel).Inc()
}

// RecordSweepRun records one background sweep execution.
func RecordSweepRun(job string, duration time.Duration, success bool) {
	if job == "" {
		job = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	sweepRuns.WithLabelValues(job, strconv.FormatBool(success)).Inc()
	sweepDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// SetLockHandles reports the current lock-registry size.
func SetLockHandles(n int) {
	lockHandles.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "orders":
		if len(parts) == 1 {
			return "/orders"
		}
		if len(parts) == 2 {
			return "/orders/:order"
		}
		return "/orders/:order/" + parts[2]
	case "deposits":
		if len(parts) == 1 {
			return "/deposits"
		}
		if len(parts) == 2 {
			return "/deposits/:deposit"
		}
		return "/deposits/:deposit/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
