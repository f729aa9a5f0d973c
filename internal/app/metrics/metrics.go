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
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	settlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "coordinator",
			Name:      "settlements_total",
			Help:      "Settlement requests reaching a terminal or orphaned state.",
		},
		[]string{"kind", "state"},
	)

	degradedCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "coordinator",
			Name:      "degraded_commits_total",
			Help:      "Ledger commits made with a sentinel reference instead of a confirmed transaction.",
		},
		[]string{"kind", "reason"},
	)

	chainSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "chain",
			Name:      "submissions_total",
			Help:      "Chain submissions by result.",
		},
		[]string{"result"},
	)

	receiptWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement_layer",
			Subsystem: "chain",
			Name:      "receipt_wait_seconds",
			Help:      "Time spent waiting for transaction receipts.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2m
		},
		[]string{"result"},
	)

	reconciliationRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "reconciler",
			Name:      "runs_total",
			Help:      "Reconciliation passes executed.",
		},
	)

	reconciliationRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "reconciler",
			Name:      "repairs_total",
			Help:      "Orphaned settlements processed by outcome.",
		},
		[]string{"outcome"},
	)

	ledgerViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement_layer",
			Subsystem: "ledger",
			Name:      "invariant_violations_total",
			Help:      "Ledger conflicts and duplicate external references.",
		},
		[]string{"violation"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		settlementsTotal,
		degradedCommits,
		chainSubmissions,
		receiptWait,
		reconciliationRuns,
		reconciliationRepairs,
		ledgerViolations,
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

// RecordSettlement records a settlement reaching the given state.
func RecordSettlement(kind, state string) {
	settlementsTotal.WithLabelValues(kind, state).Inc()
}

// RecordDegradedCommit records a sentinel-reference ledger commit.
func RecordDegradedCommit(kind, reason string) {
	degradedCommits.WithLabelValues(kind, reason).Inc()
}

// RecordChainSubmission records a chain submission result
// (submitted, wallet_unavailable, user_rejected, reverted, network).
func RecordChainSubmission(result string) {
	chainSubmissions.WithLabelValues(result).Inc()
}

// ObserveReceiptWait records time spent waiting for a receipt.
func ObserveReceiptWait(result string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	receiptWait.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordReconciliationRun records one reconciliation pass.
func RecordReconciliationRun() {
	reconciliationRuns.Inc()
}

// RecordReconciliationOutcome records a processed orphan
// (repaired, deferred, escalated).
func RecordReconciliationOutcome(outcome string) {
	reconciliationRepairs.WithLabelValues(outcome).Inc()
}

// RecordLedgerViolation records a ledger invariant violation
// (conflict, duplicate_reference).
func RecordLedgerViolation(violation string) {
	ledgerViolations.WithLabelValues(violation).Inc()
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
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "claims":
		if len(parts) >= 3 {
			return "/claims/:id/" + parts[2]
		}
		return "/claims/:id"
	case "settlements":
		if len(parts) >= 2 {
			return "/settlements/:id"
		}
		return "/settlements"
	}
	return "/" + parts[0]
}
