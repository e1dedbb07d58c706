package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Project lifecycle transitions recorded by the funding engine.
const (
	TransitionCreated = "created"
	TransitionFunded  = "funded"
	TransitionClosed  = "closed"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pledgevault",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pledgevault",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pledgevault",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	fundingOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pledgevault",
			Subsystem: "funding",
			Name:      "operations_total",
			Help:      "Total funding operations by outcome.",
		},
		[]string{"operation", "result"},
	)

	fundingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pledgevault",
			Subsystem: "funding",
			Name:      "operation_duration_seconds",
			Help:      "Duration of funding operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	donationUnits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pledgevault",
			Subsystem: "treasury",
			Name:      "donation_units_total",
			Help:      "Total net donation units credited to projects.",
		},
	)

	feeUnits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pledgevault",
			Subsystem: "treasury",
			Name:      "fee_units_total",
			Help:      "Total fee units collected by the platform account.",
		},
	)

	withdrawalUnits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pledgevault",
			Subsystem: "treasury",
			Name:      "withdrawal_units_total",
			Help:      "Total units withdrawn by project owners.",
		},
	)

	refundUnits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pledgevault",
			Subsystem: "treasury",
			Name:      "refund_units_total",
			Help:      "Total units refunded to donors.",
		},
	)

	escrowHeldUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pledgevault",
			Subsystem: "treasury",
			Name:      "escrow_held_units",
			Help:      "Units currently held in escrow vaults.",
		},
	)

	projectTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pledgevault",
			Subsystem: "projects",
			Name:      "transitions_total",
			Help:      "Total project lifecycle transitions.",
		},
		[]string{"transition"},
	)

	watcherSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pledgevault",
			Subsystem: "watcher",
			Name:      "sweeps_total",
			Help:      "Total deadline sweep runs.",
		},
	)

	watcherDeadlines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pledgevault",
			Subsystem: "watcher",
			Name:      "deadlines_reached_total",
			Help:      "Total open projects observed past their deadline.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		fundingOperations,
		fundingDuration,
		donationUnits,
		feeUnits,
		withdrawalUnits,
		refundUnits,
		escrowHeldUnits,
		projectTransitions,
		watcherSweeps,
		watcherDeadlines,
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

// RecordOperation records one funding operation outcome with its latency.
func RecordOperation(operation string, duration time.Duration, err error) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	fundingOperations.WithLabelValues(operation, result).Inc()
	fundingDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordDonationSplit records a credited donation and its platform fee.
func RecordDonationSplit(net, fee uint64) {
	donationUnits.Add(float64(net))
	feeUnits.Add(float64(fee))
}

// RecordCreationFee records the fee collected for a project creation.
func RecordCreationFee(fee uint64) {
	feeUnits.Add(float64(fee))
}

// RecordWithdrawal records an owner collecting the raised balance.
func RecordWithdrawal(amount uint64) {
	withdrawalUnits.Add(float64(amount))
}

// RecordRefund records escrow returned to a donor.
func RecordRefund(amount uint64) {
	refundUnits.Add(float64(amount))
}

// RecordProjectTransition records one project lifecycle transition.
func RecordProjectTransition(transition string) {
	if transition == "" {
		transition = "unknown"
	}
	projectTransitions.WithLabelValues(transition).Inc()
}

// AddEscrowHeld raises the custody gauge by amount.
func AddEscrowHeld(amount uint64) {
	escrowHeldUnits.Add(float64(amount))
}

// SubEscrowHeld lowers the custody gauge by amount.
func SubEscrowHeld(amount uint64) {
	escrowHeldUnits.Sub(float64(amount))
}

// RecordDeadlineSweep records one watcher run and how many open projects it
// found past their deadline.
func RecordDeadlineSweep(reached int) {
	watcherSweeps.Inc()
	if reached > 0 {
		watcherDeadlines.Add(float64(reached))
	}
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

// Hijack lets WebSocket upgrades pass through the instrumented handler.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
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
	if parts[0] != "v1" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/v1"
	}
	switch parts[1] {
	case "projects":
		switch len(parts) {
		case 2:
			return "/v1/projects"
		case 3:
			return "/v1/projects/:id"
		default:
			return "/v1/projects/:id/" + parts[3]
		}
	case "rewards":
		if len(parts) > 2 {
			return "/v1/rewards/:identity"
		}
		return "/v1/rewards"
	case "treasury", "events":
		if len(parts) > 2 {
			return "/v1/" + parts[1] + "/" + parts[2]
		}
		return "/v1/" + parts[1]
	default:
		return "/v1/" + parts[1]
	}
}
