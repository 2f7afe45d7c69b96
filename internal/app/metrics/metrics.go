package metrics

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the relayer-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridge_relayer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge_relayer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridge_relayer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	depositOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge_relayer",
			Subsystem: "deposits",
			Name:      "processed_total",
			Help:      "Deposit processing outcomes by status.",
		},
		[]string{"outcome"},
	)

	depositConfirmWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "bridge_relayer",
			Subsystem: "deposits",
			Name:      "confirmation_wait_seconds",
			Help:      "Time from first observation to confirmed mint submission.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
		},
	)

	withdrawalOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge_relayer",
			Subsystem: "withdrawals",
			Name:      "resolved_total",
			Help:      "Withdrawal lifecycle outcomes.",
		},
		[]string{"outcome"},
	)

	gasPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "bridge_relayer",
			Subsystem: "feeoracle",
			Name:      "gas_price_wei",
			Help:      "Last accepted gas price quote.",
		},
	)

	gasPriceUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge_relayer",
			Subsystem: "feeoracle",
			Name:      "gas_price_updates_total",
			Help:      "Gas price update attempts by outcome.",
		},
		[]string{"outcome"},
	)

	compensationPaid = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "bridge_relayer",
			Subsystem: "feeoracle",
			Name:      "compensation_wei_total",
			Help:      "Total relayer compensation credited.",
		},
	)

	alertDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge_relayer",
			Subsystem: "alerts",
			Name:      "deliveries_total",
			Help:      "Alert webhook delivery outcomes.",
		},
		[]string{"outcome"},
	)

	monitorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge_relayer",
			Subsystem: "monitor",
			Name:      "errors_total",
			Help:      "Errors recorded by the chain monitor, by severity.",
		},
		[]string{"severity"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		depositOutcomes,
		depositConfirmWait,
		withdrawalOutcomes,
		gasPrice,
		gasPriceUpdates,
		compensationPaid,
		alertDeliveries,
		monitorErrors,
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

// RecordDepositOutcome records a deposit processing outcome.
func RecordDepositOutcome(outcome string, waited time.Duration) {
	depositOutcomes.WithLabelValues(outcome).Inc()
	if waited > 0 {
		depositConfirmWait.Observe(waited.Seconds())
	}
}

// RecordWithdrawalOutcome records a withdrawal lifecycle outcome.
func RecordWithdrawalOutcome(outcome string) {
	withdrawalOutcomes.WithLabelValues(outcome).Inc()
}

// RecordGasPriceUpdate records a gas price update attempt; accepted updates
// also move the price gauge.
func RecordGasPriceUpdate(outcome string, price *big.Int) {
	gasPriceUpdates.WithLabelValues(outcome).Inc()
	if price != nil {
		v, _ := new(big.Float).SetInt(price).Float64()
		gasPrice.Set(v)
	}
}

// RecordCompensation adds credited compensation to the running counter.
func RecordCompensation(amount *big.Int) {
	if amount == nil {
		return
	}
	v, _ := new(big.Float).SetInt(amount).Float64()
	compensationPaid.Add(v)
}

// RecordAlertDelivery records an alert delivery outcome (sent/failed/dropped).
func RecordAlertDelivery(outcome string) {
	alertDeliveries.WithLabelValues(outcome).Inc()
}

// RecordMonitorError counts an error recorded on the monitor's health ring.
func RecordMonitorError(severity string) {
	monitorErrors.WithLabelValues(severity).Inc()
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
	case "deposits", "withdrawals", "transactions", "relayers":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		if len(parts) == 2 {
			return "/" + parts[0] + "/:id"
		}
		return "/" + parts[0] + "/:id/" + parts[2]
	default:
		return "/" + parts[0]
	}
}
