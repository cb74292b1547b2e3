package observability

import (
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	faucetMetricsOnce sync.Once
	faucetRegistry    *FaucetMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

// FaucetMetrics wraps collectors tracking voucher issuance and relay health.
type FaucetMetrics struct {
	vouchers        *prometheus.CounterVec
	relays          *prometheus.CounterVec
	relayLatency    prometheus.Histogram
	fallbacks       *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	contractBalance prometheus.Gauge
}

// Faucet exposes the metrics registry for faucetd.
func Faucet() *FaucetMetrics {
	faucetMetricsOnce.Do(func() {
		faucetRegistry = &FaucetMetrics{
			vouchers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "faucet",
				Subsystem: "voucher",
				Name:      "requests_total",
				Help:      "Voucher issuance attempts segmented by outcome.",
			}, []string{"outcome"}),
			relays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "faucet",
				Subsystem: "relay",
				Name:      "requests_total",
				Help:      "Relay attempts segmented by outcome and rejection reason.",
			}, []string{"outcome", "reason"}),
			relayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "faucet",
				Subsystem: "relay",
				Name:      "submit_duration_seconds",
				Help:      "Latency from relay request validation to ledger acceptance.",
				Buckets:   prometheus.DefBuckets,
			}),
			fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "faucet",
				Subsystem: "relay",
				Name:      "fallbacks_total",
				Help:      "Count of default values used because a chain query failed.",
			}, []string{"kind"}),
			reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "faucet",
				Subsystem: "reconcile",
				Name:      "results_total",
				Help:      "Reconciled relay transactions segmented by observed status.",
			}, []string{"status"}),
			contractBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "faucet",
				Subsystem: "contract",
				Name:      "balance",
				Help:      "Last observed faucet contract balance in whole tokens.",
			}),
		}
		prometheus.MustRegister(
			faucetRegistry.vouchers,
			faucetRegistry.relays,
			faucetRegistry.relayLatency,
			faucetRegistry.fallbacks,
			faucetRegistry.reconciliations,
			faucetRegistry.contractBalance,
		)
	})
	return faucetRegistry
}

// RecordVoucher increments the issuance counter for the outcome.
func (m *FaucetMetrics) RecordVoucher(outcome string) {
	if m == nil {
		return
	}
	m.vouchers.WithLabelValues(label(outcome)).Inc()
}

// RecordRelay increments the relay counter. Reason is empty for accepted relays.
func (m *FaucetMetrics) RecordRelay(outcome, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "none"
	}
	m.relays.WithLabelValues(label(outcome), reason).Inc()
}

// ObserveRelayLatency records how long an accepted relay took.
func (m *FaucetMetrics) ObserveRelayLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.relayLatency.Observe(d.Seconds())
}

// RecordFallback counts a default substituted for a failed chain query.
func (m *FaucetMetrics) RecordFallback(kind string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(label(kind)).Inc()
}

// RecordReconciliation counts a reconciled transaction by status.
func (m *FaucetMetrics) RecordReconciliation(status string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(label(status)).Inc()
}

// SetContractBalance updates the balance gauge from a wei amount.
func (m *FaucetMetrics) SetContractBalance(wei *big.Int) {
	if m == nil || wei == nil {
		return
	}
	whole, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	m.contractBalance.Set(whole)
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the registry recording request counts and latency per route.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "faucet",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "faucet",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	method = strings.ToUpper(label(method))
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
