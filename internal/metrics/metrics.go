// Package metrics exposes Prometheus collectors for the pushauth core.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds all pushauth collectors.
type Metrics struct {
	keychainCalls   *prometheus.CounterVec
	keychainRetries *prometheus.CounterVec
	operations      *prometheus.CounterVec
	migrations      *prometheus.CounterVec
	factorsStored   prometheus.Gauge
	remoteDuration  *prometheus.HistogramVec
}

// New registers the pushauth collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)
	return &Metrics{
		keychainCalls: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushauth_keychain_calls_total",
				Help: "Key store calls labelled by operation and final status code",
			},
			[]string{"op", "status"},
		),
		keychainRetries: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushauth_keychain_retries_total",
				Help: "Key store read attempts beyond the first, labelled by operation",
			},
			[]string{"op"},
		),
		operations: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushauth_operations_total",
				Help: "Factor and challenge operations labelled by component, operation and result",
			},
			[]string{"component", "op", "result"},
		),
		migrations: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pushauth_store_migrations_total",
				Help: "Record store migrations executed, labelled by end version",
			},
			[]string{"version"},
		),
		factorsStored: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "pushauth_factors_stored",
			Help: "Number of factors in the local record store after the last listing",
		}),
		remoteDuration: promFactory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pushauth_remote_request_duration_seconds",
				Help:    "Duration of requests made to the verification service",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "status"},
		),
	}
}

// KeychainCall records the final status of a key store call.
func (m *Metrics) KeychainCall(op string, status int32) {
	if m == nil {
		return
	}
	m.keychainCalls.WithLabelValues(op, strconv.Itoa(int(status))).Inc()
}

// KeychainRetry records a repeated key store read.
func (m *Metrics) KeychainRetry(op string) {
	if m == nil {
		return
	}
	m.keychainRetries.WithLabelValues(op).Inc()
}

// Operation records the outcome of a factor or challenge operation.
func (m *Metrics) Operation(component, op string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.operations.WithLabelValues(component, op, result).Inc()
}

// Migration records a record store migration reaching version.
func (m *Metrics) Migration(version int) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(strconv.Itoa(version)).Inc()
}

// FactorsStored sets the stored factor gauge.
func (m *Metrics) FactorsStored(n int) {
	if m == nil {
		return
	}
	m.factorsStored.Set(float64(n))
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// RoundTripper times requests to the verification service.
func (m *Metrics) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	if m == nil {
		return next
	}
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		res, err := next.RoundTrip(req)
		status := "0"
		if res != nil {
			status = strconv.Itoa(res.StatusCode)
		}
		m.remoteDuration.WithLabelValues(req.Method, status).Observe(time.Since(start).Seconds())
		return res, err
	})
}
