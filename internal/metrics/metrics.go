// Package metrics provides Prometheus metrics for gwprobe.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "gwprobe"
)

// Metrics contains all Prometheus metrics for the prober daemon.
type Metrics struct {
	// Send path
	ProbesSent        prometheus.Counter
	ProbeSendFailures *prometheus.CounterVec

	// Receive path
	RepliesReceived   prometheus.Counter
	RepliesDiscarded  *prometheus.CounterVec
	ProbeRTT          prometheus.Histogram
	GatewayRTT        *prometheus.GaugeVec

	// Selection
	GatewaysTracked    prometheus.Gauge
	BestGatewayChanges prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ProbesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Total number of ICMP echo requests sent",
		}),
		ProbeSendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_send_failures_total",
			Help:      "Total failed echo request sends by gateway",
		}, []string{"gateway"}),

		RepliesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_received_total",
			Help:      "Total number of echo replies matched to an outstanding probe",
		}),
		RepliesDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_discarded_total",
			Help:      "Total echo replies discarded by reason",
		}, []string{"reason"}),
		ProbeRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_rtt_seconds",
			Help:      "Histogram of measured round-trip times",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		}),
		GatewayRTT: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_rtt_seconds",
			Help:      "Smoothed round-trip time per gateway",
		}, []string{"gateway"}),

		GatewaysTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateways_tracked",
			Help:      "Number of gateway candidates being probed",
		}),
		BestGatewayChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "best_gateway_changes_total",
			Help:      "Total number of times the best gateway selection changed",
		}),
	}
}

// Discard reasons for RepliesDiscarded.
const (
	ReasonUnknownSource = "unknown_source"
	ReasonNoPending     = "no_pending_probe"
	ReasonLate          = "late"
)
