package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports settlement metrics through a prometheus registry.
type PrometheusRecorder struct {
	counters  *prometheus.CounterVec
	histogram *prometheus.HistogramVec
}

// NewPrometheusRecorder registers a prometheus-backed recorder with the
// default registry.
func NewPrometheusRecorder() Recorder {
	return NewPrometheusRecorderWithRegistry(prometheus.DefaultRegisterer)
}

// NewPrometheusRecorderWithRegistry registers the recorder's collectors
// with reg and returns the recorder.
func NewPrometheusRecorderWithRegistry(reg prometheus.Registerer) Recorder {
	counters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "x402escrow",
			Name:      "events_total",
			Help:      "settlement event counters",
		},
		[]string{"event", "type", "chain", "scheme"},
	)

	histogram := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "x402escrow",
			Name:      "latency_seconds",
			Help:      "settlement operation latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "chain", "scheme"},
	)

	reg.MustRegister(counters, histogram)

	return &PrometheusRecorder{
		counters:  counters,
		histogram: histogram,
	}
}

func (p *PrometheusRecorder) IncCounter(name string, labels map[string]string) {
	p.counters.With(prometheus.Labels{
		"event":  name,
		"type":   labels["type"],
		"chain":  labels["chain"],
		"scheme": labels["scheme"],
	}).Inc()
}

func (p *PrometheusRecorder) ObserveLatency(name string, d time.Duration, labels map[string]string) {
	p.histogram.With(prometheus.Labels{
		"operation": name,
		"chain":     labels["chain"],
		"scheme":    labels["scheme"],
	}).Observe(d.Seconds())
}
