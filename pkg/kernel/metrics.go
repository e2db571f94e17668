package kernel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the kernel's Prometheus collectors: per-operation counters,
// latency histograms, and error counters by operation and error kind. Each
// Kernel builds its own collectors; when a Registerer is given they are
// registered on it with MustRegister, so two kernels sharing one Registerer
// collide on collector names. A nil Registerer leaves them unregistered.
type metrics struct {
	opTotal    *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	opErrors   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		opTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusfs",
			Subsystem: "kernel",
			Name:      "operations_total",
			Help:      "Total file operation kernel calls by operation.",
		}, []string{"op"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nexusfs",
			Subsystem: "kernel",
			Name:      "operation_duration_seconds",
			Help:      "File operation kernel call latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexusfs",
			Subsystem: "kernel",
			Name:      "operation_errors_total",
			Help:      "File operation kernel errors by operation and error kind.",
		}, []string{"op", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.opTotal, m.opDuration, m.opErrors)
	}
	return m
}

// observe records one call's outcome. errKind is empty on success.
func (m *metrics) observe(op string, start time.Time, errKind string) {
	m.opTotal.WithLabelValues(op).Inc()
	m.opDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if errKind != "" {
		m.opErrors.WithLabelValues(op, errKind).Inc()
	}
}

func errKindOf(err error) string {
	switch {
	case err == nil:
		return ""
	default:
		return classifyError(err)
	}
}
