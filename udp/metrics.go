//go:build linux

package udp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/frobware/go-reuseport"
)

// fallbackWorker labels datagrams handled on the default path.
const fallbackWorker = "default"

type metrics struct {
	packets  *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	dispatch *prometheus.CounterVec
	errors   *prometheus.CounterVec
	inDrops  *prometheus.GaugeVec
	active   prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, listen string) *metrics {
	f := promauto.With(reg)
	constLabels := prometheus.Labels{"listener": listen}
	return &metrics{
		packets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "reuseport",
			Subsystem:   "udp",
			Name:        "packets_total",
			Help:        "Datagrams handled, by worker.",
			ConstLabels: constLabels,
		}, []string{"worker"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "reuseport",
			Subsystem:   "udp",
			Name:        "bytes_total",
			Help:        "Payload bytes handled, by worker.",
			ConstLabels: constLabels,
		}, []string{"worker"}),
		dispatch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "reuseport",
			Subsystem:   "udp",
			Name:        "dispatch_total",
			Help:        "User-space dispatch decisions, by verdict.",
			ConstLabels: constLabels,
		}, []string{"verdict"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "reuseport",
			Subsystem:   "udp",
			Name:        "receive_errors_total",
			Help:        "Errors while receiving datagrams, by socket.",
			ConstLabels: constLabels,
		}, []string{"socket"}),
		inDrops: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "reuseport",
			Subsystem:   "udp",
			Name:        "in_drops",
			Help:        "Datagrams dropped by the kernel because the socket queue was full.",
			ConstLabels: constLabels,
		}, []string{"socket"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "reuseport",
			Subsystem:   "udp",
			Name:        "active_workers",
			Help:        "Workers currently selectable by the dispatcher.",
			ConstLabels: constLabels,
		}),
	}
}

// workerCounters are resolved once so the receive path does not
// build label values per datagram.
type workerCounters struct {
	packets prometheus.Counter
	bytes   prometheus.Counter
}

func (m *metrics) worker(label string) workerCounters {
	return workerCounters{
		packets: m.packets.WithLabelValues(label),
		bytes:   m.bytes.WithLabelValues(label),
	}
}

func (w workerCounters) observe(n int) {
	w.packets.Inc()
	w.bytes.Add(float64(n))
}

// verdictCounters indexes dispatch counters by verdict.
func (m *metrics) verdictCounters() [3]prometheus.Counter {
	var out [3]prometheus.Counter
	for _, v := range reuseport.Verdicts() {
		out[v] = m.dispatch.WithLabelValues(v.String())
	}
	return out
}

func workerLabel(i int) string { return strconv.Itoa(i) }
