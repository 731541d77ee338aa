//go:build linux

package udp_test

import (
	dto "github.com/prometheus/client_model/go"
)

// dispatchCount returns reuseport_udp_dispatch_total for verdict.
func dispatchCount(families []*dto.MetricFamily, verdict string) float64 {
	return counterValue(families, "reuseport_udp_dispatch_total", "verdict", verdict)
}

// packetCount returns reuseport_udp_packets_total for worker.
func packetCount(families []*dto.MetricFamily, worker string) float64 {
	return counterValue(families, "reuseport_udp_packets_total", "worker", worker)
}

func counterValue(families []*dto.MetricFamily, name, label, value string) float64 {
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
