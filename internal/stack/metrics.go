package stack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels shared across ustack's metric vectors.
const (
	LabelProtocol  = "protocol"
	LabelReason    = "reason"
	LabelDirection = "direction"
	LabelFrom      = "from"
	LabelTo        = "to"
)

var (
	metricPacketsDroppedIntegrity = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ustack_packets_dropped_integrity_total",
			Help: "Frames dropped for failing wire integrity checks, by protocol",
		},
		[]string{LabelProtocol},
	)

	metricPacketsDroppedSanity = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ustack_packets_dropped_sanity_total",
			Help: "Frames dropped for failing RFC sanity checks, by protocol",
		},
		[]string{LabelProtocol},
	)

	metricTCBTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ustack_tcb_transitions_total",
			Help: "TCP connection-state transitions",
		},
		[]string{LabelFrom, LabelTo},
	)

	metricNeighborCacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ustack_neighbor_cache_size",
			Help: "Current neighbor cache entry count, by protocol (arp, nd)",
		},
		[]string{LabelProtocol},
	)

	metricFragmentFlows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ustack_fragment_flows",
			Help: "Current in-progress reassembly flow count, by protocol",
		},
		[]string{LabelProtocol},
	)

	metricFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ustack_frames_total",
			Help: "Ethernet frames processed, by direction (rx, tx)",
		},
		[]string{LabelDirection},
	)
)

func recordDrop(integrity bool, protocol string) {
	if integrity {
		metricPacketsDroppedIntegrity.WithLabelValues(protocol).Inc()
		return
	}
	metricPacketsDroppedSanity.WithLabelValues(protocol).Inc()
}
