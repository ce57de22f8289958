// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets by protocol and outcome.
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protomask_packets_total",
			Help: "Total number of packets processed by the translator",
		},
		[]string{"protocol", "status"},
	)

	// DropsTotal counts dropped packets by reason.
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protomask_drops_total",
			Help: "Total number of packets dropped, by reason",
		},
		[]string{"reason"},
	)

	// ICMPMessagesTotal observes ICMP traffic by type and code.
	ICMPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "protomask_icmp_messages_total",
			Help: "Total number of ICMP messages seen, by type and code",
		},
		[]string{"protocol", "type", "code"},
	)

	// PoolSize tracks the total number of usable pool addresses.
	PoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "protomask_ipv4_pool_size",
			Help: "Total number of IPv4 addresses in the translation pool",
		},
	)

	// PoolReserved tracks live mappings by kind.
	PoolReserved = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "protomask_ipv4_pool_reserved",
			Help: "Number of reserved IPv4 pool addresses (static or dynamic)",
		},
		[]string{"kind"},
	)
)

// Status label values for PacketsTotal.
const (
	StatusTranslated = "translated"
	StatusDropped    = "dropped"
)
