// Package metrics implements Prometheus metrics for the simulated stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets handed to each protocol manager.
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_packets_total",
			Help: "Total number of simulated packets processed",
		},
		[]string{"protocol", "direction"},
	)

	// DropsTotal counts soft drops by reason (arp_timeout, auth_failure,
	// unknown_spi, policy_discard, no_sa, invalid_state).
	DropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_drops_total",
			Help: "Total number of packets dropped, by reason",
		},
		[]string{"protocol", "reason"},
	)

	// ARPCacheEntries tracks the live ARP table size.
	ARPCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsim_arp_cache_entries",
			Help: "Number of entries currently in the ARP cache",
		},
	)

	// ARPPendingRequests tracks outstanding coalesced resolutions.
	ARPPendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsim_arp_pending_requests",
			Help: "Number of ARP resolutions awaiting a reply",
		},
	)

	// TCPConnectionsActive tracks connections not yet purged.
	TCPConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsim_tcp_connections_active",
			Help: "Number of TCP connections tracked by the connection manager",
		},
	)

	// TCPStateTransitionsTotal counts state machine transitions.
	TCPStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_tcp_state_transitions_total",
			Help: "Total number of TCP state transitions",
		},
		[]string{"from", "to"},
	)

	// UDPBoundSockets tracks current socket bindings.
	UDPBoundSockets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsim_udp_bound_sockets",
			Help: "Number of bound UDP sockets",
		},
	)

	// ICMPMessagesTotal counts ICMP messages by type.
	ICMPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_icmp_messages_total",
			Help: "Total number of ICMP messages built or processed",
		},
		[]string{"type"},
	)

	// IPSecSAsActive tracks live security associations.
	IPSecSAsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netsim_ipsec_sas_active",
			Help: "Number of security associations in the SAD",
		},
	)

	// IPSecProtectedTotal counts packets protected or unprotected by IPsec.
	IPSecProtectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netsim_ipsec_protected_total",
			Help: "Total number of packets through ESP/AH processing",
		},
		[]string{"protocol", "direction"},
	)
)
