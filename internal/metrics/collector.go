// Package vpnmetrics exposes the concentrator's Prometheus metrics.
package vpnmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "govpnc"
	subsystem = "core"
)

// Label names for core metrics.
const (
	labelVHost  = "vhost"
	labelFamily = "family"
	labelKind   = "kind"
	labelReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus concentrator metrics
// -------------------------------------------------------------------------

// Collector holds all concentrator Prometheus metrics.
//
// Designed for production VPN fleet monitoring:
//   - Session gauges track currently connected workers.
//   - Admission counters flag ban pressure and auth abuse.
//   - Lease gauges expose pool consumption per family.
//   - Transport error counters surface IPC protocol trouble.
type Collector struct {
	// SessionsActive tracks the number of currently connected sessions.
	SessionsActive prometheus.Gauge

	// SessionsTotal counts sessions established since start, per vhost.
	SessionsTotal *prometheus.CounterVec

	// SessionsClosed counts session teardowns per disconnect reason.
	SessionsClosed *prometheus.CounterVec

	// AuthFailures counts failed authentication exchanges.
	AuthFailures prometheus.Counter

	// BanEntries tracks the number of addresses in the ban database.
	BanEntries prometheus.Gauge

	// BanRejects counts connections refused because the peer was banned.
	BanRejects prometheus.Counter

	// LeasesInUse tracks leased addresses per family.
	LeasesInUse *prometheus.GaugeVec

	// TunDevices tracks the number of open tunnel interfaces.
	TunDevices prometheus.Gauge

	// TransportErrors counts command transport failures per error kind.
	TransportErrors *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "govpnc_core_" prefix (namespace_subsystem) to
// avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SessionsActive,
		c.SessionsTotal,
		c.SessionsClosed,
		c.AuthFailures,
		c.BanEntries,
		c.BanRejects,
		c.LeasesInUse,
		c.TunDevices,
		c.TransportErrors,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of currently connected client sessions.",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_total",
			Help:      "Client sessions established since start.",
		}, []string{labelVHost}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_closed_total",
			Help:      "Client session teardowns by disconnect reason.",
		}, []string{labelReason}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Failed authentication exchanges.",
		}),
		BanEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ban_entries",
			Help:      "Addresses currently tracked by the ban engine.",
		}),
		BanRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ban_rejects_total",
			Help:      "Connections refused because the peer was banned.",
		}),
		LeasesInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "leases_in_use",
			Help:      "Leased tunnel addresses per address family.",
		}, []string{labelFamily}),
		TunDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tun_devices",
			Help:      "Open tunnel interfaces.",
		}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_errors_total",
			Help:      "Command transport failures by error kind.",
		}, []string{labelKind}),
	}
}
