package vpnmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	vpnmetrics "github.com/dantte-lp/govpnc/internal/metrics"
)

// gather returns the metric families currently exposed by the registry,
// keyed by name.
func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

// TestCollectorRegistersAllMetrics verifies that every metric appears
// under the govpnc_core_ prefix after first use.
func TestCollectorRegistersAllMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := vpnmetrics.NewCollector(reg)

	c.SessionsActive.Set(3)
	c.SessionsTotal.WithLabelValues("default").Inc()
	c.SessionsClosed.WithLabelValues("user").Inc()
	c.AuthFailures.Inc()
	c.BanEntries.Set(7)
	c.BanRejects.Inc()
	c.LeasesInUse.WithLabelValues("ipv4").Set(2)
	c.TunDevices.Set(3)
	c.TransportErrors.WithLabelValues("timeout").Inc()

	families := gather(t, reg)
	want := []string{
		"govpnc_core_sessions_active",
		"govpnc_core_sessions_total",
		"govpnc_core_sessions_closed_total",
		"govpnc_core_auth_failures_total",
		"govpnc_core_ban_entries",
		"govpnc_core_ban_rejects_total",
		"govpnc_core_leases_in_use",
		"govpnc_core_tun_devices",
		"govpnc_core_transport_errors_total",
	}
	for _, name := range want {
		if _, ok := families[name]; !ok {
			t.Errorf("metric %s not exposed", name)
		}
	}
}

// TestCollectorValues verifies that a written value reads back through a
// gather cycle.
func TestCollectorValues(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := vpnmetrics.NewCollector(reg)

	c.SessionsActive.Set(42)
	c.LeasesInUse.WithLabelValues("ipv6").Set(5)

	families := gather(t, reg)

	active := families["govpnc_core_sessions_active"]
	if active == nil || len(active.GetMetric()) != 1 {
		t.Fatal("sessions_active family missing or malformed")
	}
	if got := active.GetMetric()[0].GetGauge().GetValue(); got != 42 {
		t.Errorf("sessions_active: got %v, want 42", got)
	}

	leases := families["govpnc_core_leases_in_use"]
	if leases == nil || len(leases.GetMetric()) != 1 {
		t.Fatal("leases_in_use family missing or malformed")
	}
	m := leases.GetMetric()[0]
	if got := m.GetGauge().GetValue(); got != 5 {
		t.Errorf("leases_in_use: got %v, want 5", got)
	}
	if len(m.GetLabel()) != 1 || m.GetLabel()[0].GetValue() != "ipv6" {
		t.Errorf("leases_in_use labels: got %v, want family=ipv6", m.GetLabel())
	}
}

// TestCollectorDoubleRegisterPanics verifies that registering the same
// collector twice against one registry panics, guarding against
// accidental double wiring in the daemon.
func TestCollectorDoubleRegisterPanics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	vpnmetrics.NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("second registration did not panic")
		}
	}()
	vpnmetrics.NewCollector(reg)
}
