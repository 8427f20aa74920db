// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics holds the Prometheus collector for the data-plane
// engine: per-component counters and gauges for the flow table, the
// policy store, the ager, the prober, and the control channel.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus instrument the engine exposes.
type Metrics struct {
	PacketsProcessed prometheus.Counter
	PacketsDropped   prometheus.Counter
	PacketsPassed    prometheus.Counter
	BytesProcessed   prometheus.Counter

	FlowsActive       prometheus.Gauge
	FlowsTotal        prometheus.Counter
	FlowsExpired      prometheus.Counter
	FlowInstallErrors *prometheus.CounterVec

	ArenaInUse     *prometheus.GaugeVec
	ArenaExhausted *prometheus.CounterVec

	ServiceSetCount prometheus.Gauge
	RuleCount       prometheus.Gauge
	AppliedRules    *prometheus.CounterVec

	ProbeTransitions *prometheus.CounterVec
	ServersUp        *prometheus.GaugeVec
	ServersDown      *prometheus.GaugeVec

	CtlChanReconnects prometheus.Counter
	CtlChanBuffered   prometheus.Gauge
}

// New constructs a fresh, unregistered Metrics instance.
func New() *Metrics {
	return &Metrics{
		PacketsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_packets_processed_total",
			Help: "Total number of packets processed by data-plane workers",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_packets_dropped_total",
			Help: "Total number of packets dropped",
		}),
		PacketsPassed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_packets_passed_total",
			Help: "Total number of packets forwarded",
		}),
		BytesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_bytes_processed_total",
			Help: "Total number of bytes processed",
		}),
		FlowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowengine_flows_active",
			Help: "Number of flow entries currently installed",
		}),
		FlowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_flows_installed_total",
			Help: "Total number of flow entries ever installed",
		}),
		FlowsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_flows_expired_total",
			Help: "Total number of flow entries reclaimed by the ager",
		}),
		FlowInstallErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_flow_install_errors_total",
			Help: "Total number of failed flow installs by reason",
		}, []string{"reason"}),
		ArenaInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowengine_arena_entries_in_use",
			Help: "Number of arena slots currently allocated, by cache",
		}, []string{"cache"}),
		ArenaExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_arena_exhausted_total",
			Help: "Total number of allocation failures due to arena exhaustion, by cache",
		}, []string{"cache"}),
		ServiceSetCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowengine_service_sets",
			Help: "Number of configured service-sets",
		}),
		RuleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowengine_rules",
			Help: "Number of configured rules",
		}),
		AppliedRules: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_applied_rules_total",
			Help: "Total number of packets matched against a rule, by service-set and action",
		}, []string{"service_set", "action"}),
		ProbeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowengine_probe_transitions_total",
			Help: "Total number of health-prober state transitions, by application and target state",
		}, []string{"application", "state"}),
		ServersUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowengine_servers_up",
			Help: "Number of UP servers, by application",
		}, []string{"application"}),
		ServersDown: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowengine_servers_down",
			Help: "Number of DOWN servers, by application",
		}, []string{"application"}),
		CtlChanReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowengine_ctlchan_reconnects_total",
			Help: "Total number of control-channel reconnects",
		}),
		CtlChanBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowengine_ctlchan_buffered_messages",
			Help: "Number of outbound messages currently buffered awaiting reconnect",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.PacketsProcessed.Describe(ch)
	m.PacketsDropped.Describe(ch)
	m.PacketsPassed.Describe(ch)
	m.BytesProcessed.Describe(ch)
	m.FlowsActive.Describe(ch)
	m.FlowsTotal.Describe(ch)
	m.FlowsExpired.Describe(ch)
	m.FlowInstallErrors.Describe(ch)
	m.ArenaInUse.Describe(ch)
	m.ArenaExhausted.Describe(ch)
	m.ServiceSetCount.Describe(ch)
	m.RuleCount.Describe(ch)
	m.AppliedRules.Describe(ch)
	m.ProbeTransitions.Describe(ch)
	m.ServersUp.Describe(ch)
	m.ServersDown.Describe(ch)
	m.CtlChanReconnects.Describe(ch)
	m.CtlChanBuffered.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.PacketsProcessed.Collect(ch)
	m.PacketsDropped.Collect(ch)
	m.PacketsPassed.Collect(ch)
	m.BytesProcessed.Collect(ch)
	m.FlowsActive.Collect(ch)
	m.FlowsTotal.Collect(ch)
	m.FlowsExpired.Collect(ch)
	m.FlowInstallErrors.Collect(ch)
	m.ArenaInUse.Collect(ch)
	m.ArenaExhausted.Collect(ch)
	m.ServiceSetCount.Collect(ch)
	m.RuleCount.Collect(ch)
	m.AppliedRules.Collect(ch)
	m.ProbeTransitions.Collect(ch)
	m.ServersUp.Collect(ch)
	m.ServersDown.Collect(ch)
	m.CtlChanReconnects.Collect(ch)
	m.CtlChanBuffered.Collect(ch)
}

// Register registers m with the default Prometheus registry.
func (m *Metrics) Register() error {
	return prometheus.Register(m)
}
