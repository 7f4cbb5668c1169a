// Package metrics holds the Prometheus collectors of the process. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetbot"

type Metrics struct {
	reg *prometheus.Registry

	commands      *prometheus.CounterVec
	commandDur    *prometheus.HistogramVec
	registrations *prometheus.CounterVec
	sanctions     *prometheus.CounterVec
	automod       *prometheus.CounterVec
	live          prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Dispatched commands by name and outcome.",
		}, []string{"command", "outcome"}),
		commandDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "command_duration_seconds",
			Help:    "Command handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"command"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "registrations_total",
			Help: "Credential registrations by result.",
		}, []string{"result"}),
		sanctions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sanctions_total",
			Help: "Sanctions written to the ledger by kind.",
		}, []string{"kind"}),
		automod: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "automod_actions_total",
			Help: "Automod violations acted upon by rule.",
		}, []string{"rule"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "live_connections",
			Help: "Connections currently held by the fleet supervisor.",
		}),
	}
	m.reg.MustRegister(
		m.commands, m.commandDur, m.registrations, m.sanctions, m.automod, m.live,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) CommandDone(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	m.commandDur.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) Sanction(kind string) {
	if m == nil {
		return
	}
	m.sanctions.WithLabelValues(kind).Inc()
}

func (m *Metrics) Automod(rule string) {
	if m == nil {
		return
	}
	m.automod.WithLabelValues(rule).Inc()
}

func (m *Metrics) SetLive(n int) {
	if m == nil {
		return
	}
	m.live.Set(float64(n))
}
