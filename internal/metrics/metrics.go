// Package metrics exposes the gateway's Prometheus collectors. A nil
// *Metrics is valid and records nothing, so components can be used in tests
// without a registry.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace         = "workshop_gateway"
	promTerminalSubsystem = "terminal"
	promIngressSubsystem  = "ingress"
)

type Metrics struct {
	processes      prometheus.Gauge
	clients        prometheus.Gauge
	packets        *prometheus.CounterVec
	spawns         *prometheus.CounterVec
	ingressReqs    *prometheus.CounterVec
	ingressErrors  *prometheus.CounterVec
	ingressUpgrade *prometheus.CounterVec

	registry *prometheus.Registry
	handler  http.Handler
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Subsystem: promTerminalSubsystem,
			Name:      "processes",
			Help:      "Number of terminal sessions with a running process.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Subsystem: promTerminalSubsystem,
			Name:      "clients",
			Help:      "Number of client sockets attached to terminal sessions.",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promTerminalSubsystem,
			Name:      "packets_total",
			Help:      "Terminal packets by direction and type.",
		}, []string{"direction", "type"}),
		spawns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promTerminalSubsystem,
			Name:      "spawns_total",
			Help:      "Terminal process spawn attempts by result.",
		}, []string{"result"}),
		ingressReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promIngressSubsystem,
			Name:      "requests_total",
			Help:      "Proxied HTTP requests by ingress and response code.",
		}, []string{"ingress", "code"}),
		ingressErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promIngressSubsystem,
			Name:      "errors_total",
			Help:      "Proxy failures by ingress and kind (http, websocket).",
		}, []string{"ingress", "kind"}),
		ingressUpgrade: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: promIngressSubsystem,
			Name:      "websocket_sessions_total",
			Help:      "Relayed WebSocket connections by ingress.",
		}, []string{"ingress"}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(
		m.processes, m.clients, m.packets, m.spawns,
		m.ingressReqs, m.ingressErrors, m.ingressUpgrade,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

func (m *Metrics) ProcessStarted() {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues("ok").Inc()
	m.processes.Inc()
}

func (m *Metrics) ProcessSpawnFailed() {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues("error").Inc()
}

func (m *Metrics) ProcessExited() {
	if m == nil {
		return
	}
	m.processes.Dec()
}

// ClientsChanged adjusts the attached client gauge by delta.
func (m *Metrics) ClientsChanged(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.clients.Add(float64(delta))
}

func (m *Metrics) PacketReceived(packetType string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues("in", packetType).Inc()
}

func (m *Metrics) PacketSent(packetType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.packets.WithLabelValues("out", packetType).Add(float64(n))
}

func (m *Metrics) IngressResponse(ingress string, code int) {
	if m == nil {
		return
	}
	m.ingressReqs.WithLabelValues(ingress, strconv.Itoa(code)).Inc()
}

func (m *Metrics) IngressError(ingress, kind string) {
	if m == nil {
		return
	}
	m.ingressErrors.WithLabelValues(ingress, kind).Inc()
}

func (m *Metrics) IngressWebSocket(ingress string) {
	if m == nil {
		return
	}
	m.ingressUpgrade.WithLabelValues(ingress).Inc()
}
