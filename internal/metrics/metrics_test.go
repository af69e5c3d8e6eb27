package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ProcessStarted()
	m.ProcessSpawnFailed()
	m.ProcessExited()
	m.ClientsChanged(3)
	m.PacketReceived("hello")
	m.PacketSent("data", 2)
	m.IngressResponse("editor", 200)
	m.IngressError("editor", "http")
	m.IngressWebSocket("editor")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}

func TestTerminalCounters(t *testing.T) {
	m := New()
	m.ProcessStarted()
	m.ProcessStarted()
	m.ProcessExited()
	m.ProcessSpawnFailed()
	m.ClientsChanged(2)
	m.ClientsChanged(-1)
	m.PacketSent("data", 3)
	m.PacketSent("data", 0)

	if got := testutil.ToFloat64(m.processes); got != 1 {
		t.Errorf("processes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.clients); got != 1 {
		t.Errorf("clients = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.spawns.WithLabelValues("error")); got != 1 {
		t.Errorf("failed spawns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.packets.WithLabelValues("out", "data")); got != 3 {
		t.Errorf("outbound data packets = %v, want 3", got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.IngressResponse("editor", 503)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`workshop_gateway_ingress_requests_total{code="503",ingress="editor"} 1`,
		"workshop_gateway_terminal_processes 0",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
