package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler_nilMetrics(t *testing.T) {
	var m *Metrics
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := rr.Body.String(); !strings.Contains(got, "metrics unavailable") {
		t.Fatalf("expected body to mention metrics unavailable, got %q", got)
	}
}

func TestNilMetrics_methodsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest(http.MethodGet, "/healthz", http.StatusOK, time.Millisecond)
	m.ObservePollCycle("vessels", "applied", time.Millisecond)
	m.IncPollSkipped("vessels", "in_flight")
	m.IncPollStale("vessels")
	m.AddReconcileOps("add", "poll", 2)
	m.AddDroppedRecords(1)
	m.ObserveMutation("create", "ok")
	m.SetWebSocketClients(3)
	m.IncEventPublished("add", "ok")
}

func TestHandler_exposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest(http.MethodGet, "/readyz", http.StatusOK, 12*time.Millisecond)
	m.ObservePollCycle("vessels", "applied", 80*time.Millisecond)
	m.IncPollSkipped("vessels", "in_flight")
	m.IncPollStale("alerts")
	m.AddReconcileOps("add", "poll", 3)
	m.AddReconcileOps("remove", "mutation", 0)
	m.AddDroppedRecords(2)
	m.ObserveMutation("delete", "error")
	m.SetWebSocketClients(2)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := rr.Body.String()
	for _, want := range []string{
		"fleetwatch_http_requests_total{method=\"GET\",path=\"/readyz\",status=\"200\"} 1",
		"fleetwatch_poll_cycles_total{job=\"vessels\",outcome=\"applied\"} 1",
		"fleetwatch_poll_fetch_duration_seconds_count{job=\"vessels\"} 1",
		"fleetwatch_poll_ticks_skipped_total{job=\"vessels\",reason=\"in_flight\"} 1",
		"fleetwatch_poll_results_stale_total{job=\"alerts\"} 1",
		"fleetwatch_reconcile_ops_total{kind=\"add\",source=\"poll\"} 3",
		"fleetwatch_reconcile_dropped_records_total 2",
		"fleetwatch_mutations_total{op=\"delete\",outcome=\"error\"} 1",
		"fleetwatch_websocket_clients 2",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output; body=%s", want, body)
		}
	}
	if strings.Contains(body, "kind=\"remove\",source=\"mutation\"") {
		t.Fatalf("expected zero-valued reconcile ops to be skipped")
	}
}
