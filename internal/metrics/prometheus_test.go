package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(Joins)
	m.Add(SignalsRelayed, 2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE pollmesh_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `pollmesh_events_total{event="signals_relayed"} 2`) {
		t.Fatalf("missing signals_relayed counter: %s", body)
	}
	if !strings.Contains(body, `pollmesh_events_total{event="joins"} 1`) {
		t.Fatalf("missing joins counter: %s", body)
	}
}
