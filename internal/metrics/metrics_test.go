package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCountsByOutcome(t *testing.T) {
	r := NewRecorder()
	r.Observe("separate_item", "ok", 2*time.Millisecond)
	r.Observe("separate_item", "ok", time.Millisecond)
	r.Observe("separate_item", "state_conflict", time.Millisecond)
	r.Observe("", "ok", time.Millisecond)

	if got := testutil.ToFloat64(r.operations.WithLabelValues("separate_item", "ok")); got != 2 {
		t.Fatalf("expected 2 ok observations, got %v", got)
	}
	if got := testutil.ToFloat64(r.operations.WithLabelValues("separate_item", "state_conflict")); got != 1 {
		t.Fatalf("expected 1 conflict observation, got %v", got)
	}
	if n := testutil.CollectAndCount(r.latency); n != 1 {
		t.Fatalf("expected one latency series, got %d", n)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRecorder()
	r.Observe("register_delivery", "ok", time.Millisecond)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `stockreq_operations_total{operation="register_delivery",outcome="ok"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Observe("x", "ok", time.Second)
}
