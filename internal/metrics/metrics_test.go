package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SetLive(3)
	m.Injection("ok")
	m.Dropped("coordinator", "invalid")
	m.HeartbeatExpired()
	m.Evicted()
	if m.Registry() != nil {
		t.Fatalf("Registry() on nil = non-nil")
	}
}

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.SetLive(2)
	m.Injection("ok")
	m.Injection("ok")
	m.Injection("TIMEOUT")
	m.Directive("connect")
	m.ConnectionEvent("connected", "")

	if got := testutil.ToFloat64(m.ConnectionsLive); got != 2 {
		t.Fatalf("ConnectionsLive = %v; want 2", got)
	}
	if got := testutil.ToFloat64(m.Injections.WithLabelValues("ok")); got != 2 {
		t.Fatalf("Injections{ok} = %v; want 2", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `pagebridge_injections_total{outcome="TIMEOUT"} 1`) {
		t.Fatalf("metrics output missing timeout injection:\n%s", body)
	}

	// Two instances must not collide on registration.
	_ = New()
}
