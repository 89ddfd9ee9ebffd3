package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistry_HandlerIncludesDefaultAndCustomMetrics(t *testing.T) {
	registry := NewRegistry()
	custom := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nimlock_test_custom_total",
		Help: "custom counter",
	})
	if err := registry.Register(custom); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	defer registry.Unregister(custom)
	custom.Inc()
	RecordHTTPMetrics(http.MethodGet, "/ready", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"nimlock_test_custom_total 1",
		`nimlock_http_requests_total{method="GET",path="/ready",status="200"}`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "nimlock_test_gauge", Help: "gauge"})
	registry.MustRegister(gauge)
	if err := registry.Register(gauge); err == nil {
		t.Fatal("expected error registering the same collector twice")
	}
	if !registry.Unregister(gauge) {
		t.Fatal("expected Unregister to report removal")
	}
}

func TestRecordHTTPMetrics(t *testing.T) {
	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/health", "503")
	before := testutil.ToFloat64(counter)
	RecordHTTPMetrics(http.MethodGet, "/health", http.StatusServiceUnavailable, time.Millisecond)
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("expected counter %v, got %v", before+1, got)
	}
}
