package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveExecutionCounts(t *testing.T) {
	before := testutil.ToFloat64(collectors().executions.WithLabelValues("failed", "DAILY_LIMIT_EXCEEDED"))
	ObserveExecution("failed", "DAILY_LIMIT_EXCEEDED", 10*time.Millisecond)
	ObserveExecution("failed", "DAILY_LIMIT_EXCEEDED", 20*time.Millisecond)
	after := testutil.ToFloat64(collectors().executions.WithLabelValues("failed", "DAILY_LIMIT_EXCEEDED"))
	if after-before != 2 {
		t.Fatalf("expected 2 new observations, got %v", after-before)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/executions", "POST", 503, 30*time.Millisecond)
	ObserveSettlement("settle", "settled")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`payrelay_http_requests_total{code="503",handler="/api/v1/executions",method="POST"}`,
		`payrelay_http_request_errors_total{handler="/api/v1/executions",method="POST"}`,
		`payrelay_split_settlements_total{operation="settle",status="settled"}`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}
