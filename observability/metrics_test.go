package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCall(t *testing.T) {
	before := testutil.ToFloat64(CallsTotal.WithLabelValues("getBlockNumber", "ok"))
	RecordCall("getBlockNumber", "ok", 15*time.Millisecond)
	after := testutil.ToFloat64(CallsTotal.WithLabelValues("getBlockNumber", "ok"))
	if after != before+1 {
		t.Fatalf("calls_total: got %v, want %v", after, before+1)
	}
}

func TestAdminHandler(t *testing.T) {
	healthy := true
	h := AdminHandler(func() bool { return healthy })

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rec.Code)
	}

	healthy = false
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy healthz: got %d", rec.Code)
	}

	ReadErrors.Inc()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "channel_reader_read_errors_total") {
		t.Fatalf("metrics body missing read errors counter")
	}
}
