package metrics

import (
	"net/http/httptest"
	"testing"
)

func TestInitRegistersCollectors(t *testing.T) {
	m := Init("broker_test_init")
	if m.Registry() == nil {
		t.Fatal("expected a non-nil registry after Init")
	}
}

func TestRecordHelpersToleratesNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordMessagesPosted("p1", "q1", 3)
	m.RecordClaimCreated("p1", "q1")
	m.RecordRequest("post", true, 12)
	m.SetCatalogueCacheSize(5)
}

func TestHandlerServesExposition(t *testing.T) {
	m := Init("broker_test_handler")
	m.RecordMessagesPosted("p1", "q1", 1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty exposition body")
	}
}

func TestHandlerUninitializedReturns503(t *testing.T) {
	var m *Metrics
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
