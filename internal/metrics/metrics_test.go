package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/v1/events", 200, 100*time.Millisecond)
	RecordRequest("POST", "/v1/events", 201, 50*time.Millisecond)
	RecordRequest("GET", "/v1/events", 404, 10*time.Millisecond)
}

func TestRecordEventProcessed(t *testing.T) {
	before := testutil.ToFloat64(eventsProcessed.WithLabelValues("CLAIM_CLOSED", "processed"))

	RecordEventProcessed("CLAIM_CLOSED", "processed")
	RecordEventProcessed("CLAIM_CLOSED", "processed")
	RecordEventProcessed("CLAIM_CLOSED", "failed")

	after := testutil.ToFloat64(eventsProcessed.WithLabelValues("CLAIM_CLOSED", "processed"))
	if after-before != 2 {
		t.Errorf("expected 2 processed increments, got %v", after-before)
	}
}

func TestRecordEventIngested(t *testing.T) {
	RecordEventIngested("CLAIM_SUBMITTED")
	RecordEventIngested("RECALL_MATCHED")
}

func TestRecordClaimConflict(t *testing.T) {
	RecordClaimConflict("domain_event")
	RecordClaimConflict("digest_lease")
}

func TestRecordDeliveriesEnqueued(t *testing.T) {
	before := testutil.ToFloat64(deliveriesEnqueued)
	RecordDeliveriesEnqueued(3)
	if got := testutil.ToFloat64(deliveriesEnqueued) - before; got != 3 {
		t.Errorf("expected 3 enqueued, got %v", got)
	}
}

func TestRecordEmail(t *testing.T) {
	RecordEmail("immediate", "sent", 4)
	RecordEmail("digest", "failed", 20)
}

func TestRecordPollDuration(t *testing.T) {
	RecordPollDuration("events", 120*time.Millisecond)
	RecordPollDuration("enqueue", 15*time.Millisecond)
}

func TestSetQueueMessagesInFlight(t *testing.T) {
	SetQueueMessagesInFlight(10)
	SetQueueMessagesInFlight(0)
}

func TestRecordDuplicateJob(t *testing.T) {
	RecordDuplicateJob()
}

func TestRecordIdempotencyHit(t *testing.T) {
	RecordIdempotencyHit()
	RecordIdempotencyHit()
}

func TestRecordRateLimitRejection(t *testing.T) {
	before := testutil.ToFloat64(rateLimitRejections.WithLabelValues("ip"))
	RecordRateLimitRejection("ip")
	RecordRateLimitRejection("ip")
	if got := testutil.ToFloat64(rateLimitRejections.WithLabelValues("ip")) - before; got != 2 {
		t.Errorf("expected 2 rejections, got %v", got)
	}
}

func TestSetDBConnections(t *testing.T) {
	SetDBConnections(10)
	SetDBConnections(2)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Error("Handler should not return nil")
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if len(body) == 0 {
		t.Error("metrics response should not be empty")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
