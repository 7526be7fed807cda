package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/bad", nil))

	if got := testutil.ToFloat64(m.requestsTotal); got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestRequestMiddleware_labels_route_pattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(RequestMiddleware(m))
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
		w.WriteHeader(http.StatusTeapot) // ignored: the body already committed 200
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/1", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/2", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	if got := testutil.CollectAndCount(m.requestDuration); got != 2 {
		t.Fatalf("series = %d, want 2 (one per route)", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal); got != 1 {
		t.Errorf("errors = %v, want 1 (the 404)", got)
	}

	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `transcriber_request_duration_seconds_count{route="/items/{id}",status="2xx"} 2`) {
		t.Errorf("missing route series: %s", body)
	}
	if !strings.Contains(body, `route="unmatched",status="4xx"`) {
		t.Errorf("missing unmatched series: %s", body)
	}
}

func TestObserveProviderAttempt(t *testing.T) {
	m := New()
	m.ObserveProviderAttempt(OutcomeTransient, 10*time.Millisecond)
	m.ObserveProviderAttempt(OutcomeSuccess, 20*time.Millisecond)
	m.ObserveProviderAttempt(OutcomeSuccess, 30*time.Millisecond)

	if got := testutil.ToFloat64(m.providerAttemptsTotal.WithLabelValues(OutcomeSuccess)); got != 2 {
		t.Errorf("success attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.providerAttemptsTotal.WithLabelValues(OutcomeTransient)); got != 1 {
		t.Errorf("transient attempts = %v, want 1", got)
	}
}

func TestHandler_serves_exposition(t *testing.T) {
	m := New()
	m.IncSegmentsTranscribed()
	m.IncTranscodes(true)

	rec := httptest.NewRecorder()
	m.Handler(func() { m.SetActiveSessions(3) }).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "transcriber_segments_transcribed_total 1") {
		t.Errorf("missing segments counter: %s", body)
	}
	if !strings.Contains(body, "transcriber_active_sessions 3") {
		t.Errorf("gauge not refreshed before scrape: %s", body)
	}
	if !strings.Contains(body, `transcriber_transcodes_total{result="ok"} 1`) {
		t.Errorf("missing transcodes counter: %s", body)
	}
}
