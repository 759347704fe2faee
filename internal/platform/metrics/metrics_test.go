package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics, update func()) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(update).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status %d", rec.Code)
	}
	b, _ := io.ReadAll(rec.Body)
	return string(b)
}

func TestMetrics_counters_exposed(t *testing.T) {
	m := New()
	m.IncTicks()
	m.IncTicks()
	m.IncFetchFailures()
	m.IncTransition(DirectionOffline)
	m.IncModeSwitch("display")
	m.IncConflicts()

	body := scrape(t, m, nil)
	for _, want := range []string{
		"livestream_reconcile_ticks_total 2",
		"livestream_status_fetch_failures_total 1",
		`livestream_transitions_total{direction="offline"} 1`,
		`livestream_mode_switches_total{mode="display"} 1`,
		"livestream_mode_switch_conflicts_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in scrape:\n%s", want, body)
		}
	}
}

func TestMetrics_gauges_refreshed_on_scrape(t *testing.T) {
	m := New()
	body := scrape(t, m, func() {
		m.SetWatchedStreams(3)
		m.SetLiveStreams(2)
	})
	if !strings.Contains(body, "livestream_watched_streams 3") {
		t.Errorf("watched gauge not refreshed:\n%s", body)
	}
	if !strings.Contains(body, "livestream_live_streams 2") {
		t.Errorf("live gauge not refreshed:\n%s", body)
	}
}

func TestRequestMiddleware(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	body := scrape(t, m, nil)
	if !strings.Contains(body, "livestream_http_requests_total 2") {
		t.Errorf("expected 2 requests:\n%s", body)
	}
	if !strings.Contains(body, "livestream_http_errors_total 1") {
		t.Errorf("expected 1 error:\n%s", body)
	}
}
