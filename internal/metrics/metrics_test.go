package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMiddleware_DefaultStatus(t *testing.T) {
	HTTPRequestsTotal.Reset()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	Middleware(handler).ServeHTTP(rec, req)

	if rec.Body.String() != "OK" {
		t.Errorf("body not passed through: %q", rec.Body.String())
	}
	body := scrape(t)
	if !strings.Contains(body, `panel_http_requests_total{method="GET",path="/test",status="200"} 1`) {
		t.Errorf("request was not counted:\n%s", body)
	}
}

func TestMiddlewareWithChiRouter(t *testing.T) {
	HTTPRequestsTotal.Reset()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/security/audit-logs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/api/security/audit-logs/123", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", rec.Code)
	}
	if !strings.Contains(scrape(t), `path="/api/security/audit-logs/{id}",status="418"`) {
		t.Error("expected the route pattern, not the raw path, as label")
	}
}

func TestAuthCountersExposed(t *testing.T) {
	AuthLoginsTotal.WithLabelValues("success").Inc()
	AuthLockoutsTotal.Inc()
	TwoFactorEventsTotal.WithLabelValues("enabled").Inc()
	RateLimitedTotal.WithLabelValues("login").Inc()
	ReaperPurgedTotal.WithLabelValues("sessions").Add(3)

	body := scrape(t)
	for _, name := range []string{
		`panel_auth_logins_total{outcome="success"}`,
		"panel_auth_lockouts_total",
		`panel_auth_two_factor_events_total{event="enabled"}`,
		`panel_http_rate_limited_total{route="login"}`,
		`panel_reaper_purged_total{kind="sessions"}`,
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in scrape output", name)
		}
	}
}

func TestDBStatsCollector_RecordsPools(t *testing.T) {
	c := NewDBStatsCollector(nil, nil, nil)
	c.Start(time.Hour)
	c.Stop()
	c.Stop()

	recordPool("audit", 2, 3, 10)
	body := scrape(t)
	for _, want := range []string{
		`panel_db_connections{pool="audit",state="in_use"} 2`,
		`panel_db_connections{pool="audit",state="idle"} 3`,
		`panel_db_max_connections{pool="audit"} 10`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in scrape output", want)
		}
	}
}

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPRequestsInFlight,
		DBConnections,
		DBMaxConnections,
		AuthLoginsTotal,
		AuthLockoutsTotal,
		SessionsEvictedTotal,
		TwoFactorEventsTotal,
		RateLimitedTotal,
		ReaperPurgedTotal,
	}

	for _, m := range collectors {
		desc := make(chan *prometheus.Desc, 10)
		m.Describe(desc)
		close(desc)

		count := 0
		for range desc {
			count++
		}
		if count == 0 {
			t.Errorf("Metric has no descriptions")
		}
	}
}
