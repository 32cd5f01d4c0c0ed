package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_RouteLabelsAndInflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newHTTPMetrics(prometheus.NewRegistry())

	r := gin.New()
	r.Use(m.handler())
	r.POST("/hook/:token", func(c *gin.Context) { c.String(http.StatusOK, "hello") })
	r.GET("/empty", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, target := range []string{"/hook/a", "/hook/b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, target, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("POST %s -> %d", target, w.Code)
		}
	}
	for _, target := range []string{"/wp-login.php", "/.env", "/empty"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, nil))
	}

	if got := testutil.ToFloat64(m.requests.WithLabelValues("POST", "/hook/:token", "200")); got != 2 {
		t.Fatalf("templated route count = %v; want 2", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET", unmatchedRoute, "404")); got != 2 {
		t.Fatalf("unmatched count = %v; want 2", got)
	}
	if got := testutil.CollectAndCount(m.requests); got != 3 {
		t.Fatalf("request series = %d; want 3", got)
	}
	if got := testutil.ToFloat64(m.inflight); got != 0 {
		t.Fatalf("inflight = %v; want 0", got)
	}
	// size is observed only when a body was written
	if got := testutil.CollectAndCount(m.size); got != 2 {
		t.Fatalf("size series = %d; want 2 (hook and unmatched)", got)
	}
}

func TestObserveUpdate(t *testing.T) {
	m := newHTTPMetrics(prometheus.NewRegistry())
	m.observeUpdate("code_issued")
	m.observeUpdate("code_issued")
	m.observeUpdate("")

	if got := testutil.ToFloat64(m.updates.WithLabelValues("code_issued")); got != 2 {
		t.Fatalf("code_issued = %v; want 2", got)
	}
	if got := testutil.ToFloat64(m.updates.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("empty outcome should count as unknown: %v", got)
	}
}

func TestObserveUpdate_DefaultRegistry(t *testing.T) {
	c := defaultMetrics.updates.WithLabelValues("metrics_test")
	before := testutil.ToFloat64(c)
	ObserveUpdate("metrics_test")
	if got := testutil.ToFloat64(c); got != before+1 {
		t.Fatalf("default counter = %v; want %v", got, before+1)
	}
}
