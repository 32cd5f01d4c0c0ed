// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file holds the Prometheus instrumentation of the transport:
//
//   - http_requests_total{method,route,status}
//   - http_request_duration_seconds{method,route}
//   - http_requests_inflight
//   - http_response_size_bytes{method,route}
//   - telegram_updates_total{outcome}
//
// The route label is the registered Gin route. Requests that matched no route
// share the "unmatched" label so scanners cannot blow up cardinality.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatchedRoute = "unmatched"

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight prometheus.Gauge
	size     *prometheus.HistogramVec
	updates  *prometheus.CounterVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds.",
			// webhook handling includes a file download and PDF parsing
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		}),
		size: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_response_size_bytes",
			Help: "Size of HTTP responses in bytes.",
			// acks are tiny, admin listings reach a few hundred KiB
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		}, []string{"method", "route"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telegram_updates_total",
			Help: "Telegram updates received, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.requests, m.latency, m.inflight, m.size, m.updates)
	return m
}

var defaultMetrics = newHTTPMetrics(prometheus.DefaultRegisterer)

// ObserveUpdate records one webhook delivery. Outcome values come from a small
// fixed set (flow outcomes plus "duplicate", "ignored" and "error").
func ObserveUpdate(outcome string) { defaultMetrics.observeUpdate(outcome) }

func (m *httpMetrics) observeUpdate(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	m.updates.WithLabelValues(outcome).Inc()
}

// Metrics returns a Gin middleware that records the request metrics above.
func Metrics() gin.HandlerFunc { return defaultMetrics.handler() }

func (m *httpMetrics) handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method

		m.requests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.latency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			m.size.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}
