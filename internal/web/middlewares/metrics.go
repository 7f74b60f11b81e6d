package middlewares

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydroqc_http_requests_total",
			Help: "Number of HTTP requests by route and status.",
		},
		[]string{"method", "path", "status"},
	)
	Latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydroqc_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Metrics records request counts and latencies.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		Requests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		Latency.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
