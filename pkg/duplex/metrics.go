package duplex

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albertbausili/duplex/internal/metrics"
)

// PrometheusConfig holds configuration for the Prometheus middleware.
type PrometheusConfig struct {
	// SkipPaths lists paths that are not measured.
	SkipPaths []string
	// PathLabel maps a request to its path label; by default the route
	// pattern is not known, so the path without its query is used.
	PathLabel func(ctx *Context) string
}

// DefaultPrometheusConfig skips the metrics endpoint itself.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{SkipPaths: []string{"/metrics"}}
}

// Prometheus records request counts, latency and response sizes.
func Prometheus() Middleware {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig returns a Prometheus middleware with custom configuration.
func PrometheusWithConfig(config PrometheusConfig) Middleware {
	skip := toSet(config.SkipPaths)
	if config.PathLabel == nil {
		config.PathLabel = func(ctx *Context) string {
			p, _, _ := strings.Cut(ctx.Path(), "?")
			return p
		}
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.Serve(ctx)
			}
			start := time.Now()
			metrics.RequestsInFlight.Inc()
			defer metrics.RequestsInFlight.Dec()

			err := next.Serve(ctx)

			status := strconv.Itoa(ctx.Status())
			method, path := ctx.Method(), config.PathLabel(ctx)
			metrics.RequestsTotal.WithLabelValues(method, path, status).Inc()
			metrics.RequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
			metrics.ResponseSize.WithLabelValues(method, path, status).Observe(float64(len(ctx.ResponseBody())))
			return err
		})
	}
}

// MetricsHandler exposes the default Prometheus registry over net/http, for a
// separate metrics listener.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
