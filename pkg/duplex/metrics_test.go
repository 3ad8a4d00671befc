package duplex

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albertbausili/duplex/internal/metrics"
)

func TestPrometheus_Middleware(t *testing.T) {
	h := Prometheus()(okHandler("ok"))
	counter := metrics.RequestsTotal.WithLabelValues(http.MethodGet, "/prom-test", "200")
	before := testutil.ToFloat64(counter)

	_, err := serve(h, http.MethodGet, "/prom-test?x=1")
	require.NoError(t, err)

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.RequestsInFlight))
}

func TestPrometheus_StatusLabel(t *testing.T) {
	h := Prometheus()(HandlerFunc(func(ctx *Context) error {
		return ctx.Plain(http.StatusServiceUnavailable, "down")
	}))
	counter := metrics.RequestsTotal.WithLabelValues(http.MethodPost, "/prom-status", "503")
	before := testutil.ToFloat64(counter)

	_, _ = serve(h, http.MethodPost, "/prom-status")
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestPrometheusWithConfig_SkipPaths(t *testing.T) {
	h := PrometheusWithConfig(PrometheusConfig{SkipPaths: []string{"/prom-skip"}})(okHandler("ok"))
	counter := metrics.RequestsTotal.WithLabelValues(http.MethodGet, "/prom-skip", "200")
	before := testutil.ToFloat64(counter)

	_, _ = serve(h, http.MethodGet, "/prom-skip")
	assert.Equal(t, before, testutil.ToFloat64(counter))
}

func TestPrometheusWithConfig_PathLabel(t *testing.T) {
	h := PrometheusWithConfig(PrometheusConfig{
		PathLabel: func(_ *Context) string { return "/users/:id" },
	})(okHandler("ok"))
	counter := metrics.RequestsTotal.WithLabelValues(http.MethodGet, "/users/:id", "200")
	before := testutil.ToFloat64(counter)

	_, _ = serve(h, http.MethodGet, "/users/1")
	_, _ = serve(h, http.MethodGet, "/users/2")
	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestMetricsHandler(t *testing.T) {
	_, _ = serve(Prometheus()(okHandler("ok")), http.MethodGet, "/prom-exposed")

	rr := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "duplex_http_requests_total"))
}
