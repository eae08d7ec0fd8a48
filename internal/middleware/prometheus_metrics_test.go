package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/zfogg/sidechain/realtime/internal/metrics"
)

func TestMetricsMiddleware_StatusCodesAreNumeric(t *testing.T) {
	m := metrics.New(nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(MetricsMiddleware(m))
	router.GET("/200", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/404", func(c *gin.Context) { c.Status(http.StatusNotFound) })
	router.GET("/500", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/200", "/404", "/500", "/500"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	// Numeric labels keep queries like status=~"5.." working
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/200", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/404", "404")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/500", "500")))
	assert.Zero(t, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/200", "OK")))
	assert.Zero(t, testutil.ToFloat64(m.HTTPActiveConnections.WithLabelValues("GET", "/200")))
}

func TestMetricsMiddleware_RouteTemplateLabels(t *testing.T) {
	m := metrics.New(nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(MetricsMiddleware(m))
	router.POST("/internal/v1/events/users/:id", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	for _, id := range []string{"u1", "u2", "u3"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/internal/v1/events/users/"+id, nil))
	}
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope/123", nil))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/internal/v1/events/users/:id", "202")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", unmatchedRoute, "404")))
}
