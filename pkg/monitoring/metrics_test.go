package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMetricsCollector_CountsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mc := NewMetricsCollector("test-svc", "v1.0.0", "abc123")

	router := gin.New()
	router.Use(mc.MetricsMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", mc.Handler())

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ping", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	if !strings.Contains(body, `test_svc_http_requests_total{endpoint="/ping",method="GET",status="200"} 1`) {
		t.Fatalf("request counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, `test_svc_service_info{commit="abc123",version="v1.0.0"} 1`) {
		t.Fatalf("service info gauge missing from exposition:\n%s", body)
	}
}

func TestMetricsCollector_RegistriesAreIsolated(t *testing.T) {
	a := NewMetricsCollector("svc-a", "v1", "x")
	b := NewMetricsCollector("svc-a", "v1", "x")
	if a.Registry() == b.Registry() {
		t.Fatal("collectors must not share a registry")
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	check := ConfigurationHealthCheck(map[string]string{"SMTP_HOST": "smtp.local", "SMTP_FROM": ""})
	res := check()
	if res.Status != StatusUnhealthy {
		t.Fatalf("status = %s, want unhealthy with a missing value", res.Status)
	}
	if !strings.Contains(res.Message, "SMTP_FROM") {
		t.Fatalf("message should name the missing key: %s", res.Message)
	}

	check = ConfigurationHealthCheck(map[string]string{"SMTP_HOST": "smtp.local"})
	if res := check(); res.Status != StatusHealthy {
		t.Fatalf("status = %s, want healthy", res.Status)
	}
}
