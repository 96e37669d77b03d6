package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestHealthCheckerAllHealthy(t *testing.T) {
	hc := NewHealthChecker("gatekeeper", "test")
	hc.AddCheck("always", func() CheckResult {
		return CheckResult{Status: StatusHealthy}
	})

	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", status.Status)
	}
	if status.Service != "gatekeeper" {
		t.Fatalf("expected service name, got %s", status.Service)
	}
}

func TestHealthCheckerDegraded(t *testing.T) {
	hc := NewHealthChecker("gatekeeper", "test")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("meh", func() CheckResult { return CheckResult{Status: StatusDegraded} })

	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
}

func TestHealthCheckerUnhealthyWins(t *testing.T) {
	hc := NewHealthChecker("gatekeeper", "test")
	hc.AddCheck("meh", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	hc.AddCheck("bad", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })

	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	hc := NewHealthChecker("gatekeeper", "test")
	hc.AddCheck("bad", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })

	r := gin.New()
	r.GET("/health", hc.Handler())

	w := httptest.NewRecorder()
	req, _ := http.NewRequestWithContext(context.Background(), "GET", "/health", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	check := ConfigurationHealthCheck(map[string]string{"A": "set", "B": ""})
	if got := check().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy on missing config, got %s", got)
	}

	check = ConfigurationHealthCheck(map[string]string{"A": "set"})
	if got := check().Status; got != StatusHealthy {
		t.Fatalf("expected healthy, got %s", got)
	}
}

func TestRedisHealthCheckNilClient(t *testing.T) {
	check := RedisHealthCheck(nil)
	if got := check().Status; got != StatusDegraded {
		t.Fatalf("expected degraded with nil client, got %s", got)
	}
}
