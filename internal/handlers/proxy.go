package handlers

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"

	"gatekeeper/pkg/api"
	"gatekeeper/pkg/ctxkeys"
	"gatekeeper/pkg/logging"
)

// NewProxy builds the downstream forwarder for admitted traffic. The
// resolved tenant identity travels on X-Tenant-ID and X-Tenant-Tier so
// downstream services can row-filter without re-resolving.
func NewProxy(target string, logger logging.Logger) (gin.HandlerFunc, error) {
	downstream, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid downstream url: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(downstream)
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		// Strip any client-supplied identity headers before stamping the
		// resolved ones; downstream must never trust the raw request.
		req.Header.Del("X-Tenant-ID")
		req.Header.Del("Tenant-ID")
		req.Header.Del("X-Tenant-Tier")
		if tenantID := ctxkeys.GetTenantID(req.Context()); tenantID != "" {
			req.Header.Set("X-Tenant-ID", tenantID)
			req.Header.Set("X-Tenant-Tier", ctxkeys.GetTenantTier(req.Context()))
		}
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.WithError(err).WithField("path", r.URL.Path).Error("downstream request failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, `{"error":"Upstream unavailable"}`)
	}

	return func(c *gin.Context) {
		proxy.ServeHTTP(c.Writer, c.Request)
	}, nil
}

// NoDownstream answers catch-all traffic when no downstream is
// configured.
func NoDownstream(c *gin.Context) {
	c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "Not found"})
}
