// Package handlers implements the gateway's own HTTP surface: the
// tenant self-service usage endpoint and the operator interface for
// blacklist, tier, and storage management.
package handlers

import (
	"github.com/prometheus/client_golang/prometheus"

	"gatekeeper/internal/quota"
	"gatekeeper/internal/tenant"
	"gatekeeper/internal/threat"
	"gatekeeper/pkg/logging"
)

// Deps carries everything the handlers need.
type Deps struct {
	Logger   logging.Logger
	Ledger   *quota.Ledger
	Engine   *threat.Engine
	Resolver *tenant.Resolver
	Metadata tenant.MetadataStore

	// BlacklistGauge tracks active entries per reason; nil when the
	// deployment runs without Prometheus.
	BlacklistGauge *prometheus.GaugeVec
}

var deps Deps

// Init initializes the handlers with their dependencies
func Init(d Deps) {
	deps = d
}
