package constraint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/policygate/gateway/internal/domain/decision"
)

// GeoRestrictor enforces "geo-restrict:<country-list>" directives (e.g.
// "geo-restrict:US,DE,FR"): the decision's resolved origin country must be
// on the directive's own allowlist. The country comes from the security-info
// enricher via DecisionContext.IPCountry; when resolution failed (empty or
// "unknown"), the spec mandates a soft failure — log a warning and let the
// response proceed unchanged — since a geo lookup outage must not itself
// deny legitimate, already-verified traffic. A resolved country missing from
// the list is CriticalityCritical.
type GeoRestrictor struct {
	logger *slog.Logger
}

// NewGeoRestrictor creates the geo-restrict directive processor.
func NewGeoRestrictor(logger *slog.Logger) *GeoRestrictor {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeoRestrictor{logger: logger}
}

// Scheme implements Processor.
func (g *GeoRestrictor) Scheme() string { return "geo-restrict" }

// Apply implements Processor.
func (g *GeoRestrictor) Apply(_ context.Context, d Directive, dc decision.DecisionContext, args map[string]any) (map[string]any, decision.ConstraintOutcome, error) {
	allowed := make(map[string]bool)
	for _, c := range strings.Split(d.Payload, ",") {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			allowed[c] = true
		}
	}
	if len(allowed) == 0 {
		return args, decision.ConstraintOutcome{}, fmt.Errorf("geo-restrict directive names no countries")
	}

	country := strings.ToUpper(strings.TrimSpace(dc.IPCountry))
	if country == "" || country == "UNKNOWN" {
		g.logger.Warn("geo restriction skipped: origin country unresolved",
			"agent", dc.Agent, "resource", dc.Resource, "directive", d.Raw)
		return args, decision.ConstraintOutcome{
			Name:        d.Raw,
			Applied:     false,
			Criticality: decision.CriticalitySoft,
			Detail:      "origin country unresolved",
		}, nil
	}

	if !allowed[country] {
		return args, decision.ConstraintOutcome{
			Name:        d.Raw,
			Applied:     true,
			Criticality: decision.CriticalityCritical,
			Detail:      fmt.Sprintf("origin country %q is restricted", country),
		}, nil
	}

	return args, decision.ConstraintOutcome{
		Name:        d.Raw,
		Applied:     true,
		Criticality: decision.CriticalityNone,
	}, nil
}
