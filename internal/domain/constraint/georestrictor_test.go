package constraint

import (
	"context"
	"testing"

	"github.com/policygate/gateway/internal/domain/decision"
)

func applyGeo(t *testing.T, raw, country string) decision.ConstraintOutcome {
	t.Helper()
	g := NewGeoRestrictor(nil)
	dc := dcFixture()
	dc.IPCountry = country
	_, outcome, err := g.Apply(context.Background(), directive(t, raw), dc, nil)
	if err != nil {
		t.Fatalf("Apply(%q, %q): %v", raw, country, err)
	}
	return outcome
}

func TestGeoRestrictorAllowsListedCountry(t *testing.T) {
	t.Parallel()

	outcome := applyGeo(t, "geo-restrict:US,CA", "US")
	if outcome.Criticality != decision.CriticalityNone || !outcome.Applied {
		t.Errorf("listed country rejected: %+v", outcome)
	}
	// Case-insensitive on both sides.
	if outcome := applyGeo(t, "geo-restrict:us", "US"); outcome.Criticality != decision.CriticalityNone {
		t.Errorf("case mismatch rejected: %+v", outcome)
	}
}

func TestGeoRestrictorDeniesUnlistedCountry(t *testing.T) {
	t.Parallel()

	outcome := applyGeo(t, "geo-restrict:US,CA", "RU")
	if outcome.Criticality != decision.CriticalityCritical {
		t.Errorf("unlisted country criticality = %v, want critical", outcome.Criticality)
	}
}

func TestGeoRestrictorUnresolvedCountrySoftFails(t *testing.T) {
	t.Parallel()

	// Spec: failure to resolve the origin logs a warning and permits the
	// response unchanged.
	for _, country := range []string{"", "unknown"} {
		outcome := applyGeo(t, "geo-restrict:US", country)
		if outcome.Criticality != decision.CriticalitySoft {
			t.Errorf("unresolved country %q criticality = %v, want soft", country, outcome.Criticality)
		}
	}
}

func TestGeoRestrictorRejectsEmptyList(t *testing.T) {
	t.Parallel()

	g := NewGeoRestrictor(nil)
	if _, _, err := g.Apply(context.Background(), directive(t, "geo-restrict:"), dcFixture(), nil); err == nil {
		t.Error("empty country list accepted")
	}
}

func TestGeoRestrictorDirectivesDiffer(t *testing.T) {
	t.Parallel()

	// Two policies can restrict the same resource to different regions.
	if outcome := applyGeo(t, "geo-restrict:US", "DE"); outcome.Criticality != decision.CriticalityCritical {
		t.Errorf("US-only directive admitted DE: %+v", outcome)
	}
	if outcome := applyGeo(t, "geo-restrict:DE,FR", "DE"); outcome.Criticality != decision.CriticalityNone {
		t.Errorf("EU directive rejected DE: %+v", outcome)
	}
}
