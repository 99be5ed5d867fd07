package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/policygate/gateway/internal/config"
	"github.com/policygate/gateway/internal/domain/action"
	"github.com/policygate/gateway/internal/domain/proxy"
)

// The context collector's enricher registry: five pure, side-effect-free
// enrichers, each contributing a namespaced map to the decision context's
// environment. Construction is data-driven from configuration; the ordered
// list is fixed at startup.

// BuildEnrichers assembles the standard enricher list in its fixed order.
func BuildEnrichers(cfg *config.OSSConfig, directory *IdentityService) []action.Enricher {
	return []action.Enricher{
		NewTimeBasedEnricher(cfg.Enrichment.BusinessHoursStart, cfg.Enrichment.BusinessHoursEnd, cfg.Enrichment.Timezone),
		NewAgentInfoEnricher(cfg.Auth.Identities).WithDirectory(directory),
		NewResourceClassifierEnricher(),
		NewSecurityInfoEnricher(NewStaticGeoResolver(cfg.Enrichment.GeoMap)),
		NewDataLineageEnricher(),
	}
}

// --- time-based ---

// TimeBasedEnricher derives business-hours facts from the request's
// admission time and the configured window.
type TimeBasedEnricher struct {
	start    string // "HH:MM"
	end      string
	location *time.Location
	timezone string
}

// NewTimeBasedEnricher creates the time-based enricher. Empty settings fall
// back to 09:00-17:00 UTC.
func NewTimeBasedEnricher(start, end, timezone string) *TimeBasedEnricher {
	if start == "" {
		start = "09:00"
	}
	if end == "" {
		end = "17:00"
	}
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
		timezone = "UTC"
	}
	return &TimeBasedEnricher{start: start, end: end, location: loc, timezone: timezone}
}

// Name implements action.Enricher.
func (e *TimeBasedEnricher) Name() string { return "time-based" }

// Enrich implements action.Enricher.
func (e *TimeBasedEnricher) Enrich(_ context.Context, act *action.CanonicalAction) (map[string]any, error) {
	at := act.RequestTime.In(e.location)
	clock := at.Format("15:04")
	return map[string]any{
		"isBusinessHours": clock >= e.start && clock < e.end,
		"dayOfWeek":       strings.ToLower(at.Weekday().String()),
		"timezone":        e.timezone,
	}, nil
}

// --- agent-info ---

// AgentInfoEnricher looks the acting identity up in the agent directory,
// layered over the static YAML identities: the directory wins on conflict
// and alone supplies clearance and tags. An unknown agent gets the neutral
// defaults the spec fixes: trustScore 0.5, agentType "unknown".
type AgentInfoEnricher struct {
	directory  *IdentityService // may be nil
	identities map[string]config.IdentityConfig
}

// NewAgentInfoEnricher indexes the static identities by ID for O(1) lookup.
func NewAgentInfoEnricher(identities []config.IdentityConfig) *AgentInfoEnricher {
	idx := make(map[string]config.IdentityConfig, len(identities))
	for _, id := range identities {
		idx[id.ID] = id
	}
	return &AgentInfoEnricher{identities: idx}
}

// WithDirectory layers the live agent directory over the static identities.
// Returns the receiver for construction-time chaining.
func (e *AgentInfoEnricher) WithDirectory(dir *IdentityService) *AgentInfoEnricher {
	e.directory = dir
	return e
}

const (
	unknownAgentType  = "unknown"
	unknownTrustScore = 0.5
)

// Name implements action.Enricher.
func (e *AgentInfoEnricher) Name() string { return "agent-info" }

// Enrich implements action.Enricher.
func (e *AgentInfoEnricher) Enrich(_ context.Context, act *action.CanonicalAction) (map[string]any, error) {
	out := map[string]any{
		"agentType":      unknownAgentType,
		"trustScore":     unknownTrustScore,
		"clearanceLevel": "",
		"tags":           []string{},
	}

	if id, ok := e.identities[act.Identity.ID]; ok {
		if id.AgentType != "" {
			out["agentType"] = id.AgentType
		}
		if id.TrustScore > 0 {
			out["trustScore"] = id.TrustScore
		}
	}

	if e.directory != nil {
		if entry, ok := e.directory.LookupAgent(act.Identity.ID); ok {
			if entry.AgentType != "" {
				out["agentType"] = entry.AgentType
			}
			if entry.TrustScore > 0 {
				out["trustScore"] = entry.TrustScore
			}
			if entry.ClearanceLevel != "" {
				out["clearanceLevel"] = entry.ClearanceLevel
			}
			if len(entry.Tags) > 0 {
				tags := make([]string, len(entry.Tags))
				copy(tags, entry.Tags)
				out["tags"] = tags
			}
		}
	}

	return out, nil
}

// --- resource-classifier ---

// resourceClass pairs a name/URI pattern with its classification.
type resourceClass struct {
	substrings  []string
	dataType    string
	sensitivity string
}

// resourceClassTable maps resource-name substrings to data type and
// sensitivity, most sensitive tier first. Same substring idiom as the tool
// risk classifier: crude, but it errs toward the stricter classification.
var resourceClassTable = []resourceClass{
	{[]string{"secret", "credential", "token", "password", "key"}, "credential", "restricted"},
	{[]string{"mail", "email", "message", "inbox"}, "message", "confidential"},
	{[]string{"db", "sql", "database", "record"}, "database", "confidential"},
	{[]string{"file://", "file", "path", "dir"}, "file", "internal"},
	{[]string{"http://", "https://", "url", "web"}, "web", "internal"},
}

// ResourceClassifierEnricher classifies the target resource from its
// name/URI patterns.
type ResourceClassifierEnricher struct{}

// NewResourceClassifierEnricher creates the resource classifier.
func NewResourceClassifierEnricher() *ResourceClassifierEnricher {
	return &ResourceClassifierEnricher{}
}

// Name implements action.Enricher.
func (e *ResourceClassifierEnricher) Name() string { return "resource-classifier" }

// Enrich implements action.Enricher.
func (e *ResourceClassifierEnricher) Enrich(_ context.Context, act *action.CanonicalAction) (map[string]any, error) {
	name := strings.ToLower(act.Name)
	for _, class := range resourceClassTable {
		for _, sub := range class.substrings {
			if strings.Contains(name, sub) {
				return map[string]any{
					"dataType":    class.dataType,
					"sensitivity": class.sensitivity,
				}, nil
			}
		}
	}
	return map[string]any{
		"dataType":    "opaque",
		"sensitivity": "internal",
	}, nil
}

// --- security-info ---

// GeoIPResolver resolves a source IP to an ISO country code. Implementations
// must honor the context deadline; a failure degrades the enrichment, never
// the request.
type GeoIPResolver func(ctx context.Context, ip string) (string, error)

// NewStaticGeoResolver builds a resolver from an IP-prefix-to-country map
// (longest matching prefix wins). No geo-IP database ships with the gateway;
// deployments provide the mapping, or a real resolver, themselves.
func NewStaticGeoResolver(prefixes map[string]string) GeoIPResolver {
	return func(_ context.Context, ip string) (string, error) {
		best := ""
		country := ""
		for prefix, c := range prefixes {
			if strings.HasPrefix(ip, prefix) && len(prefix) > len(best) {
				best = prefix
				country = c
			}
		}
		if country == "" {
			return "", fmt.Errorf("no geo mapping for %q", ip)
		}
		return country, nil
	}
}

// SecurityInfoEnricher derives the caller's network facts: the client IP
// placed in context by the transport, its resolved origin country, and a
// threat level. Resolution failure yields geoCountry "unknown" with the
// threat level unchanged, per the enricher contract.
type SecurityInfoEnricher struct {
	resolver GeoIPResolver
}

// NewSecurityInfoEnricher creates the security-info enricher. resolver may
// be nil, in which case every country resolves to "unknown".
func NewSecurityInfoEnricher(resolver GeoIPResolver) *SecurityInfoEnricher {
	return &SecurityInfoEnricher{resolver: resolver}
}

// Name implements action.Enricher.
func (e *SecurityInfoEnricher) Name() string { return "security-info" }

// Enrich implements action.Enricher.
func (e *SecurityInfoEnricher) Enrich(ctx context.Context, _ *action.CanonicalAction) (map[string]any, error) {
	ip, _ := ctx.Value(proxy.IPAddressKey).(string)
	out := map[string]any{
		"clientIP":    ip,
		"geoCountry":  "unknown",
		"threatLevel": "none",
	}

	if e.resolver != nil && ip != "" {
		if country, err := e.resolver(ctx, ip); err == nil && country != "" {
			out["geoCountry"] = country
		}
	}

	return out, nil
}

// --- data-lineage ---

// DataLineageEnricher records best-effort provenance for the action: which
// protocol and gateway surface it entered through and the session carrying
// it. Optional by contract; its failure is ignored entirely.
type DataLineageEnricher struct{}

// NewDataLineageEnricher creates the data-lineage enricher.
func NewDataLineageEnricher() *DataLineageEnricher {
	return &DataLineageEnricher{}
}

// Name implements action.Enricher.
func (e *DataLineageEnricher) Name() string { return "data-lineage" }

// Enrich implements action.Enricher.
func (e *DataLineageEnricher) Enrich(_ context.Context, act *action.CanonicalAction) (map[string]any, error) {
	return map[string]any{
		"sourceProtocol": act.Protocol,
		"gateway":        act.Gateway,
		"sessionID":      act.Identity.SessionID,
	}, nil
}
