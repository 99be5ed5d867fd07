package constraint

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/policygate/gateway/internal/domain/decision"
	"github.com/policygate/gateway/internal/domain/ratelimit"
)

// KeyTypeAgentResource identifies a rate limit key scoped to a single
// (agent, resource) pair, generalizing ratelimit.KeyTypeIP/KeyTypeUser to
// the decision pipeline's constraint-level limiting.
const KeyTypeAgentResource ratelimit.KeyType = "agent_resource"

// RateLimiter enforces "rate-limit:<count>/<window>" directives (e.g.
// "rate-limit:10/60s") keyed per (agent, resource), so two policies can
// impose two different limits on the same tool. It reuses the gateway's
// GCRA ratelimit.RateLimiter port, and the per-directive key includes the
// parsed limit so a stricter and a looser directive on the same pair count
// independently. A violation is always CriticalityCritical: an exceeded rate
// limit must demote a PERMIT to a DENY, never just a warning.
type RateLimiter struct {
	limiter       ratelimit.RateLimiter
	defaultWindow time.Duration
}

// NewRateLimiter creates the rate-limit directive processor. defaultWindow
// applies when a directive gives a bare count with no window.
func NewRateLimiter(limiter ratelimit.RateLimiter, defaultWindow time.Duration) *RateLimiter {
	if defaultWindow <= 0 {
		defaultWindow = time.Minute
	}
	return &RateLimiter{limiter: limiter, defaultWindow: defaultWindow}
}

// Scheme implements Processor.
func (r *RateLimiter) Scheme() string { return "rate-limit" }

// parseLimit parses "<count>/<window>" ("10/60s", "100/1m") or a bare
// count that falls back to the default window.
func (r *RateLimiter) parseLimit(payload string) (int, time.Duration, error) {
	countStr, windowStr, hasWindow := strings.Cut(payload, "/")
	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil || count <= 0 {
		return 0, 0, fmt.Errorf("rate-limit directive has invalid count %q", countStr)
	}
	if !hasWindow {
		return count, r.defaultWindow, nil
	}
	window, err := time.ParseDuration(strings.TrimSpace(windowStr))
	if err != nil || window <= 0 {
		return 0, 0, fmt.Errorf("rate-limit directive has invalid window %q", windowStr)
	}
	return count, window, nil
}

// Apply implements Processor. A malformed directive is a critical failure:
// a limit the gateway cannot parse cannot be enforced and must not fall open.
func (r *RateLimiter) Apply(ctx context.Context, d Directive, dc decision.DecisionContext, args map[string]any) (map[string]any, decision.ConstraintOutcome, error) {
	count, window, err := r.parseLimit(d.Payload)
	if err != nil {
		return args, decision.ConstraintOutcome{}, err
	}

	config := ratelimit.RateLimitConfig{Rate: count, Burst: count, Period: window}
	key := ratelimit.FormatKey(KeyTypeAgentResource,
		fmt.Sprintf("%s:%s:%d/%s", dc.Agent, dc.Resource, count, window))

	result, err := r.limiter.Allow(ctx, key, config)
	if err != nil {
		return args, decision.ConstraintOutcome{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	if !result.Allowed {
		return args, decision.ConstraintOutcome{
			Name:        d.Raw,
			Applied:     true,
			Criticality: decision.CriticalityCritical,
			Detail:      fmt.Sprintf("rate limit exceeded, retry after %s", result.RetryAfter),
		}, nil
	}

	return args, decision.ConstraintOutcome{
		Name:        d.Raw,
		Applied:     true,
		Criticality: decision.CriticalityNone,
		Detail:      fmt.Sprintf("%d requests remaining", result.Remaining),
	}, nil
}
