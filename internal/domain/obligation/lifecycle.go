package obligation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/policygate/gateway/internal/domain/decision"
)

// PurgeFunc deletes or expires data associated with an agent/resource pair
// after the given retention window has elapsed. Implementations typically
// schedule a deferred delete against the audit store, the anonymizer vault,
// or an upstream data store.
type PurgeFunc func(ctx context.Context, agent, resource string, after time.Duration) error

// DataLifecycleExecutor discharges "purge_after:<duration>" duties, e.g.
// "purge_after:24h". There is no teacher equivalent; retention-driven
// deletion is required by the specification's data-lifecycle obligations but
// absent from the proxy this gateway is built from.
type DataLifecycleExecutor struct {
	purge PurgeFunc
}

// NewDataLifecycleExecutor creates a DataLifecycleExecutor delivering
// deletions via purge.
func NewDataLifecycleExecutor(purge PurgeFunc) *DataLifecycleExecutor {
	return &DataLifecycleExecutor{purge: purge}
}

// Name implements Executor.
func (e *DataLifecycleExecutor) Name() string { return "purge_after" }

// Execute implements Executor.
func (e *DataLifecycleExecutor) Execute(ctx context.Context, dc decision.DecisionContext, _ decision.PolicyDecision, duty decision.Duty) error {
	after, err := parseRetention(duty.Name, duty.Params)
	if err != nil {
		return err
	}
	return e.purge(ctx, dc.Agent, dc.Resource, after)
}

// parseRetention extracts the retention duration either from the duty's
// "purge_after:<duration>" name suffix or from a "retention" param.
func parseRetention(name string, params map[string]string) (time.Duration, error) {
	if v, ok := params["retention"]; ok {
		return time.ParseDuration(v)
	}
	idx := strings.IndexByte(name, ':')
	if idx < 0 {
		return 0, fmt.Errorf("purge_after duty %q missing retention duration", name)
	}
	suffix := name[idx+1:]
	if d, err := time.ParseDuration(suffix); err == nil {
		return d, nil
	}
	hours, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, fmt.Errorf("purge_after duty %q has invalid retention %q", name, suffix)
	}
	return time.Duration(hours) * time.Hour, nil
}
