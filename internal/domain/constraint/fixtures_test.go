package constraint

import (
	"time"

	"github.com/policygate/gateway/internal/domain/decision"
)

func dcFixture() decision.DecisionContext {
	return decision.DecisionContext{
		Agent:       "agent-1",
		Action:      "tools/call",
		Resource:    "read_file",
		RequestTime: time.Now(),
		SessionID:   "sess-1",
	}
}
