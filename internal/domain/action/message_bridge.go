package action

import (
	"context"
	"fmt"

	"github.com/policygate/gateway/internal/domain/proxy"
	"github.com/policygate/gateway/pkg/mcp"
)

// MessageBridge adapts a frame-level proxy.MessageInterceptor into the
// CanonicalAction chain. The upstream router and other frame-level
// components speak *mcp.Message; the bridge unwraps the original message
// from the action, runs the wrapped interceptor, and syncs any mutations
// (including a session attached by an auth step) back onto the action.
type MessageBridge struct {
	inner proxy.MessageInterceptor
	name  string
}

var _ ActionInterceptor = (*MessageBridge)(nil)

// NewMessageBridge wraps the given frame-level interceptor. name appears in
// errors and logs.
func NewMessageBridge(inner proxy.MessageInterceptor, name string) *MessageBridge {
	return &MessageBridge{
		inner: inner,
		name:  name,
	}
}

// Intercept unwraps the mcp.Message, runs the wrapped interceptor, and syncs
// the result back onto the action.
func (b *MessageBridge) Intercept(ctx context.Context, action *CanonicalAction) (*CanonicalAction, error) {
	if action.OriginalMessage == nil {
		return nil, fmt.Errorf("message bridge %s: OriginalMessage is nil", b.name)
	}

	mcpMsg, ok := action.OriginalMessage.(*mcp.Message)
	if !ok {
		return nil, fmt.Errorf("message bridge %s: expected *mcp.Message, got %T", b.name, action.OriginalMessage)
	}

	resultMsg, err := b.inner.Intercept(ctx, mcpMsg)
	if err != nil {
		// The wrapped interceptor's error is surfaced unwrapped so typed
		// matching (RateLimitError, policy errors) still works upstack.
		return nil, err
	}

	action.OriginalMessage = resultMsg

	// Pick up a session the wrapped interceptor may have attached.
	if resultMsg != nil && resultMsg.Session != nil && action.Identity.SessionID == "" {
		roles := make([]string, len(resultMsg.Session.Roles))
		for i, r := range resultMsg.Session.Roles {
			roles[i] = string(r)
		}
		action.Identity = ActionIdentity{
			ID:        resultMsg.Session.IdentityID,
			Name:      resultMsg.Session.IdentityName,
			SessionID: resultMsg.Session.ID,
			Roles:     roles,
		}
	}

	return action, nil
}

// Name returns the bridge's name for logging.
func (b *MessageBridge) Name() string {
	return b.name
}
