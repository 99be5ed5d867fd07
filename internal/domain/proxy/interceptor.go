// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"context"
	"errors"

	"github.com/policygate/gateway/pkg/mcp"
)

// ErrPolicyDenied is returned when a policy decision denies an action.
var ErrPolicyDenied = errors.New("policy denied")

// ErrMissingSession is returned when an action arrives without session context.
var ErrMissingSession = errors.New("missing session context")

// MessageInterceptor is one link of the frame-level enforcement chain: it
// inspects a frame and either passes it (possibly modified) onward or
// returns an error to reject it.
type MessageInterceptor interface {
	Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error)
}

// PassthroughInterceptor forwards every frame unchanged; the chain's
// identity element, useful as a tail in tests and degenerate configs.
type PassthroughInterceptor struct{}

// NewPassthroughInterceptor creates a passthrough interceptor.
func NewPassthroughInterceptor() *PassthroughInterceptor {
	return &PassthroughInterceptor{}
}

// Intercept returns the frame unchanged.
func (i *PassthroughInterceptor) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	return msg, nil
}

var _ MessageInterceptor = (*PassthroughInterceptor)(nil)
