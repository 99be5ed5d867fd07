// Package stdio is the inbound transport speaking newline-delimited JSON-RPC
// on stdin/stdout, the default MCP transport. Stderr is left untouched for
// diagnostics; no protocol frame ever goes there.
package stdio

import (
	"context"
	"os"

	"github.com/policygate/gateway/internal/domain/proxy"
	"github.com/policygate/gateway/internal/port/inbound"
	"github.com/policygate/gateway/internal/service"
)

// StdioTransport connects the proxy service to the process's own stdio.
type StdioTransport struct {
	proxyService *service.ProxyService
}

// NewStdioTransport wraps the given proxy service.
func NewStdioTransport(proxyService *service.ProxyService) *StdioTransport {
	return &StdioTransport{
		proxyService: proxyService,
	}
}

// Start pumps frames between stdin/stdout and the enforcement chain,
// blocking until the context is cancelled or the client closes stdin.
func (t *StdioTransport) Start(ctx context.Context) error {
	// There is no remote IP on a pipe; "local" keys all stdio traffic into
	// one rate-limit bucket.
	ctx = context.WithValue(ctx, proxy.IPAddressKey, "local")
	return t.proxyService.Run(ctx, os.Stdin, os.Stdout)
}

// Close is a no-op: stdio owns no resources beyond the process streams.
func (t *StdioTransport) Close() error {
	return nil
}

var _ inbound.ProxyService = (*StdioTransport)(nil)
