// Package inbound holds the port the transports drive: both the stdio and
// the streaming-HTTP adapters run the enforcement core through it.
package inbound

import (
	"context"
)

// ProxyService is the transport-facing surface of the enforcement core.
type ProxyService interface {
	// Start pumps frames until the context is cancelled or the client goes
	// away. Nil on graceful shutdown.
	Start(ctx context.Context) error

	// Close releases transport resources.
	Close() error
}
