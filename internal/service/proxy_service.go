// Package service contains the core proxy service implementation.
package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/policygate/gateway/internal/ctxkey"
	"github.com/policygate/gateway/internal/domain/circuit"
	"github.com/policygate/gateway/internal/domain/proxy"
	"github.com/policygate/gateway/internal/domain/validation"
	"github.com/policygate/gateway/internal/port/outbound"
	"github.com/policygate/gateway/pkg/mcp"
)

// errorCode maps an interceptor-chain error to a JSON-RPC error code. A
// policy denial, a deadline/timeout, and an unreachable-or-open-circuit
// upstream each need their own code (-32001/-32002/-32003) so a client can
// branch on the failure class instead of pattern-matching the message text;
// everything else not already carrying a validation.ValidationError code is
// reported as -32603 (internal error), not -32600 (malformed request), since
// the request itself was well-formed.
func errorCode(err error) int {
	switch {
	case errors.Is(err, proxy.ErrPolicyDenied):
		return -32001
	case errors.Is(err, context.DeadlineExceeded):
		return -32002
	case errors.Is(err, circuit.ErrOpen):
		return -32003
	case errors.Is(err, proxy.ErrMissingSession):
		return -32600
	default:
		return -32603
	}
}

// loggerFromContext retrieves the enriched logger from context.
// Uses the same key as HTTP middleware for request_id/tenant_id enrichment.
// Returns nil if no logger is in context, allowing caller to fall back.
func loggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// defaultMaxInFlight bounds concurrently dispatched frames per stream; a
// client pushing past it gets a backpressure error instead of unbounded
// queueing.
const defaultMaxInFlight = 64

// ProxyService pumps newline-delimited JSON-RPC frames between the client
// and the enforcement chain. Frames are dispatched concurrently (per-stream
// ordering is not preserved; clients needing ordering serialize themselves),
// while writes to each output stream are serialized so frames stay atomic.
type ProxyService struct {
	client      outbound.MCPClient
	interceptor proxy.MessageInterceptor
	logger      *slog.Logger
	maxInFlight int
}

// NewProxyService creates a proxy service. client may be nil for router-only
// mode, where the interceptor chain owns all upstream routing.
func NewProxyService(client outbound.MCPClient, interceptor proxy.MessageInterceptor, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:      client,
		interceptor: interceptor,
		logger:      logger,
		maxInFlight: defaultMaxInFlight,
	}
}

// WithMaxInFlight overrides the per-stream concurrent dispatch bound.
func (p *ProxyService) WithMaxInFlight(n int) *ProxyService {
	if n > 0 {
		p.maxInFlight = n
	}
	return p
}

// Run starts the bidirectional proxy between client and upstream server.
// It blocks until the context is cancelled or an error occurs.
// clientIn is where we read messages from (typically os.Stdin).
// clientOut is where we write messages to (typically os.Stdout).
//
// When client is nil (multi-upstream mode), the interceptor chain handles all
// routing via the UpstreamRouter. Messages are processed through the interceptor
// and responses are written back to clientOut without needing an upstream pipe.
func (p *ProxyService) Run(ctx context.Context, clientIn io.Reader, clientOut io.Writer) error {
	// Use enriched logger from context if available (includes request_id, tenant_id)
	logger := loggerFromContext(ctx)
	if logger == nil {
		logger = p.logger
	}

	// Router-only mode: no direct upstream client, interceptor chain handles everything.
	// The UpstreamRouter interceptor routes tools/list and tools/call to the correct
	// upstream via UpstreamConnectionProvider, flipping message direction to ServerToClient.
	if p.client == nil {
		return p.runRouterOnly(ctx, clientIn, clientOut, logger)
	}

	// Start the upstream server and get its stdio pipes
	serverIn, serverOut, err := p.client.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start upstream server: %w", err)
	}
	defer func() { _ = p.client.Close() }()

	// Create cancellable context for goroutines
	// Save parent context to distinguish external cancellation from normal termination
	parentCtx := ctx
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	// Goroutine 1: client -> server (requests)
	// Pass clientOut for error responses when interceptor rejects
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = serverIn.Close() }() // Signal EOF to server when client disconnects
		if err := p.copyMessages(ctx, clientIn, serverIn, clientOut, mcp.ClientToServer, logger); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				errCh <- fmt.Errorf("client->server: %w", err)
			}
		}
		logger.Debug("client->server copy completed")
	}()

	// Goroutine 2: server -> client (responses)
	// No error responses needed for server->client direction
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.copyMessages(ctx, serverOut, clientOut, nil, mcp.ServerToClient, logger); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				errCh <- fmt.Errorf("server->client: %w", err)
			}
		}
		logger.Debug("server->client copy completed")
		cancel() // Server closed, cancel everything
	}()

	// Wait for both goroutines to finish
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Wait for completion or error
	select {
	case <-done:
		// Both goroutines finished
	case err := <-errCh:
		cancel() // Cancel remaining work
		<-done   // Wait for cleanup
		return err
	}

	// Wait for upstream process to finish
	if err := p.client.Wait(); err != nil {
		// Ignore expected errors when context was cancelled
		if parentCtx.Err() == nil {
			logger.Debug("upstream server exited", "error", err)
		}
	}

	// Return parent context error only if external cancellation occurred.
	// If termination was normal (we called cancel() ourselves at line 80),
	// parentCtx.Err() will be nil.
	return parentCtx.Err()
}

// runRouterOnly handles the case where there is no direct upstream client.
// All messages are processed through the interceptor chain, which is expected
// to handle routing (via UpstreamRouter) and return responses by flipping
// the message direction from ClientToServer to ServerToClient.
func (p *ProxyService) runRouterOnly(ctx context.Context, clientIn io.Reader, clientOut io.Writer, logger *slog.Logger) error {
	logger.Debug("running in router-only mode (no direct upstream client)")
	return p.copyMessages(ctx, clientIn, io.Discard, clientOut, mcp.ClientToServer, logger)
}

// copyMessages reads newline-delimited JSON frames from src and dispatches
// each through the interceptor chain. ClientToServer frames are handled
// concurrently up to maxInFlight, with a backpressure error once the bound
// is hit; ServerToClient frames stay in arrival order so upstream
// notifications are relayed in sequence. All writes are serialized through
// a per-call mutex so concurrent handlers never interleave partial frames.
func (p *ProxyService) copyMessages(ctx context.Context, src io.Reader, dst io.Writer, clientOut io.Writer, direction mcp.Direction, logger *slog.Logger) error {
	// MCP frames can be large; give the scanner generous buffers.
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	inFlight := make(chan struct{}, p.maxInFlight)

	defer wg.Wait()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw := append([]byte(nil), scanner.Bytes()...)

		if direction == mcp.ServerToClient {
			// Responses and upstream notifications: arrival order matters.
			p.handleFrame(ctx, raw, dst, clientOut, direction, &writeMu, logger)
			continue
		}

		select {
		case inFlight <- struct{}{}:
		default:
			// Admission bound exceeded: reject rather than queue unbounded.
			p.writeBackpressureError(raw, clientOut, &writeMu, logger)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-inFlight }()
			p.handleFrame(ctx, raw, dst, clientOut, direction, &writeMu, logger)
		}()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan error: %w", err)
	}

	return nil
}

// handleFrame runs one frame through the interceptor chain and writes the
// outcome: the chain's response back to the client, a forwarded frame to
// dst, or an error frame on rejection.
func (p *ProxyService) handleFrame(ctx context.Context, raw []byte, dst io.Writer, clientOut io.Writer, direction mcp.Direction, writeMu *sync.Mutex, logger *slog.Logger) {
	startTime := time.Now()

	msg := &mcp.Message{
		Raw:       raw,
		Direction: direction,
		Timestamp: startTime,
	}

	// Decode for inspection; undecodable frames pass through raw so the
	// chain can still reject or forward them.
	if decoded, err := mcp.DecodeMessage(raw); err == nil {
		msg.Decoded = decoded
		if direction == mcp.ClientToServer {
			_ = msg.ParseParams()
		}
	} else {
		logger.Debug("failed to decode message, passing through raw",
			"direction", direction,
			"error", err,
		)
	}

	processedMsg, err := p.interceptor.Intercept(ctx, msg)
	if err != nil {
		logger.Error("interceptor rejected message",
			"direction", direction,
			"error", err,
		)
		// Only requests get error responses; a server->client error must
		// not loop back toward the upstream.
		if direction == mcp.ClientToServer && clientOut != nil {
			rawID := msg.RawID()
			code := errorCode(err)
			// Client-facing messages are sanitized; the full error stays in
			// the log line above.
			message := proxy.SafeErrorMessage(err)
			var valErr *validation.ValidationError
			if errors.As(err, &valErr) {
				code = valErr.Code
				message = valErr.Message
			}
			errResp := proxy.CreateJSONRPCError(rawID, code, message)
			p.writeFrame(clientOut, errResp, writeMu)
			logger.Debug("sent error response to client", "safe_message", message)
		}
		return
	}
	if processedMsg == nil {
		return
	}

	// If the chain produced a final response (direction flipped), it goes
	// back to the client rather than onward to the upstream pipe.
	writeTo := dst
	if direction == mcp.ClientToServer && processedMsg.Direction == mcp.ServerToClient && clientOut != nil {
		writeTo = clientOut
	}

	p.writeFrame(writeTo, processedMsg.Raw, writeMu)

	logger.Debug("forwarded message",
		"direction", direction,
		"method", processedMsg.Method(),
		"latency_us", time.Since(startTime).Microseconds(),
	)
}

// writeFrame writes one frame plus newline under the write mutex.
func (p *ProxyService) writeFrame(w io.Writer, frame []byte, writeMu *sync.Mutex) {
	writeMu.Lock()
	defer writeMu.Unlock()
	_, _ = w.Write(frame)
	_, _ = w.Write([]byte("\n"))
}

// writeBackpressureError answers a frame rejected at admission.
func (p *ProxyService) writeBackpressureError(raw []byte, clientOut io.Writer, writeMu *sync.Mutex, logger *slog.Logger) {
	if clientOut == nil {
		return
	}
	msg := &mcp.Message{Raw: raw, Direction: mcp.ClientToServer}
	if decoded, err := mcp.DecodeMessage(raw); err == nil {
		msg.Decoded = decoded
	}
	errResp := proxy.CreateJSONRPCError(msg.RawID(), -32603, "too many in-flight requests")
	p.writeFrame(clientOut, errResp, writeMu)
	logger.Warn("backpressure: rejected frame, in-flight bound reached")
}
