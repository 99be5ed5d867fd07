// Package http is the streaming-HTTP inbound transport: MCP's Streamable
// HTTP binding (2025-03-26) in front of the same enforcement chain the
// stdio transport drives.
//
// # Usage
//
//	transport := http.NewHTTPTransport(proxyService,
//	    http.WithAddr(":8080"),
//	    http.WithTLS("cert.pem", "key.pem"),
//	    http.WithAllowedOrigins([]string{"https://example.com"}),
//	    http.WithLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
// Everything lives on the root path:
//
//	POST /    - one JSON-RPC request in, one JSON-RPC response out
//	GET /     - SSE stream registered for the session
//	DELETE /  - terminate the session and close its SSE streams
//	OPTIONS / - CORS preflight
//
// A session is identified by the Mcp-Session-Id header; when a POST arrives
// without one, the gateway mints a session and returns the id on the
// response. Authorization carries the bearer API key.
//
// # Middleware
//
// Requests pass through, outermost first: metrics, request-id, real-IP
// extraction (X-Forwarded-For / X-Real-IP), DNS-rebinding protection
// (Origin validation), API-key extraction, then the method handlers. The
// handlers hand the frame to the proxy service's interceptor chain, which
// owns validation, auth, rate limiting, audit, and policy enforcement.
//
// TLS, when enabled via WithTLS, enforces a 1.2 minimum.
//
// # Server-Sent Events
//
// The GET stream requires an Mcp-Session-Id, opens with a ": connected"
// comment, and writes each message delivered on its channel as a
// "data: <json>\n\n" event. A session may hold several concurrent streams;
// all of them close on DELETE or context cancellation. No gateway component
// delivers messages on these channels: upstream notifications are not
// forwarded to SSE clients.
package http
