// Package proxy contains the core domain logic for the MCP proxy.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/policygate/gateway/internal/domain/circuit"
	"github.com/policygate/gateway/pkg/mcp"
)

// JSON-RPC error codes used by the router. -32001/-32002/-32003 extend the
// standard JSON-RPC 2.0 reserved range the way the spec requires: policy
// denials, timeouts, and upstream unavailability each need their own code
// so a client can distinguish "your request was rejected by policy" from
// "the gateway itself is unhealthy" without parsing the message text.
const (
	// ErrCodeMethodNotFound is returned when a tool is not found in any upstream.
	ErrCodeMethodNotFound int64 = -32601
	// ErrCodeInternal is returned when an unexpected internal failure occurs.
	ErrCodeInternal int64 = -32603
	// ErrCodePolicyDenied is returned when a policy decision denies the call.
	ErrCodePolicyDenied int64 = -32001
	// ErrCodeTimeout is returned when an upstream call exceeds its deadline.
	ErrCodeTimeout int64 = -32002
	// ErrCodeUpstreamUnavailable is returned when no upstream is reachable
	// or its circuit breaker is open.
	ErrCodeUpstreamUnavailable int64 = -32003
	// ErrCodeNoUpstreams is an alias of ErrCodeUpstreamUnavailable kept for
	// the call sites below that predate the breaker-aware error taxonomy.
	ErrCodeNoUpstreams int64 = ErrCodeUpstreamUnavailable
)

// RoutableTool represents a tool that can be routed to a specific upstream.
// This is a minimal struct with just the fields the router needs, avoiding
// circular imports with the upstream package's DiscoveredTool type.
type RoutableTool struct {
	// Name is the qualified, client-facing name: "<upstream>__<tool>".
	Name string
	// BareName is the name the upstream itself expects, with no prefix.
	BareName string
	// UpstreamID identifies which upstream owns this tool.
	UpstreamID string
	// Description is the human-readable tool description.
	Description string
	// InputSchema is the JSON Schema for the tool's input parameters.
	InputSchema json.RawMessage
}

// RoutableResource is the router's view of one discovered resource: enough
// to serve resources/list and to route resources/read by URI.
type RoutableResource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	UpstreamID  string
}

// ToolCacheReader provides read access to the shared discovery cache.
type ToolCacheReader interface {
	// GetTool looks up a tool by its qualified name. Returns the tool and
	// true if found.
	GetTool(name string) (*RoutableTool, bool)
	// GetAllTools returns all discovered tools across all upstreams.
	GetAllTools() []*RoutableTool
	// GetResource looks up a resource by URI.
	GetResource(uri string) (*RoutableResource, bool)
	// GetAllResources returns all discovered resources across all upstreams.
	GetAllResources() []*RoutableResource
}

// UpstreamConnectionProvider provides access to upstream connections.
// The UpstreamManager will satisfy this interface.
type UpstreamConnectionProvider interface {
	// GetConnection returns the stdin writer and stdout reader for an upstream.
	GetConnection(upstreamID string) (io.WriteCloser, io.ReadCloser, error)
	// AllConnected returns true if at least one upstream is connected.
	AllConnected() bool
}

// UpstreamRouter routes MCP messages to the appropriate upstream based on
// tool name lookup in the shared ToolCache. It is the innermost interceptor
// in the chain for multi-upstream mode.
type UpstreamRouter struct {
	toolCache   ToolCacheReader
	manager     UpstreamConnectionProvider
	logger      *slog.Logger
	breakers    *circuit.Registry
	listChanged func(method string)
}

// NewUpstreamRouter creates a new UpstreamRouter.
func NewUpstreamRouter(cache ToolCacheReader, manager UpstreamConnectionProvider, logger *slog.Logger) *UpstreamRouter {
	return &UpstreamRouter{
		toolCache: cache,
		manager:   manager,
		logger:    logger,
	}
}

// WithCircuitBreaker attaches a per-(upstream, method) circuit breaker. When
// set, every forwarded call first checks Allow and reports the outcome via
// RecordSuccess/RecordFailure; an open breaker short-circuits to
// ErrCodeUpstreamUnavailable without touching the connection.
func (r *UpstreamRouter) WithCircuitBreaker(reg *circuit.Registry) *UpstreamRouter {
	r.breakers = reg
	return r
}

// WithListChangedHandler registers a callback invoked when an upstream
// emits a tools/resources listChanged notification, so the discovery cache
// can be refreshed. The notification itself is still relayed to the client.
func (r *UpstreamRouter) WithListChangedHandler(fn func(method string)) *UpstreamRouter {
	r.listChanged = fn
	return r
}

// breakerKey identifies one circuit breaker state machine.
func breakerKey(upstreamID, method string) string {
	return upstreamID + ":" + method
}

// Intercept routes the message to the appropriate upstream based on method type.
// - tools/list: aggregates tools from all upstreams via the ToolCache
// - tools/call: routes to the correct upstream based on tool name lookup
// - other methods: forwards to the first connected upstream (primary)
func (r *UpstreamRouter) Intercept(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	// Server-to-client messages (responses and upstream-originated
	// notifications) pass through without routing; a listChanged
	// notification additionally triggers a discovery refresh before being
	// relayed.
	if msg.Direction == mcp.ServerToClient {
		switch msg.Method() {
		case "notifications/tools/listChanged", "notifications/tools/list_changed",
			"notifications/resources/listChanged", "notifications/resources/list_changed":
			if r.listChanged != nil {
				r.listChanged(msg.Method())
			}
		}
		return msg, nil
	}

	// Check if any upstreams are available.
	if !r.manager.AllConnected() {
		r.logger.Warn("no upstreams available")
		return r.buildErrorResponse(msg, ErrCodeNoUpstreams, "No upstreams available"), nil
	}

	method := msg.Method()

	switch method {
	case "initialize":
		return r.handleInitialize(msg)
	case "notifications/initialized", "initialized":
		// Client acknowledgement — no response needed, just consume it.
		return r.buildResultResponse(msg, map[string]any{})
	case "tools/list":
		return r.handleToolsList(msg)
	case "tools/call":
		return r.handleToolsCall(ctx, msg)
	case "resources/list":
		return r.handleResourcesList(msg)
	case "resources/read":
		return r.handleResourcesRead(ctx, msg)
	default:
		return r.handleForward(ctx, msg)
	}
}

// handleToolsList aggregates tools from all upstreams into a unified response.
func (r *UpstreamRouter) handleToolsList(msg *mcp.Message) (*mcp.Message, error) {
	allTools := r.toolCache.GetAllTools()

	// Sort tools by name for deterministic ordering.
	sort.Slice(allTools, func(i, j int) bool {
		return allTools[i].Name < allTools[j].Name
	})

	// Build the tools array for the response.
	tools := make([]toolEntry, 0, len(allTools))
	for _, t := range allTools {
		entry := toolEntry{
			Name:        t.Name,
			Description: t.Description,
		}
		if t.InputSchema != nil {
			entry.InputSchema = t.InputSchema
		}
		tools = append(tools, entry)
	}

	// Build the JSON-RPC response.
	result := toolsListResult{Tools: tools}

	return r.buildResultResponse(msg, result)
}

// handleToolsCall routes a tools/call request to the upstream that owns the tool.
func (r *UpstreamRouter) handleToolsCall(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	// Extract tool name from request params.
	toolName := r.extractToolName(msg)
	if toolName == "" {
		r.logger.Warn("tools/call missing tool name")
		return r.buildErrorResponse(msg, ErrCodeMethodNotFound, "Tool not found: (empty name)"), nil
	}

	// Look up the tool in the cache.
	tool, found := r.toolCache.GetTool(toolName)
	if !found {
		r.logger.Warn("tool not found", "tool", toolName)
		return r.buildErrorResponse(msg, ErrCodeMethodNotFound, fmt.Sprintf("Tool not found: %s", toolName)), nil
	}

	r.logger.Debug("routing tools/call", "qualified_tool", toolName, "bare_tool", tool.BareName, "upstream", tool.UpstreamID)

	key := breakerKey(tool.UpstreamID, "tools/call")
	if r.breakers != nil {
		if err := r.breakers.Allow(key); err != nil {
			r.logger.Warn("circuit open, short-circuiting call", "upstream", tool.UpstreamID)
			return r.buildErrorResponse(msg, ErrCodeUpstreamUnavailable, fmt.Sprintf("Upstream circuit open: %s", tool.UpstreamID)), nil
		}
	}

	// Get connection to the upstream.
	writer, reader, err := r.manager.GetConnection(tool.UpstreamID)
	if err != nil {
		r.logger.Error("upstream connection failed", "upstream", tool.UpstreamID, "error", err)
		if r.breakers != nil {
			r.breakers.RecordFailure(key)
		}
		return r.buildErrorResponse(msg, ErrCodeUpstreamUnavailable, fmt.Sprintf("Upstream unavailable: %s", tool.UpstreamID)), nil
	}

	// The upstream knows its tool only by its bare name -- strip the
	// "<upstream>__" prefix the client used before forwarding.
	forwardMsg, err := r.rewriteToolCallName(msg, tool.BareName)
	if err != nil {
		r.logger.Error("failed to rewrite tool call name", "error", err)
		return r.buildErrorResponse(msg, ErrCodeInternal, "Failed to route tool call"), nil
	}

	resp, err := r.forwardToUpstream(forwardMsg, writer, reader)
	if r.breakers != nil {
		if err != nil {
			r.breakers.RecordFailure(key)
		} else {
			r.breakers.RecordSuccess(key)
		}
	}
	if err != nil {
		r.logger.Error("forwarding tools/call failed", "upstream", tool.UpstreamID, "error", err)
		return r.buildErrorResponse(msg, ErrCodeUpstreamUnavailable, fmt.Sprintf("Upstream call failed: %s", tool.UpstreamID)), nil
	}
	return resp, nil
}

// rewriteToolCallName returns a copy of a tools/call request message with its
// params.name replaced by bareName, leaving every other field untouched.
func (r *UpstreamRouter) rewriteToolCallName(msg *mcp.Message, bareName string) (*mcp.Message, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &envelope); err != nil {
		return nil, fmt.Errorf("parsing request: %w", err)
	}

	var params map[string]json.RawMessage
	if raw, ok := envelope["params"]; ok {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("parsing params: %w", err)
		}
	} else {
		params = map[string]json.RawMessage{}
	}

	nameJSON, err := json.Marshal(bareName)
	if err != nil {
		return nil, err
	}
	params["name"] = nameJSON

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	envelope["params"] = paramsJSON

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: msg.Direction,
		Timestamp: msg.Timestamp,
	}, nil
}

// handleInitialize responds to the MCP initialize handshake directly.
// The proxy advertises its own capabilities (tools) without forwarding to upstreams.
func (r *UpstreamRouter) handleInitialize(msg *mcp.Message) (*mcp.Message, error) {
	r.logger.Debug("handling initialize locally")

	result := map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities": map[string]any{
			"tools": map[string]any{},
			"resources": map[string]any{
				"listChanged": true,
			},
		},
		"serverInfo": map[string]any{
			"name":    "policygate",
			"version": "1.0.0",
		},
	}

	return r.buildResultResponse(msg, result)
}

// handleResourcesList serves the aggregated resource listing from the
// discovery cache, sorted by URI for deterministic output.
func (r *UpstreamRouter) handleResourcesList(msg *mcp.Message) (*mcp.Message, error) {
	all := r.toolCache.GetAllResources()

	sort.Slice(all, func(i, j int) bool {
		return all[i].URI < all[j].URI
	})

	resources := make([]resourceEntry, 0, len(all))
	for _, res := range all {
		resources = append(resources, resourceEntry{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MimeType:    res.MimeType,
		})
	}

	return r.buildResultResponse(msg, resourcesListResult{Resources: resources})
}

// handleResourcesRead routes a resources/read to the upstream that advertised
// the URI.
func (r *UpstreamRouter) handleResourcesRead(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	params := msg.ParseParams()
	uri, _ := params["uri"].(string)
	if uri == "" {
		return r.buildErrorResponse(msg, ErrCodeMethodNotFound, "Resource not found: (empty uri)"), nil
	}

	res, found := r.toolCache.GetResource(uri)
	if !found {
		r.logger.Warn("resource not found", "uri", uri)
		return r.buildErrorResponse(msg, ErrCodeMethodNotFound, fmt.Sprintf("Resource not found: %s", uri)), nil
	}

	key := breakerKey(res.UpstreamID, "resources/read")
	if r.breakers != nil {
		if err := r.breakers.Allow(key); err != nil {
			r.logger.Warn("circuit open, short-circuiting read", "upstream", res.UpstreamID)
			return r.buildErrorResponse(msg, ErrCodeUpstreamUnavailable, fmt.Sprintf("Upstream circuit open: %s", res.UpstreamID)), nil
		}
	}

	writer, reader, err := r.manager.GetConnection(res.UpstreamID)
	if err != nil {
		if r.breakers != nil {
			r.breakers.RecordFailure(key)
		}
		return r.buildErrorResponse(msg, ErrCodeUpstreamUnavailable, fmt.Sprintf("Upstream unavailable: %s", res.UpstreamID)), nil
	}

	resp, err := r.forwardToUpstream(msg, writer, reader)
	if r.breakers != nil {
		if err != nil {
			r.breakers.RecordFailure(key)
		} else {
			r.breakers.RecordSuccess(key)
		}
	}
	if err != nil {
		r.logger.Error("forwarding resources/read failed", "upstream", res.UpstreamID, "error", err)
		return r.buildErrorResponse(msg, ErrCodeUpstreamUnavailable, fmt.Sprintf("Upstream call failed: %s", res.UpstreamID)), nil
	}
	return resp, nil
}

// handleForward forwards non-tool messages to the first available upstream.
func (r *UpstreamRouter) handleForward(ctx context.Context, msg *mcp.Message) (*mcp.Message, error) {
	r.logger.Debug("forwarding message to upstream", "method", msg.Method())

	method := msg.Method()

	// Find the first upstream that has tools (i.e. is connected).
	allTools := r.toolCache.GetAllTools()
	if len(allTools) > 0 {
		upstreamID := allTools[0].UpstreamID
		key := breakerKey(upstreamID, method)
		if r.breakers == nil || r.breakers.Allow(key) == nil {
			writer, reader, err := r.manager.GetConnection(upstreamID)
			if err == nil {
				resp, fwdErr := r.forwardToUpstream(msg, writer, reader)
				if r.breakers != nil {
					if fwdErr != nil {
						r.breakers.RecordFailure(key)
					} else {
						r.breakers.RecordSuccess(key)
					}
				}
				if fwdErr == nil {
					return resp, nil
				}
				r.logger.Error("forwarding failed", "upstream", upstreamID, "error", fwdErr)
			} else {
				if r.breakers != nil {
					r.breakers.RecordFailure(key)
				}
				r.logger.Error("upstream connection failed", "upstream", upstreamID, "error", err)
			}
		} else {
			r.logger.Warn("circuit open, short-circuiting forward", "upstream", upstreamID)
		}
	}

	// Fallback: the "primary" key used by single-upstream YAML configs.
	writer, reader, err := r.manager.GetConnection("primary")
	if err != nil {
		r.logger.Error("no upstream available for forwarding", "method", msg.Method(), "error", err)
		return r.buildErrorResponse(msg, ErrCodeUpstreamUnavailable, "No upstream available"), nil
	}

	resp, err := r.forwardToUpstream(msg, writer, reader)
	if err != nil {
		r.logger.Error("forwarding to primary failed", "error", err)
		return r.buildErrorResponse(msg, ErrCodeUpstreamUnavailable, "Upstream call failed"), nil
	}
	return resp, nil
}

// forwardToUpstream writes the raw message to the upstream's stdin and reads the response.
func (r *UpstreamRouter) forwardToUpstream(msg *mcp.Message, writer io.WriteCloser, reader io.ReadCloser) (*mcp.Message, error) {
	// Write the raw message to upstream stdin (newline-delimited).
	data := msg.Raw
	if len(data) == 0 {
		return nil, fmt.Errorf("empty message to forward")
	}

	// Append newline if not already present.
	if data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}

	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("writing to upstream: %w", err)
	}

	// Read response from upstream stdout (newline-delimited JSON).
	scanner := bufio.NewScanner(reader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading from upstream: %w", err)
		}
		return nil, fmt.Errorf("upstream closed connection without response")
	}

	responseBytes := scanner.Bytes()

	return &mcp.Message{
		Raw:       responseBytes,
		Direction: mcp.ServerToClient,
		Timestamp: time.Now(),
	}, nil
}

// extractToolName extracts the tool name from a tools/call request's params.
func (r *UpstreamRouter) extractToolName(msg *mcp.Message) string {
	params := msg.ParseParams()
	if params == nil {
		return ""
	}
	name, ok := params["name"].(string)
	if !ok {
		return ""
	}
	return name
}

// buildErrorResponse constructs a JSON-RPC error response message.
func (r *UpstreamRouter) buildErrorResponse(msg *mcp.Message, code int64, message string) *mcp.Message {
	// Extract the request ID to include in the error response.
	rawID := msg.RawID()

	resp := jsonRPCError{
		JSONRPC: "2.0",
		Error: jsonRPCErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	// Set the ID if present.
	if rawID != nil {
		resp.ID = rawID
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("failed to marshal error response", "error", err)
		return msg
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		Timestamp: time.Now(),
	}
}

// buildResultResponse constructs a JSON-RPC success response message.
func (r *UpstreamRouter) buildResultResponse(msg *mcp.Message, result interface{}) (*mcp.Message, error) {
	rawID := msg.RawID()

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}

	resp := jsonRPCResult{
		JSONRPC: "2.0",
		Result:  json.RawMessage(resultJSON),
	}

	if rawID != nil {
		resp.ID = rawID
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}

	return &mcp.Message{
		Raw:       raw,
		Direction: mcp.ServerToClient,
		Timestamp: time.Now(),
	}, nil
}

// --- JSON response types ---

type jsonRPCError struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id,omitempty"`
	Error   jsonRPCErrorDetail `json:"error"`
}

type jsonRPCErrorDetail struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result"`
}

type toolEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []toolEntry `json:"tools"`
}

type resourceEntry struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourcesListResult struct {
	Resources []resourceEntry `json:"resources"`
}

// Compile-time check that UpstreamRouter implements MessageInterceptor.
var _ MessageInterceptor = (*UpstreamRouter)(nil)
