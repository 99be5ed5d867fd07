// Package upstream contains domain types for MCP upstream server configuration.
package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ToolNameSeparator joins an upstream name and a tool's bare name into the
// qualified name the gateway exposes to clients: "<upstream>__<tool>".
const ToolNameSeparator = "__"

// QualifiedToolName builds the namespaced tool name a client sees for a tool
// discovered on the given upstream.
func QualifiedToolName(upstreamName, toolName string) string {
	return upstreamName + ToolNameSeparator + toolName
}

// SplitQualifiedToolName reverses QualifiedToolName, returning the upstream
// name and bare tool name. ok is false if name does not contain the
// separator (not a namespaced tool name).
func SplitQualifiedToolName(name string) (upstreamName, toolName string, ok bool) {
	idx := strings.Index(name, ToolNameSeparator)
	if idx < 0 {
		return "", "", false
	}
	return name[:idx], name[idx+len(ToolNameSeparator):], true
}

// DiscoveredTool represents a tool discovered from an upstream MCP server.
type DiscoveredTool struct {
	// Name is the tool's bare name as reported by the upstream.
	Name string
	// QualifiedName is the namespaced name exposed to clients:
	// "<UpstreamName>__<Name>".
	QualifiedName string
	// Description is the human-readable tool description.
	Description string
	// InputSchema is the JSON Schema for the tool's parameters.
	InputSchema json.RawMessage
	// UpstreamID identifies which upstream this tool was discovered from.
	UpstreamID string
	// UpstreamName is the human-readable name of the upstream.
	UpstreamName string
	// DiscoveredAt records when this tool was discovered.
	DiscoveredAt time.Time
}

// ToolConflict records a tool name conflict where a tool was skipped because
// another upstream already registered a tool with the same name.
type ToolConflict struct {
	// ToolName is the conflicting tool name.
	ToolName string
	// SkippedUpstreamID is the ID of the upstream whose tool was skipped.
	SkippedUpstreamID string
	// SkippedUpstreamName is the human-readable name of the skipped upstream.
	SkippedUpstreamName string
	// WinnerUpstreamID is the ID of the upstream that owns the winning tool.
	WinnerUpstreamID string
	// WinnerUpstreamName is the human-readable name of the winning upstream.
	WinnerUpstreamName string
}

const (
	// MaxToolsPerUpstream is the maximum number of tools a single upstream can register.
	// Prevents memory DoS from a malicious upstream advertising excessive tool counts.
	MaxToolsPerUpstream = 1000

	// MaxTotalTools is the maximum total tools across all upstreams.
	MaxTotalTools = 10000
)

// ToolCache provides thread-safe storage for discovered tools.
// Tools are keyed by their qualified name ("<upstream>__<tool>"), so two
// upstreams may each register a tool with the same bare name without
// colliding. A second index keeps the tools grouped by upstream ID for
// refresh/removal.
type ToolCache struct {
	tools      map[string]*DiscoveredTool // keyed by QualifiedName
	byUpstream map[string][]*DiscoveredTool
	conflicts  []ToolConflict

	resources           map[string]*DiscoveredResource // keyed by URI
	resourcesByUpstream map[string][]*DiscoveredResource

	mu sync.RWMutex
}

// NewToolCache creates a new empty ToolCache.
func NewToolCache() *ToolCache {
	return &ToolCache{
		tools:               make(map[string]*DiscoveredTool),
		byUpstream:          make(map[string][]*DiscoveredTool),
		resources:           make(map[string]*DiscoveredResource),
		resourcesByUpstream: make(map[string][]*DiscoveredResource),
	}
}

// SetToolsForUpstream replaces all tools for the given upstream.
// It first removes old entries from the tools map for this upstream,
// then adds the new tools to both maps under their qualified name.
// Tools are truncated to MaxToolsPerUpstream per upstream and MaxTotalTools globally.
func (c *ToolCache) SetToolsForUpstream(upstreamID string, tools []*DiscoveredTool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Enforce per-upstream limit.
	if len(tools) > MaxToolsPerUpstream {
		tools = tools[:MaxToolsPerUpstream]
	}

	// Remove old entries from the name index for this upstream.
	if oldTools, ok := c.byUpstream[upstreamID]; ok {
		for _, t := range oldTools {
			delete(c.tools, t.QualifiedName)
		}
	}

	// Assign qualified names and store new tools in both indexes, respecting
	// the global limit. A tool built without an UpstreamName (only expected
	// in tests exercising the cache directly) keeps its bare name as its
	// qualified name rather than producing a malformed "__name" key.
	for _, t := range tools {
		if t.QualifiedName != "" {
			continue
		}
		if t.UpstreamName == "" {
			t.QualifiedName = t.Name
		} else {
			t.QualifiedName = QualifiedToolName(t.UpstreamName, t.Name)
		}
	}
	c.byUpstream[upstreamID] = tools
	for _, t := range tools {
		if len(c.tools) >= MaxTotalTools {
			break
		}
		c.tools[t.QualifiedName] = t
	}
}

// GetTool looks up a tool by its qualified name ("<upstream>__<tool>").
func (c *ToolCache) GetTool(qualifiedName string) (*DiscoveredTool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tools[qualifiedName]
	return t, ok
}

// ResolveBareName looks up a tool by its unqualified name, for clients that
// call a tool without the upstream prefix. Returns an error if no upstream
// registers the name, or if more than one does (the caller must disambiguate
// with the qualified form).
func (c *ToolCache) ResolveBareName(bareName string) (*DiscoveredTool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var match *DiscoveredTool
	for _, t := range c.tools {
		if t.Name != bareName {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("tool name %q is ambiguous across upstreams %q and %q: use the qualified name",
				bareName, match.UpstreamName, t.UpstreamName)
		}
		match = t
	}
	if match == nil {
		return nil, fmt.Errorf("no upstream registers tool %q", bareName)
	}
	return match, nil
}

// GetAllTools returns all cached tools, keyed under their qualified name.
func (c *ToolCache) GetAllTools() []*DiscoveredTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]*DiscoveredTool, 0, len(c.tools))
	for _, t := range c.tools {
		result = append(result, t)
	}
	return result
}

// GetToolsByUpstream returns all tools for a specific upstream.
func (c *ToolCache) GetToolsByUpstream(upstreamID string) []*DiscoveredTool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := c.byUpstream[upstreamID]
	if tools == nil {
		return nil
	}
	// Return a copy to avoid race conditions.
	result := make([]*DiscoveredTool, len(tools))
	copy(result, tools)
	return result
}

// RemoveUpstream removes all tools for an upstream from the cache.
func (c *ToolCache) RemoveUpstream(upstreamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Remove from name index.
	if tools, ok := c.byUpstream[upstreamID]; ok {
		for _, t := range tools {
			delete(c.tools, t.QualifiedName)
		}
	}

	// Remove from upstream index.
	delete(c.byUpstream, upstreamID)

	// Drop the upstream's resources too.
	if resources, ok := c.resourcesByUpstream[upstreamID]; ok {
		for _, r := range resources {
			delete(c.resources, r.URI)
		}
	}
	delete(c.resourcesByUpstream, upstreamID)
}

// DiscoveredResource is one resource advertised by an upstream's
// resources/list response, indexed by URI so resources/read can be routed to
// the owning upstream.
type DiscoveredResource struct {
	URI          string
	Name         string
	Description  string
	MimeType     string
	UpstreamID   string
	UpstreamName string
	DiscoveredAt time.Time
}

// SetResourcesForUpstream replaces the cached resources for one upstream.
func (c *ToolCache) SetResourcesForUpstream(upstreamID string, resources []*DiscoveredResource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.resourcesByUpstream[upstreamID]; ok {
		for _, r := range old {
			delete(c.resources, r.URI)
		}
	}

	c.resourcesByUpstream[upstreamID] = resources
	for _, r := range resources {
		c.resources[r.URI] = r
	}
}

// GetResource looks up a resource by URI.
func (c *ToolCache) GetResource(uri string) (*DiscoveredResource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resources[uri]
	return r, ok
}

// GetAllResources returns every cached resource across upstreams.
func (c *ToolCache) GetAllResources() []*DiscoveredResource {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*DiscoveredResource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	return out
}

// HasConflict checks if a tool's qualified name is already registered by a
// different upstream. With namespacing this can only happen if two upstream
// configs share the same name (rejected at config validation time), so this
// mainly guards against a race during concurrent discovery.
// Returns (conflict exists, existing upstream ID).
func (c *ToolCache) HasConflict(qualifiedName string, excludeUpstreamID string) (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	existing, ok := c.tools[qualifiedName]
	if !ok {
		return false, ""
	}

	if existing.UpstreamID == excludeUpstreamID {
		return false, ""
	}

	return true, existing.UpstreamID
}

// RecordConflict records a tool name conflict.
func (c *ToolCache) RecordConflict(conflict ToolConflict) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conflicts = append(c.conflicts, conflict)
}

// GetConflicts returns all recorded tool name conflicts.
func (c *ToolCache) GetConflicts() []ToolConflict {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.conflicts) == 0 {
		return nil
	}
	result := make([]ToolConflict, len(c.conflicts))
	copy(result, c.conflicts)
	return result
}

// ClearConflicts removes all recorded conflicts.
func (c *ToolCache) ClearConflicts() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conflicts = nil
}

// Count returns the total number of cached tools.
func (c *ToolCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.tools)
}
